package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is wrapped by CheckPow2 when a size, alignment or page size is not a power of two
var PowerOfTwoError = errors.New("value must be a nonzero power of two")
