package memutils

import (
	"github.com/pkg/errors"
)

// Number is any integer type that can hold a size, offset or address
type Number interface {
	~int | ~uint | ~uint32 | ~uint64 | ~uintptr
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two.
// Zero is rejected as well.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value & ^(alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment
func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}
