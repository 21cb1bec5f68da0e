package memutils

// Validatable is implemented by bookkeeping structures that can check their own internal
// consistency: heaps, fragment lists, allocation lists and the memory manager itself
type Validatable interface {
	Validate() error
}
