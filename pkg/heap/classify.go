package heap

// Class is the classification of a raw pointer value
type Class int

const (
	Unknown Class = iota
	Heap
	Global
	// Stack is reserved, the classifier does not resolve stack addresses
	Stack
)

// String returns the string representation of the Class
func (c Class) String() string {
	switch c {
	case Heap:
		return "heap"
	case Global:
		return "global"
	case Stack:
		return "stack"
	default:
		return "unknown"
	}
}

// Classifier resolves pointers against the run's registry and the step's globals
type Classifier struct {
	Registry *Registry
	Globals  *GlobalTable
}

// Classify returns Heap when addr lies within a live block (base+size
// inclusive), Global when it is the exact address of a named global, and
// Unknown otherwise
func (c Classifier) Classify(addr uint64) Class {
	if c.Registry != nil && c.Registry.Containing(addr) != nil {
		return Heap
	}
	if c.Globals != nil {
		if name, ok := c.Globals.NameAt(addr); ok && name != "" {
			return Global
		}
	}
	return Unknown
}
