package disposer

import (
	"errors"
	"fmt"
)

// Registration and teardown errors.
var (
	// ErrNil indicates a nil Disposable was passed.
	ErrNil = errors.New("nil disposable")

	// ErrNotComparable indicates the Disposable cannot be used as a tree key.
	ErrNotComparable = errors.New("disposable is not comparable")

	// ErrSelfParent indicates an object was registered as its own parent.
	ErrSelfParent = errors.New("cannot register disposable as its own parent")

	// ErrAlreadyDisposed indicates the child has been disposed already.
	ErrAlreadyDisposed = errors.New("disposable already disposed")

	// ErrParentDisposed indicates the parent has been disposed, so the child
	// would never be disposed.
	ErrParentDisposed = errors.New("parent already disposed")

	// ErrParentDisposing indicates the parent is in the middle of its teardown.
	ErrParentDisposing = errors.New("parent is being disposed")

	// ErrOwnerDisposing indicates the child's current owner is in the middle of
	// its teardown and still holds the child.
	ErrOwnerDisposing = errors.New("current owner is being disposed")

	// ErrCycle indicates the registration would make an object its own ancestor.
	ErrCycle = errors.New("registration would create a cycle")

	// ErrReferenceKept indicates a disposed object is still referenced by the tree.
	ErrReferenceKept = errors.New("reference kept in tree")
)

// PanicError is a panic recovered from a Dispose callback.
type PanicError struct {
	Object string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("dispose %s: panic: %v", e.Object, e.Value)
}
