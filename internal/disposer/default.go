package disposer

// Default is the process-wide tree. Components that can take a *Tree should;
// these wrappers are for code that has no tree in scope.
var Default = NewTree()

// Register makes parent the owner of child in the Default tree.
func Register(parent, child Disposable) error {
	return Default.Register(parent, child)
}

// TryRegister registers child under parent in the Default tree.
func TryRegister(parent, child Disposable) bool {
	return Default.TryRegister(parent, child)
}

// Dispose disposes obj in the Default tree.
func Dispose(obj Disposable) error {
	return Default.Dispose(obj)
}

// IsDisposed reports whether obj was disposed in the Default tree.
func IsDisposed(obj Disposable) bool {
	return Default.IsDisposed(obj)
}
