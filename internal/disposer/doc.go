// Package disposer implements the ownership tree that governs the lifetime
// of long-lived platform objects.
//
// Every Disposable is owned by at most one parent. Disposing a node tears
// down its whole subtree bottom-up, most recently registered children
// first, and purges the node's edges so nothing disposed stays reachable
// from the tree.
//
// A self-disposing object routes a direct Dispose call through the tree:
//
//	func (v *Viewer) Dispose() {
//		if !v.tree.IsExecuting(v) {
//			v.tree.Dispose(v)
//			return
//		}
//		// actual teardown, runs exactly once
//	}
package disposer
