package app

import (
	"context"

	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/diff"
	"github.com/dshills/consulo/internal/diff/dirdiff"
	"github.com/dshills/consulo/internal/disposer"
)

func (a *Application) diffDeps() diff.Deps {
	return diff.Deps{Tree: a.tree, Dispatcher: a.disp, Pool: a.pool, Logger: a.logger}
}

func (a *Application) owner(parent disposer.Disposable) disposer.Disposable {
	if parent == nil {
		return a.root
	}
	return parent
}

// OpenTextDiff creates a viewer comparing left and right under parent,
// or under the application root when parent is nil, and waits for the
// first comparison.
func (a *Application) OpenTextDiff(ctx context.Context, left, right *diff.Document, parent disposer.Disposable) (*diff.TextViewer, error) {
	if a.IsShutdown() {
		return nil, ErrShutdown
	}
	cfg := a.Config()
	tv, err := diff.NewTextViewer(a.diffDeps(), a.owner(parent), left, right, cfg.DiffOptions())
	if err != nil {
		return nil, NewOperationError("diff", "", err)
	}
	_, err = a.bus.SubscribeFor(a.tree, tv.Viewer, bus.TopicSettingsChanged, func(msg bus.Message) {
		if sc, ok := msg.Payload.(SettingsChange); ok {
			tv.SetIgnorePolicy(sc.Config.IgnorePolicy())
		}
	})
	if err != nil {
		_ = a.Close(context.Background(), tv.Viewer)
		return nil, NewOperationError("diff", "", err)
	}
	if err := a.initViewer(ctx, tv.Viewer); err != nil {
		_ = a.Close(context.Background(), tv.Viewer)
		return nil, NewOperationError("diff", "", err)
	}
	return tv, nil
}

// initViewer runs Init on the UI goroutine and blocks until the first
// rediff finished or ctx ends.
func (a *Application) initViewer(ctx context.Context, v *diff.Viewer) error {
	done := make(chan struct{}, 1)
	remove := v.AddListener(func(e diff.EventType) {
		if e == diff.EventAfterRediff {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if err := a.disp.InvokeAndWait(ctx, v.Init); err != nil {
		return err
	}
	select {
	case <-done:
		return v.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FileDiff is a text diff of two files.
type FileDiff struct {
	*diff.TextViewer
	Left, Right *diff.FileDocument
}

// CompareFiles opens a text diff of two files on the application file
// system. With watch set, writes to either file on disk trigger a rediff.
// The documents belong to the viewer.
func (a *Application) CompareFiles(ctx context.Context, leftPath, rightPath string, watch bool, parent disposer.Disposable) (*FileDiff, error) {
	left, err := diff.OpenFile(a.fs, leftPath, a.logger)
	if err != nil {
		return nil, NewOperationError("diff", leftPath, err).WithContext("left side")
	}
	right, err := diff.OpenFile(a.fs, rightPath, a.logger)
	if err != nil {
		return nil, NewOperationError("diff", rightPath, err).WithContext("right side")
	}

	tv, err := a.OpenTextDiff(ctx, left.Document, right.Document, parent)
	if err != nil {
		return nil, err
	}
	fd := &FileDiff{TextViewer: tv, Left: left, Right: right}
	for _, doc := range []*diff.FileDocument{left, right} {
		if err := a.tree.Register(tv.Viewer, doc); err != nil {
			_ = a.Close(context.Background(), tv.Viewer)
			return nil, NewOperationError("diff", doc.Path(), err)
		}
		if watch {
			if err := doc.Watch(); err != nil {
				a.logger.WithField("file", doc.Path()).Warn("cannot watch: %v", err)
			}
		}
	}
	return fd, nil
}

// OpenDirDiff creates a directory comparison with the configured settings
// and scans it once. The model is returned even when the scan failed; its
// Err reports why.
func (a *Application) OpenDirDiff(ctx context.Context, src, tgt dirdiff.Root, parent disposer.Disposable) (*dirdiff.Model, error) {
	if a.IsShutdown() {
		return nil, ErrShutdown
	}
	cfg := a.Config()
	deps := dirdiff.Deps{Tree: a.tree, Dispatcher: a.disp, Pool: a.pool, Logger: a.logger}
	m, err := dirdiff.NewModel(deps, a.owner(parent), src, tgt, cfg.DirDiffSettings())
	if err != nil {
		return nil, NewOperationError("dirdiff", src.Path, err)
	}
	_, err = a.bus.SubscribeFor(a.tree, m, bus.TopicSettingsChanged, func(msg bus.Message) {
		if sc, ok := msg.Payload.(SettingsChange); ok {
			if err := m.ApplySettings(context.Background(), sc.Config.DirDiffSettings()); err != nil {
				a.logger.WithComponent("dirdiff").Warn("cannot apply settings: %v", err)
			}
		}
	})
	if err != nil {
		_ = a.Close(context.Background(), m)
		return nil, NewOperationError("dirdiff", src.Path, err)
	}
	if err := m.ReloadModelSynchronously(ctx); err != nil {
		return m, NewOperationError("dirdiff", src.Path, err).WithContext("against " + tgt.Path)
	}
	return m, nil
}

// Close disposes d and everything it owns on the UI goroutine.
func (a *Application) Close(ctx context.Context, d disposer.Disposable) error {
	var err error
	if ierr := a.disp.InvokeAndWait(ctx, func() { err = a.tree.Dispose(d) }); ierr != nil {
		return ierr
	}
	return err
}
