package diff

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/logging"
)

// ErrDocumentClosed indicates the file document was disposed.
var ErrDocumentClosed = errors.New("document closed")

// Document is mutable text with change notification.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run on
// the goroutine that changed the text, without the document lock held.
type Document struct {
	mu        sync.RWMutex
	text      string
	stamp     uint64
	listeners []*func(*Document)
}

// NewDocument creates a document holding text.
func NewDocument(text string) *Document {
	return &Document{text: text}
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// Stamp returns the modification counter; it grows on every change.
func (d *Document) Stamp() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stamp
}

// Lines returns the text split into lines without terminators. A trailing
// newline does not produce an empty last line.
func (d *Document) Lines() []string {
	return splitLines(d.Text())
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// SetText replaces the text and notifies listeners when it changed.
func (d *Document) SetText(text string) {
	d.mu.Lock()
	if d.text == text {
		d.mu.Unlock()
		return
	}
	d.text = text
	d.stamp++
	ls := make([]*func(*Document), len(d.listeners))
	copy(ls, d.listeners)
	d.mu.Unlock()

	for _, l := range ls {
		(*l)(d)
	}
}

// AddChangeListener adds fn and returns a function removing it.
func (d *Document) AddChangeListener(fn func(*Document)) (remove func()) {
	p := &fn
	d.mu.Lock()
	d.listeners = append(d.listeners, p)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, x := range d.listeners {
			if x == p {
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// FileDocument is a Document backed by a file. Reload rereads it; Watch
// reloads it whenever the file is written on disk.
type FileDocument struct {
	*Document

	fs     afero.Fs
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// OpenFile loads path from fs.
func OpenFile(fs afero.Fs, path string, logger *logging.Logger) (*FileDocument, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return &FileDocument{
		Document: NewDocument(string(data)),
		fs:       fs,
		path:     path,
		logger:   logging.OrDefault(logger).WithComponent("diff").WithField("file", path),
	}, nil
}

// Path returns the file path.
func (d *FileDocument) Path() string { return d.path }

// Reload rereads the file.
func (d *FileDocument) Reload() error {
	data, err := afero.ReadFile(d.fs, d.path)
	if err != nil {
		return err
	}
	d.SetText(string(data))
	return nil
}

// Watch starts reloading on disk writes. It watches the parent directory,
// so editors that replace the file by rename are noticed too. Only files
// on the OS file system can be watched.
func (d *FileDocument) Watch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDocumentClosed
	}
	if d.watcher != nil {
		return nil
	}
	if _, ok := d.fs.(*afero.OsFs); !ok {
		return fmt.Errorf("watch %s: not on the OS file system", d.path)
	}

	abs, err := filepath.Abs(d.path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}
	d.watcher = w
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.watchLoop(w, abs, d.done)
	return nil
}

func (d *FileDocument) watchLoop(w *fsnotify.Watcher, abs string, done <-chan struct{}) {
	defer d.wg.Done()

	// Editors often write in several steps; coalesce them.
	const settle = 20 * time.Millisecond
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(settle, func() {
				if err := d.Reload(); err != nil {
					d.logger.Debug("reload failed: %v", err)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error: %v", err)
		}
	}
}

// Dispose stops watching. The text stays readable.
func (d *FileDocument) Dispose() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	w := d.watcher
	if d.done != nil {
		close(d.done)
	}
	d.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	d.wg.Wait()
}
