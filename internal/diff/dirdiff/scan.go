package dirdiff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// DiffType classifies a row.
type DiffType int

const (
	// Source marks a file present only under the source root.
	Source DiffType = iota
	// Target marks a file present only under the target root.
	Target
	Changed
	Equal
	Error
	// Separator is a directory header preceding the rows of that directory.
	Separator
)

func (t DiffType) String() string {
	switch t {
	case Source:
		return "SOURCE"
	case Target:
		return "TARGET"
	case Changed:
		return "CHANGED"
	case Equal:
		return "EQUAL"
	case Error:
		return "ERROR"
	case Separator:
		return "SEPARATOR"
	default:
		return "UNKNOWN"
	}
}

// Symbol returns the one-character marker used in listings.
func (t DiffType) Symbol() string {
	switch t {
	case Source:
		return "+"
	case Target:
		return "-"
	case Changed:
		return "M"
	case Equal:
		return "="
	case Error:
		return "!"
	default:
		return ""
	}
}

// ErrTypeMismatch marks a path that is a file on one side and a directory
// on the other.
var ErrTypeMismatch = errors.New("file and directory with the same name")

// Root is one side of a comparison.
type Root struct {
	Fs   afero.Fs
	Path string
}

// OsRoot returns a Root on the OS file system.
func OsRoot(path string) Root {
	return Root{Fs: afero.NewOsFs(), Path: path}
}

func (r Root) String() string { return r.Path }

// Element is one row of the model.
type Element struct {
	// Path is the slash-separated path relative to the roots. For a
	// Separator it is the directory.
	Path string
	Type DiffType

	SourceSize int64
	TargetSize int64
	SourceTime time.Time
	TargetTime time.Time

	Err error
}

// IsSeparator reports whether e is a directory header.
func (e Element) IsSeparator() bool { return e.Type == Separator }

func (e Element) String() string {
	if e.IsSeparator() {
		return e.Path + "/"
	}
	return fmt.Sprintf("%s %s", e.Type.Symbol(), e.Path)
}

type entry struct {
	dir  bool
	size int64
	mod  time.Time
	err  error
}

type node struct {
	name     string
	rel      string
	children map[string]*node
	src, tgt *entry
	typ      DiffType
	err      error
}

func (n *node) isDir() bool {
	return (n.src == nil || n.src.dir) && (n.tgt == nil || n.tgt.dir) && n.typ != Error
}

func (n *node) child(name string) *node {
	if c, ok := n.children[name]; ok {
		return c
	}
	rel := name
	if n.rel != "" {
		rel = n.rel + "/" + name
	}
	c := &node{name: name, rel: rel}
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	n.children[name] = c
	return c
}

func (n *node) sorted() (files, dirs []*node) {
	for _, c := range n.children {
		if c.isDir() {
			dirs = append(dirs, c)
		} else {
			files = append(files, c)
		}
	}
	byName := func(a, b *node) int { return strings.Compare(a.name, b.name) }
	slices.SortFunc(files, byName)
	slices.SortFunc(dirs, byName)
	return files, dirs
}

// walk lists everything under root keyed by slash-separated relative path.
func walk(ctx context.Context, root Root) (map[string]*entry, error) {
	info, err := root.Fs.Stat(root.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root.Path)
	}

	out := make(map[string]*entry)
	err = afero.Walk(root.Fs, root.Path, func(p string, fi os.FileInfo, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, rerr := filepath.Rel(root.Path, p)
		if rerr != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			out[rel] = &entry{err: err}
			if fi != nil && fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		out[rel] = &entry{dir: fi.IsDir(), size: fi.Size(), mod: fi.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// build scans both roots and classifies every file.
func build(ctx context.Context, src, tgt Root, mode CompareMode) (*node, error) {
	var srcEntries, tgtEntries map[string]*entry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		srcEntries, err = walk(gctx, src)
		return err
	})
	g.Go(func() (err error) {
		tgtEntries, err = walk(gctx, tgt)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	root := &node{}
	insert := func(entries map[string]*entry, source bool) {
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, rel := range keys {
			n := root
			for _, part := range strings.Split(rel, "/") {
				n = n.child(part)
			}
			if source {
				n.src = entries[rel]
			} else {
				n.tgt = entries[rel]
			}
		}
	}
	insert(srcEntries, true)
	insert(tgtEntries, false)

	var both []*node
	var classify func(n *node)
	classify = func(n *node) {
		for _, c := range n.children {
			classify(c)
		}
		if n == root {
			return
		}
		switch {
		case n.src != nil && n.src.err != nil:
			n.typ, n.err = Error, n.src.err
		case n.tgt != nil && n.tgt.err != nil:
			n.typ, n.err = Error, n.tgt.err
		case n.src != nil && n.tgt != nil && n.src.dir != n.tgt.dir:
			n.typ, n.err = Error, ErrTypeMismatch
		case n.src == nil:
			n.typ = Target
		case n.tgt == nil:
			n.typ = Source
		case !n.src.dir:
			both = append(both, n)
		}
	}
	classify(root)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, n := range both {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n.typ, n.err = compare(src, tgt, n, mode)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return root, nil
}

func compare(src, tgt Root, n *node, mode CompareMode) (DiffType, error) {
	switch mode {
	case CompareSize:
		if n.src.size == n.tgt.size {
			return Equal, nil
		}
		return Changed, nil
	case CompareTimestamp:
		if n.src.mod.Truncate(time.Second).Equal(n.tgt.mod.Truncate(time.Second)) {
			return Equal, nil
		}
		return Changed, nil
	}

	if n.src.size != n.tgt.size {
		return Changed, nil
	}
	a, err := afero.ReadFile(src.Fs, filepath.Join(src.Path, filepath.FromSlash(n.rel)))
	if err != nil {
		return Error, err
	}
	b, err := afero.ReadFile(tgt.Fs, filepath.Join(tgt.Path, filepath.FromSlash(n.rel)))
	if err != nil {
		return Error, err
	}
	if bytes.Equal(a, b) {
		return Equal, nil
	}
	return Changed, nil
}

// fill flattens the tree into rows. Each non-root directory with visible
// files gets a Separator row before them.
func fill(root *node, s Settings) []Element {
	if root == nil {
		return nil
	}
	match := s.matcher()
	var out []Element
	var visit func(n *node)
	visit = func(n *node) {
		files, dirs := n.sorted()
		separated := n == root
		for _, f := range files {
			if !s.shows(f.typ) || !match(f.rel) {
				continue
			}
			if !separated {
				out = append(out, Element{Path: n.rel, Type: Separator})
				separated = true
			}
			out = append(out, toElement(f))
		}
		for _, d := range dirs {
			visit(d)
		}
	}
	visit(root)
	return out
}

func toElement(n *node) Element {
	e := Element{Path: n.rel, Type: n.typ, Err: n.err}
	if n.src != nil {
		e.SourceSize, e.SourceTime = n.src.size, n.src.mod
	}
	if n.tgt != nil {
		e.TargetSize, e.TargetTime = n.tgt.size, n.tgt.mod
	}
	return e
}
