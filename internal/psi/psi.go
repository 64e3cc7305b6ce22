// Package psi defines the minimal program-structure element contract that
// patterns, reference providers and extensions operate on.
package psi

import "fmt"

// Element is a node of a parsed source file.
type Element interface {
	// Text returns the source text covered by the element.
	Text() string
}

// Named is an element with a name, such as an attribute or a tag.
type Named interface {
	Element
	Name() string
}

// Child is an element that knows its parent.
type Child interface {
	Element
	Parent() Element
}

// NameOf returns the element's name when it has one.
func NameOf(el Element) (string, bool) {
	if n, ok := el.(Named); ok {
		return n.Name(), true
	}
	return "", false
}

// ParentOf returns the element's parent, or nil.
func ParentOf(el Element) Element {
	if c, ok := el.(Child); ok {
		return c.Parent()
	}
	return nil
}

// TextRange is a half-open [Start, End) range of offsets.
type TextRange struct {
	Start int
	End   int
}

// Len returns the length of the range.
func (r TextRange) Len() int { return r.End - r.Start }

// Contains reports whether offset lies in the range.
func (r TextRange) Contains(offset int) bool {
	return offset >= r.Start && offset < r.End
}

// Shift returns the range moved by delta.
func (r TextRange) Shift(delta int) TextRange {
	return TextRange{Start: r.Start + delta, End: r.End + delta}
}

func (r TextRange) String() string {
	return fmt.Sprintf("(%d,%d)", r.Start, r.End)
}

// Leaf is a free-standing element, used where text is not backed by a
// parsed file.
type Leaf struct {
	name   string
	text   string
	parent Element
}

// NewLeaf creates a leaf; parent may be nil.
func NewLeaf(name, text string, parent Element) *Leaf {
	return &Leaf{name: name, text: text, parent: parent}
}

func (l *Leaf) Text() string    { return l.text }
func (l *Leaf) Name() string    { return l.name }
func (l *Leaf) Parent() Element { return l.parent }
