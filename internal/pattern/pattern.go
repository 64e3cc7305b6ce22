// Package pattern provides composable element patterns used to decide
// which reference providers apply to an element.
package pattern

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dshills/consulo/internal/psi"
)

// ProcessingContext is scratch storage shared by the conditions and
// providers consulted during one lookup.
type ProcessingContext struct {
	data map[string]any
}

// NewProcessingContext creates an empty context.
func NewProcessingContext() *ProcessingContext {
	return &ProcessingContext{}
}

// Get returns a value stored under key.
func (c *ProcessingContext) Get(key string) (any, bool) {
	if c == nil || c.data == nil {
		return nil, false
	}
	v, ok := c.data[key]
	return v, ok
}

// Put stores a value under key.
func (c *ProcessingContext) Put(key string, v any) {
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = v
}

// Condition is one constraint of a Pattern.
type Condition interface {
	Accepts(el psi.Element, ctx *ProcessingContext) bool
	String() string
}

// Pattern matches elements of one Go type that satisfy every condition.
// Patterns are immutable; the builder methods return new patterns.
type Pattern struct {
	accepted reflect.Type
	conds    []Condition
}

// Of returns a pattern accepting elements assignable to T. T is typically
// an interface type or a pointer to a concrete element struct.
func Of[T psi.Element]() *Pattern {
	return &Pattern{accepted: reflect.TypeFor[T]()}
}

// OfType returns a pattern accepting elements assignable to t.
func OfType(t reflect.Type) *Pattern {
	return &Pattern{accepted: t}
}

// Element returns a pattern accepting every element.
func Element() *Pattern {
	return Of[psi.Element]()
}

// AcceptedType returns the type every matching element is assignable to.
func (p *Pattern) AcceptedType() reflect.Type {
	return p.accepted
}

// Conditions returns the pattern's conditions.
func (p *Pattern) Conditions() []Condition {
	out := make([]Condition, len(p.conds))
	copy(out, p.conds)
	return out
}

func (p *Pattern) with(c Condition) *Pattern {
	conds := make([]Condition, len(p.conds), len(p.conds)+1)
	copy(conds, p.conds)
	return &Pattern{accepted: p.accepted, conds: append(conds, c)}
}

// WithName requires the element's name to equal one of names.
func (p *Pattern) WithName(names ...string) *Pattern {
	return p.with(&NameCondition{Names: names})
}

// WithNameIgnoreCase requires the element's name to equal one of names,
// ignoring case.
func (p *Pattern) WithNameIgnoreCase(names ...string) *Pattern {
	return p.with(&NameCondition{Names: names, IgnoreCase: true})
}

// WithText requires the element's text to equal one of texts.
func (p *Pattern) WithText(texts ...string) *Pattern {
	return p.with(textCondition(texts))
}

// WithParent requires the element's direct parent to match parent.
func (p *Pattern) WithParent(parent *Pattern) *Pattern {
	return p.with(&parentCondition{parent: parent})
}

// Inside requires some ancestor of the element to match ancestor.
func (p *Pattern) Inside(ancestor *Pattern) *Pattern {
	return p.with(&parentCondition{parent: ancestor, anyLevel: true})
}

// With adds an arbitrary predicate. desc shows up in String.
func (p *Pattern) With(desc string, fn func(el psi.Element, ctx *ProcessingContext) bool) *Pattern {
	return p.with(&funcCondition{desc: desc, fn: fn})
}

// Accepts reports whether el matches the pattern.
func (p *Pattern) Accepts(el psi.Element, ctx *ProcessingContext) bool {
	if el == nil {
		return false
	}
	if p.accepted != nil && !reflect.TypeOf(el).AssignableTo(p.accepted) {
		return false
	}
	for _, c := range p.conds {
		if !c.Accepts(el, ctx) {
			return false
		}
	}
	return true
}

// NameCondition returns the first name constraint embedded in the pattern,
// letting a registrar index by name instead of scanning.
func (p *Pattern) NameCondition() (*NameCondition, bool) {
	for _, c := range p.conds {
		if nc, ok := c.(*NameCondition); ok {
			return nc, true
		}
	}
	return nil, false
}

func (p *Pattern) String() string {
	var b strings.Builder
	if p.accepted != nil {
		fmt.Fprintf(&b, "element(%v)", p.accepted)
	} else {
		b.WriteString("element()")
	}
	for _, c := range p.conds {
		b.WriteByte('.')
		b.WriteString(c.String())
	}
	return b.String()
}

// NameCondition constrains an element's name to a set of literal values.
type NameCondition struct {
	Names      []string
	IgnoreCase bool
}

// Accepts implements Condition.
func (c *NameCondition) Accepts(el psi.Element, _ *ProcessingContext) bool {
	name, ok := psi.NameOf(el)
	if !ok {
		return false
	}
	for _, n := range c.Names {
		if c.IgnoreCase && strings.EqualFold(n, name) {
			return true
		}
		if !c.IgnoreCase && n == name {
			return true
		}
	}
	return false
}

func (c *NameCondition) String() string {
	if c.IgnoreCase {
		return fmt.Sprintf("withNameIgnoreCase(%q)", c.Names)
	}
	return fmt.Sprintf("withName(%q)", c.Names)
}

type textCondition []string

func (c textCondition) Accepts(el psi.Element, _ *ProcessingContext) bool {
	text := el.Text()
	for _, t := range c {
		if t == text {
			return true
		}
	}
	return false
}

func (c textCondition) String() string {
	return fmt.Sprintf("withText(%q)", []string(c))
}

type parentCondition struct {
	parent   *Pattern
	anyLevel bool
}

func (c *parentCondition) Accepts(el psi.Element, ctx *ProcessingContext) bool {
	for p := psi.ParentOf(el); p != nil; p = psi.ParentOf(p) {
		if c.parent.Accepts(p, ctx) {
			return true
		}
		if !c.anyLevel {
			return false
		}
	}
	return false
}

func (c *parentCondition) String() string {
	if c.anyLevel {
		return fmt.Sprintf("inside(%s)", c.parent)
	}
	return fmt.Sprintf("withParent(%s)", c.parent)
}

type funcCondition struct {
	desc string
	fn   func(el psi.Element, ctx *ProcessingContext) bool
}

func (c *funcCondition) Accepts(el psi.Element, ctx *ProcessingContext) bool {
	return c.fn(el, ctx)
}

func (c *funcCondition) String() string {
	return c.desc
}
