// Package reference maps program-structure elements to the providers that
// contribute references for them.
//
// Providers are registered against an element pattern and a priority. The
// registrar indexes them by the pattern's accepted type and, when the
// pattern constrains the element name, by that name. Lookups walk every
// registered type the element's concrete type is assignable to, using a
// memoized supertype cache that is dropped on every registration change.
package reference

import (
	"reflect"

	"github.com/dshills/consulo/internal/pattern"
	"github.com/dshills/consulo/internal/psi"
)

// Provider priorities. Higher priorities are consulted first.
const (
	DefaultPriority = 0
	HigherPriority  = 100
	LowerPriority   = -100
)

// Reference is a link from a range of an element's text to some target.
type Reference interface {
	// Element returns the element the reference lives in.
	Element() psi.Element

	// RangeInElement returns the referring range, relative to the element.
	RangeInElement() psi.TextRange

	// CanonicalText returns the referenced name as written.
	CanonicalText() string

	// Resolve returns the target, or nil when the reference is unresolved.
	Resolve() any
}

// BaseReference is a Reference with a precomputed target.
type BaseReference struct {
	El        psi.Element
	Range     psi.TextRange
	Canonical string
	Target    any
}

// NewReference creates a reference with a fixed target.
func NewReference(el psi.Element, r psi.TextRange, canonical string, target any) *BaseReference {
	return &BaseReference{El: el, Range: r, Canonical: canonical, Target: target}
}

func (r *BaseReference) Element() psi.Element          { return r.El }
func (r *BaseReference) RangeInElement() psi.TextRange { return r.Range }
func (r *BaseReference) CanonicalText() string         { return r.Canonical }
func (r *BaseReference) Resolve() any                  { return r.Target }

// Hints narrow a lookup. With HasOffset set, only references whose range
// covers Offset are kept. Target is the expected kind of target, or nil.
// The zero value places no restriction.
type Hints struct {
	Offset    int
	HasOffset bool
	Target    reflect.Type
}

// NoHints places no restriction on a lookup.
var NoHints = Hints{}

// AtOffset returns hints keeping the references that cover offset.
func AtOffset(offset int) Hints {
	return Hints{Offset: offset, HasOffset: true}
}

// Provider contributes references for elements matching its pattern.
type Provider interface {
	References(el psi.Element, ctx *pattern.ProcessingContext) []Reference
}

// HintAware is implemented by providers that can skip a lookup cheaply
// based on its hints.
type HintAware interface {
	AcceptsHints(el psi.Element, hints Hints) bool
}

type funcProvider struct {
	name string
	fn   func(el psi.Element, ctx *pattern.ProcessingContext) []Reference
}

func (p *funcProvider) References(el psi.Element, ctx *pattern.ProcessingContext) []Reference {
	return p.fn(el, ctx)
}

func (p *funcProvider) String() string { return p.name }

// NewProviderFunc wraps fn as a Provider. Each call returns a distinct
// provider that can be unregistered on its own.
func NewProviderFunc(name string, fn func(el psi.Element, ctx *pattern.ProcessingContext) []Reference) Provider {
	return &funcProvider{name: name, fn: fn}
}

// ProviderInfo is one registration: a provider, the pattern it is bound
// to and its priority.
type ProviderInfo struct {
	Provider Provider
	Pattern  *pattern.Pattern
	Priority int

	seq uint64
}
