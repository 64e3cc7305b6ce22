package reference

import (
	"errors"
	"sync"

	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/panics"
	"github.com/dshills/consulo/internal/psi"
)

// AnyLanguage is the language of contributors that apply to every language.
const AnyLanguage = ""

// Contributor registers a group of providers into a registrar.
type Contributor interface {
	RegisterReferenceProviders(r *Registrar) error
}

// ContributorFunc adapts a function to Contributor.
type ContributorFunc func(r *Registrar) error

// RegisterReferenceProviders implements Contributor.
func (f ContributorFunc) RegisterReferenceProviders(r *Registrar) error { return f(r) }

// LanguageContributor is a Contributor bound to a language id.
type LanguageContributor struct {
	Language    string
	Contributor Contributor
}

// Source lists the contributors currently available, typically the
// extensions of the reference contributor extension point.
type Source interface {
	Contributors() []LanguageContributor
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []LanguageContributor

// Contributors implements Source.
func (f SourceFunc) Contributors() []LanguageContributor { return f() }

// Registry holds one Registrar per language, built lazily from the
// contributors a Source reports.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	source     Source
	registrars map[string]*Registrar
	gen        uint64
	logger     *logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for contributor failures.
func WithRegistryLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry reading contributors from source.
func NewRegistry(source Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:     source,
		registrars: make(map[string]*Registrar),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	return r
}

// Registrar returns the registrar for language, building it on first use.
// A contributor that fails or panics is logged and skipped.
func (r *Registry) Registrar(language string) *Registrar {
	r.mu.Lock()
	if reg, ok := r.registrars[language]; ok {
		r.mu.Unlock()
		return reg
	}
	gen := r.gen
	r.mu.Unlock()

	reg := NewRegistrar(WithRegistrarLogger(r.logger))
	if r.source != nil {
		for _, lc := range r.source.Contributors() {
			if lc.Contributor == nil || (lc.Language != AnyLanguage && lc.Language != language) {
				continue
			}
			if err := r.contribute(lc, reg); err != nil {
				l := r.logger.WithComponent("reference").WithField("language", language)
				var pe *panics.Error
				if errors.As(err, &pe) {
					l.Error("reference contributor %T: %v\n%s", lc.Contributor, pe, pe.Stack)
					continue
				}
				l.Error("reference contributor %T failed: %v", lc.Contributor, err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.registrars[language]; ok {
		return existing
	}
	if gen == r.gen {
		r.registrars[language] = reg
	}
	return reg
}

func (r *Registry) contribute(lc LanguageContributor, reg *Registrar) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = panics.Recovered("reference contributor", v)
		}
	}()
	return lc.Contributor.RegisterReferenceProviders(reg)
}

// ReferencesFor looks up references for el in language.
func (r *Registry) ReferencesFor(language string, el psi.Element, hints Hints) []Reference {
	return r.Registrar(language).ReferencesFor(el, hints)
}

// Invalidate drops every registrar; the next lookup rebuilds from the
// source.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	clear(r.registrars)
}

// Languages returns the languages that currently have a built registrar.
func (r *Registry) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.registrars))
	for l := range r.registrars {
		out = append(out, l)
	}
	return out
}

// Listen invalidates the registry whenever extensions change. The
// subscription ends when parent is disposed.
func (r *Registry) Listen(b *bus.Bus, tree *disposer.Tree, parent disposer.Disposable) (*bus.Subscription, error) {
	return b.SubscribeFor(tree, parent, bus.TopicExtensionsChanged, func(bus.Message) {
		r.Invalidate()
	})
}
