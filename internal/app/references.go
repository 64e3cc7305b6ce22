package app

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/consulo/internal/extension"
	"github.com/dshills/consulo/internal/pattern"
	"github.com/dshills/consulo/internal/psi"
	"github.com/dshills/consulo/internal/reference"
	"github.com/dshills/consulo/internal/script"
)

// Declaration attributes read by the script factory.
const (
	attrNames    = "names"
	attrPriority = "priority"
)

// scriptContributor builds a reference contributor from a Lua script
// declared on ContributorPoint. The optional "names" attribute restricts
// the provider to elements with one of the comma separated names and
// "priority" sets its priority.
func (a *Application) scriptContributor(in extension.Instantiation) (any, error) {
	if in.Decl.Point != ContributorPoint {
		return nil, fmt.Errorf("%w: %s", ErrNotContributorPoint, in.Decl.Point)
	}
	code, err := in.ReadFile(in.Decl.Script)
	if err != nil {
		return nil, NewOperationError("read script", in.Decl.Script, err).WithContext(in.Plugin.ID)
	}

	p := pattern.Element()
	if names := splitNames(in.Decl.Attributes[attrNames]); len(names) > 0 {
		p = p.WithName(names...)
	}
	priority := 0
	if v := in.Decl.Attributes[attrPriority]; v != "" {
		if priority, err = strconv.Atoi(v); err != nil {
			return nil, NewOperationError("parse priority", v, err).WithContext(in.Plugin.ID)
		}
	}

	cfg := a.Config()
	provider, err := reference.NewLuaProvider(in.Plugin.ID+"/"+in.Decl.Script, string(code), a.logger,
		script.WithTimeout(cfg.Plugins.ScriptTimeout.Std()))
	if err != nil {
		return nil, err
	}
	lc := &reference.LuaContributor{Provider: provider, Pattern: p, Priority: priority}
	if err := a.tree.Register(in.Parent, lc); err != nil {
		lc.Dispose()
		return nil, err
	}
	return reference.LanguageContributor{Language: in.Decl.Language, Contributor: lc}, nil
}

func splitNames(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()]+`)

// URLTarget is what references to web addresses resolve to.
type URLTarget string

// builtinContributor gives every language references to the web
// addresses in an element's text.
func builtinContributor() reference.LanguageContributor {
	provider := reference.NewProviderFunc("urls", func(el psi.Element, _ *pattern.ProcessingContext) []reference.Reference {
		text := el.Text()
		var refs []reference.Reference
		for _, m := range urlPattern.FindAllStringIndex(text, -1) {
			url := strings.TrimRight(text[m[0]:m[1]], ".,;:")
			r := psi.TextRange{Start: m[0], End: m[0] + len(url)}
			refs = append(refs, reference.NewReference(el, r, url, URLTarget(url)))
		}
		return refs
	})
	return reference.LanguageContributor{
		Language: reference.AnyLanguage,
		Contributor: reference.ContributorFunc(func(r *reference.Registrar) error {
			return r.RegisterProvider(pattern.Element(), provider, reference.LowerPriority)
		}),
	}
}
