package reference

import (
	"fmt"

	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/pattern"
	"github.com/dshills/consulo/internal/psi"
	"github.com/dshills/consulo/internal/script"
)

// LuaFunction is the global function a provider script must define. It
// receives a table {text=..., name=...} and returns a list of
// {start=, finish=, canonical=, target=} tables with 0-based, end-exclusive
// offsets into text.
const LuaFunction = "references"

// LuaProvider is a Provider implemented by a sandboxed Lua script.
type LuaProvider struct {
	name   string
	state  *script.State
	logger *logging.Logger
}

// NewLuaProvider loads code and checks that it defines LuaFunction.
func NewLuaProvider(name, code string, logger *logging.Logger, opts ...script.Option) (*LuaProvider, error) {
	st := script.NewState(opts...)
	if err := st.DoString(code); err != nil {
		st.Close()
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if !st.HasFunction(LuaFunction) {
		st.Close()
		return nil, fmt.Errorf("load %s: %w: %s", name, script.ErrNoFunction, LuaFunction)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &LuaProvider{
		name:   name,
		state:  st,
		logger: logger.WithComponent("reference").WithField("script", name),
	}, nil
}

// References implements Provider. Script errors are logged and yield no
// references.
func (p *LuaProvider) References(el psi.Element, _ *pattern.ProcessingContext) []Reference {
	text := el.Text()
	arg := map[string]any{"text": text}
	if name, ok := psi.NameOf(el); ok {
		arg["name"] = name
	}

	res, err := p.state.Call(LuaFunction, arg)
	if err != nil {
		p.logger.Warn("script failed: %v", err)
		return nil
	}
	if len(res) == 0 {
		return nil
	}
	list, ok := res[0].([]any)
	if !ok {
		return nil
	}

	var out []Reference
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			p.logger.Debug("entry %d is not a table", i+1)
			continue
		}
		start, ok1 := m["start"].(float64)
		finish, ok2 := m["finish"].(float64)
		if !ok1 || !ok2 || start < 0 || finish < start || int(finish) > len(text) {
			p.logger.Debug("entry %d has an invalid range", i+1)
			continue
		}
		rng := psi.TextRange{Start: int(start), End: int(finish)}
		canonical, _ := m["canonical"].(string)
		if canonical == "" {
			canonical = text[rng.Start:rng.End]
		}
		out = append(out, NewReference(el, rng, canonical, m["target"]))
	}
	return out
}

// Dispose releases the Lua state.
func (p *LuaProvider) Dispose() { p.state.Close() }

func (p *LuaProvider) String() string { return "lua:" + p.name }

// LuaContributor registers a single LuaProvider. Disposing it closes the
// script.
type LuaContributor struct {
	Provider *LuaProvider
	Pattern  *pattern.Pattern
	Priority int
}

// RegisterReferenceProviders implements Contributor.
func (c *LuaContributor) RegisterReferenceProviders(r *Registrar) error {
	p := c.Pattern
	if p == nil {
		p = pattern.Element()
	}
	return r.RegisterProvider(p, c.Provider, c.Priority)
}

// Dispose closes the provider's script.
func (c *LuaContributor) Dispose() { c.Provider.Dispose() }

func (c *LuaContributor) String() string { return "contributor " + c.Provider.String() }
