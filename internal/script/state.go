// Package script hosts sandboxed Lua states used by script-backed
// extensions.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/consulo/internal/panics"
)

// DefaultTimeout bounds a single call into a script.
const DefaultTimeout = 2 * time.Second

// Script errors.
var (
	// ErrClosed indicates the state was closed.
	ErrClosed = errors.New("script state closed")

	// ErrNoFunction indicates the requested global function does not exist.
	ErrNoFunction = errors.New("script function not found")
)

// State is a sandboxed Lua state. gopher-lua states are single-threaded;
// State serializes every call with a mutex.
type State struct {
	mu      sync.Mutex
	L       *lua.LState
	timeout time.Duration
	closed  bool
}

// Option configures a State.
type Option func(*State)

// WithTimeout bounds each DoString or Call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *State) {
		s.timeout = d
	}
}

// NewState creates a state with only the base, table, string and math
// libraries, and without the loaders that could read code from disk.
func NewState(opts ...Option) *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	s := &State{L: L, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) withDeadline(fn func() error) (err error) {
	if s.timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	defer func() {
		if r := recover(); r != nil {
			err = panics.Recovered("lua", r)
		}
	}()
	return fn()
}

// DoString runs a chunk of Lua code.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withDeadline(func() error {
		return s.L.DoString(code)
	})
}

// HasFunction reports whether a global function named fn exists.
func (s *State) HasFunction(fn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(fn).Type() == lua.LTFunction
}

// Call calls a global function with Go arguments and returns its results
// converted back to Go values.
func (s *State) Call(fn string, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	fv := s.L.GetGlobal(fn)
	if fv.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, fn)
	}

	var out []any
	err := s.withDeadline(func() error {
		top := s.L.GetTop()
		s.L.Push(fv)
		for _, a := range args {
			s.L.Push(toLua(s.L, a))
		}
		if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
			s.L.SetTop(top)
			return err
		}
		n := s.L.GetTop() - top
		out = make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = FromLua(s.L.Get(top + i + 1))
		}
		s.L.SetTop(top)
		return nil
	})
	return out, err
}

// Close releases the state. Safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// Dispose implements disposer.Disposable.
func (s *State) Dispose() { s.Close() }

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		t := L.CreateTable(len(x), 0)
		for _, s := range x {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// FromLua converts a Lua value to nil, bool, float64, string, []any (for
// sequences) or map[string]any (for other tables).
func FromLua(lv lua.LValue) any {
	return fromLua(lv, map[*lua.LTable]bool{})
}

func fromLua(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		if n := v.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(v.RawGetInt(i), seen))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val, seen)
		})
		return m
	default:
		return nil
	}
}
