package app

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/config"
	"github.com/dshills/consulo/internal/diff"
	"github.com/dshills/consulo/internal/diff/dirdiff"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/extension"
	"github.com/dshills/consulo/internal/psi"
	"github.com/dshills/consulo/internal/reference"
)

const anchorsPlugin = `
id: anchors
extensions:
  - point: reference.contributor
    language: markdown
    script: anchors.lua
    attributes:
      names: href, src
`

const anchorsScript = `
function references(el)
  if string.sub(el.text, 1, 1) ~= "#" then
    return {}
  end
  return { { start = 1, finish = #el.text, canonical = string.sub(el.text, 2), target = "anchor" } }
end
`

const brokenPlugin = `
id: broken
extensions:
  - point: reference.contributor
    script: missing.lua
`

func newTestApp(t *testing.T, fs afero.Fs, pluginDirs ...string) *Application {
	t.Helper()
	cfg := config.Default()
	cfg.Diff.SyncWait = config.Duration(5 * time.Second)
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	a, err := New(Options{Config: &cfg, Fs: fs, LogOutput: io.Discard, PluginDirs: pluginDirs})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func canonicals(refs []reference.Reference) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.CanonicalText()
	}
	sort.Strings(out)
	return out
}

func TestNew_InitOrderAndShutdown(t *testing.T) {
	a := newTestApp(t, nil)

	want := []string{"config", "logging", "disposer", "dispatcher", "pool", "bus", "extensions", "references", "plugins"}
	if diff := cmp.Diff(want, a.InitOrder()); diff != "" {
		t.Errorf("InitOrder() mismatch (-want +got):\n%s", diff)
	}
	if got := a.Extensions().Points(); !cmp.Equal(got, []string{ContributorPoint}) {
		t.Errorf("Points() = %v", got)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
	if !a.Tree().IsDisposed(a.Root()) {
		t.Error("root not disposed")
	}
	if _, err := a.OpenTextDiff(context.Background(), diff.NewDocument(""), diff.NewDocument(""), nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("OpenTextDiff() after shutdown error = %v, want ErrShutdown", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.Workers = -1
	_, err := New(Options{Config: &cfg, Fs: afero.NewMemMapFs(), LogOutput: io.Discard})
	var ie *InitError
	if !errors.As(err, &ie) || ie.Component != "config" {
		t.Fatalf("New() error = %v, want InitError for config", err)
	}
	if !errors.Is(err, config.ErrValidationFailed) {
		t.Errorf("New() error = %v, want ErrValidationFailed", err)
	}
}

func TestNew_LoadsConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/etc/consulo.toml", []byte("[pool]\nworkers = 3\n"), 0o644)
	a, err := New(Options{ConfigPath: "/etc/consulo.toml", Fs: fs, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())
	if a.Config().Pool.Workers != 3 {
		t.Errorf("Pool.Workers = %d, want 3", a.Config().Pool.Workers)
	}
}

func TestBuiltinURLReferences(t *testing.T) {
	a := newTestApp(t, nil)

	el := psi.NewLeaf("text", "see https://go.dev/doc, then stop.", nil)
	refs := a.References().ReferencesFor("plain", el, reference.NoHints)
	if len(refs) != 1 {
		t.Fatalf("ReferencesFor() = %d refs, want 1", len(refs))
	}
	r := refs[0]
	if r.CanonicalText() != "https://go.dev/doc" {
		t.Errorf("CanonicalText() = %q", r.CanonicalText())
	}
	if want := (psi.TextRange{Start: 4, End: 22}); r.RangeInElement() != want {
		t.Errorf("RangeInElement() = %v, want %v", r.RangeInElement(), want)
	}
	if r.Resolve() != URLTarget("https://go.dev/doc") {
		t.Errorf("Resolve() = %v", r.Resolve())
	}
}

func TestScriptPlugin_References(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/plugins/anchors/plugin.yaml", []byte(anchorsPlugin), 0o644)
	_ = afero.WriteFile(fs, "/plugins/anchors/anchors.lua", []byte(anchorsScript), 0o644)
	_ = afero.WriteFile(fs, "/plugins/broken/plugin.yaml", []byte(brokenPlugin), 0o644)
	a := newTestApp(t, fs, "/plugins")

	if n := len(a.Extensions().Plugins()); n != 2 {
		t.Fatalf("Plugins() = %d, want 2", n)
	}
	contributors := a.Contributors().Extensions()
	if len(contributors) != 2 {
		t.Fatalf("Contributors() = %d, want the script and the builtin", len(contributors))
	}
	if contributors[0].Language != "markdown" || contributors[1].Language != reference.AnyLanguage {
		t.Errorf("contributor languages = %q, %q", contributors[0].Language, contributors[1].Language)
	}

	href := psi.NewLeaf("href", "#top", nil)
	if got := canonicals(a.References().ReferencesFor("markdown", href, reference.NoHints)); !cmp.Equal(got, []string{"top"}) {
		t.Errorf("markdown refs = %v, want [top]", got)
	}
	if got := a.References().ReferencesFor("markdown", psi.NewLeaf("title", "#top", nil), reference.NoHints); len(got) != 0 {
		t.Errorf("refs for an unlisted name = %v", got)
	}
	if got := a.References().ReferencesFor("go", href, reference.NoHints); len(got) != 0 {
		t.Errorf("go refs = %v, want none", got)
	}

	mixed := psi.NewLeaf("src", "#https://example.com", nil)
	got := canonicals(a.References().ReferencesFor("markdown", mixed, reference.NoHints))
	if !cmp.Equal(got, []string{"https://example.com", "https://example.com"}) {
		t.Errorf("mixed refs = %v", got)
	}

	if !a.Extensions().RemovePlugin("anchors") {
		t.Fatal("RemovePlugin() = false")
	}
	if got := a.References().ReferencesFor("markdown", href, reference.NoHints); len(got) != 0 {
		t.Errorf("refs after plugin removal = %v, want none", got)
	}
}

func TestScriptContributor_WrongPoint(t *testing.T) {
	a := newTestApp(t, nil)
	in := extension.Instantiation{
		Area: a.Extensions(),
		Decl: extension.Declaration{Point: "other", Script: "x.lua"},
	}
	if _, err := a.scriptContributor(in); !errors.Is(err, ErrNotContributorPoint) {
		t.Errorf("scriptContributor() error = %v, want ErrNotContributorPoint", err)
	}
}

func TestOpenTextDiff(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	left, right := diff.NewDocument("a\nb\n"), diff.NewDocument("a\nc\n")
	tv, err := a.OpenTextDiff(ctx, left, right, nil)
	if err != nil {
		t.Fatalf("OpenTextDiff() error = %v", err)
	}
	if tv.IsContentsEqual() || len(tv.Changes()) != 1 {
		t.Errorf("Changes() = %v", tv.Changes())
	}
	if got := a.Tree().Parent(tv.Viewer); got != a.Root() {
		t.Errorf("viewer parent = %v, want the application root", got)
	}

	if err := a.Close(ctx, tv.Viewer); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !tv.IsDisposed() {
		t.Error("viewer not disposed")
	}
}

func TestCompareFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/l.txt", []byte("one\ntwo\n"), 0o644)
	_ = afero.WriteFile(fs, "/r.txt", []byte("one\ntwo\n"), 0o644)
	a := newTestApp(t, fs)

	owner := disposer.NewDisposable("editor")
	if err := a.Tree().Register(a.Root(), owner); err != nil {
		t.Fatal(err)
	}
	fd, err := a.CompareFiles(context.Background(), "/l.txt", "/r.txt", true, owner)
	if err != nil {
		t.Fatalf("CompareFiles() error = %v", err)
	}
	if !fd.IsContentsEqual() {
		t.Errorf("IsContentsEqual() = false, changes %v", fd.Changes())
	}
	if fd.Left.Path() != "/l.txt" || fd.Right.Path() != "/r.txt" {
		t.Errorf("paths = %s, %s", fd.Left.Path(), fd.Right.Path())
	}

	if _, err := a.CompareFiles(context.Background(), "/l.txt", "/none.txt", false, nil); err == nil {
		t.Error("CompareFiles() with a missing file succeeded")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !fd.IsDisposed() || !a.Tree().IsDisposed(owner) {
		t.Error("shutdown left the diff alive")
	}
	if err := fd.Left.Watch(); !errors.Is(err, diff.ErrDocumentClosed) {
		t.Errorf("Watch() after shutdown error = %v, want ErrDocumentClosed", err)
	}
}

func TestOpenDirDiff(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/src/a.txt", []byte("1"), 0o644)
	_ = afero.WriteFile(fs, "/src/b.txt", []byte("b"), 0o644)
	_ = afero.WriteFile(fs, "/tgt/a.txt", []byte("2"), 0o644)
	_ = afero.WriteFile(fs, "/tgt/same.txt", []byte("s"), 0o644)
	_ = afero.WriteFile(fs, "/src/same.txt", []byte("s"), 0o644)
	a := newTestApp(t, fs)
	ctx := context.Background()

	m, err := a.OpenDirDiff(ctx, dirdiff.Root{Fs: fs, Path: "/src"}, dirdiff.Root{Fs: fs, Path: "/tgt"}, nil)
	if err != nil {
		t.Fatalf("OpenDirDiff() error = %v", err)
	}
	var got []string
	for _, e := range m.Elements() {
		got = append(got, e.String())
	}
	if diff := cmp.Diff([]string{"M a.txt", "+ b.txt"}, got); diff != "" {
		t.Errorf("Elements() mismatch (-want +got):\n%s", diff)
	}

	m2, err := a.OpenDirDiff(ctx, dirdiff.Root{Fs: fs, Path: "/src"}, dirdiff.Root{Fs: fs, Path: "/absent"}, nil)
	var oe *OperationError
	if !errors.As(err, &oe) || oe.Op != "dirdiff" {
		t.Errorf("OpenDirDiff(missing) error = %v, want OperationError", err)
	}
	if m2 == nil || m2.Err() == nil {
		t.Error("model for a missing root should report the scan error")
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !m.IsDisposed() || !m2.IsDisposed() {
		t.Error("models survived shutdown")
	}
}

func TestUpdateSettings(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/src/same.txt", []byte("s"), 0o644)
	_ = afero.WriteFile(fs, "/tgt/same.txt", []byte("s"), 0o644)
	a := newTestApp(t, fs)
	ctx := context.Background()
	if err := a.UpdateSettings(func(c *config.Config) { c.Diff.Debounce = config.Duration(10 * time.Millisecond) }); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	tv, err := a.OpenTextDiff(ctx, diff.NewDocument("a \nb\n"), diff.NewDocument("a\nb\n"), nil)
	if err != nil {
		t.Fatalf("OpenTextDiff() error = %v", err)
	}
	if tv.IsContentsEqual() {
		t.Fatal("trailing blank should differ under the default policy")
	}
	m, err := a.OpenDirDiff(ctx, dirdiff.Root{Fs: fs, Path: "/src"}, dirdiff.Root{Fs: fs, Path: "/tgt"}, nil)
	if err != nil {
		t.Fatalf("OpenDirDiff() error = %v", err)
	}
	if len(m.Elements()) != 0 {
		t.Fatalf("Elements() = %v, want none while equal files are hidden", m.Elements())
	}

	rediffed := make(chan struct{}, 1)
	tv.AddListener(func(e diff.EventType) {
		if e == diff.EventAfterRediff {
			select {
			case rediffed <- struct{}{}:
			default:
			}
		}
	})
	updated := make(chan struct{}, 1)
	m.AddListener(func(u dirdiff.Update) {
		if u == dirdiff.UpdateFinished {
			select {
			case updated <- struct{}{}:
			default:
			}
		}
	})

	err = a.UpdateSettings(func(c *config.Config) {
		c.Diff.Ignore = diff.IgnoreTrimWhitespace.String()
		c.DirDiff.ShowEqual = true
	})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	for _, ch := range []chan struct{}{rediffed, updated} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("settings change did not reach the open views")
		}
	}
	if len(tv.Changes()) != 0 || tv.Notification() != diff.NotificationWhitespaceOnly {
		t.Errorf("after switching to trim: changes %v, notification %q", tv.Changes(), tv.Notification())
	}
	if got := m.Elements(); len(got) != 1 || got[0].String() != "= same.txt" {
		t.Errorf("Elements() = %v, want the equal file", got)
	}

	if err := a.UpdateSettings(func(c *config.Config) { c.Diff.Ignore = "sometimes" }); !errors.Is(err, config.ErrValidationFailed) {
		t.Errorf("UpdateSettings(invalid) error = %v, want ErrValidationFailed", err)
	}
	if a.Config().Diff.Ignore != diff.IgnoreTrimWhitespace.String() {
		t.Errorf("invalid update changed the configuration: %q", a.Config().Diff.Ignore)
	}
}
