package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dshills/consulo/internal/app"
	"github.com/dshills/consulo/internal/diff"
	"github.com/dshills/consulo/internal/diff/dirdiff"
	"github.com/dshills/consulo/internal/psi"
	"github.com/dshills/consulo/internal/reference"
)

func newFlagSet(env *cmdEnv, name, usage string) *flag.FlagSet {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(env.stderr)
	fset.Usage = func() {
		fmt.Fprintf(env.stderr, "Usage: consulo %s\n\nOptions:\n", usage)
		fset.PrintDefaults()
	}
	return fset
}

func runDiff(env *cmdEnv, args []string) int {
	fset := newFlagSet(env, "diff", "diff [options] <left> <right>")
	watch := fset.Bool("watch", false, "Keep running and rediff when either file changes")
	ignore := fset.String("ignore", env.cfg.Diff.Ignore, "Whitespace policy (default, trim, whitespace)")
	ctxLines := fset.Int("context", 3, "Lines of context")
	if err := fset.Parse(args); err != nil {
		return exitFailure
	}
	if fset.NArg() != 2 {
		fset.Usage()
		return exitFailure
	}
	left, right := fset.Arg(0), fset.Arg(1)
	env.cfg.Diff.Ignore = *ignore

	a, err := env.start()
	if err != nil {
		return env.fail(err)
	}
	defer a.Shutdown(contextWithoutCancel(env))

	fd, err := a.CompareFiles(env.ctx, left, right, *watch, nil)
	if err != nil {
		return env.fail(err)
	}

	report := func() int {
		if err := fd.Err(); err != nil {
			return env.fail(err)
		}
		if fd.Notification() == diff.NotificationTooBig {
			fmt.Fprintf(env.stdout, "%s\n", fd.Notification())
			return exitDiffer
		}
		if len(fd.Changes()) == 0 {
			n := fd.Notification()
			if *watch || n == diff.NotificationWhitespaceOnly || n == diff.NotificationLineSeparators {
				fmt.Fprintf(env.stdout, "%s\n", n)
			}
			if n == diff.NotificationLineSeparators {
				return exitDiffer
			}
			return exitSame
		}
		text, err := fd.UnifiedDiff(left, right, *ctxLines)
		if err != nil {
			return env.fail(err)
		}
		fmt.Fprint(env.stdout, text)
		return exitDiffer
	}

	code := report()
	if !*watch {
		return code
	}

	remove := fd.AddListener(func(e diff.EventType) {
		if e == diff.EventAfterRediff {
			fmt.Fprintf(env.stdout, "--- rediff ---\n")
			report()
		}
	})
	defer remove()
	<-env.ctx.Done()
	return exitSame
}

func runDirDiff(env *cmdEnv, args []string) int {
	fset := newFlagSet(env, "dirdiff", "dirdiff [options] <source> <target>")
	equal := fset.Bool("equal", env.cfg.DirDiff.ShowEqual, "Show identical files")
	compare := fset.String("compare", env.cfg.DirDiff.Compare, "Compare by content, size or timestamp")
	filter := fset.String("filter", env.cfg.DirDiff.Filter, "Only show files matching these ';'-separated globs")
	if err := fset.Parse(args); err != nil {
		return exitFailure
	}
	if fset.NArg() != 2 {
		fset.Usage()
		return exitFailure
	}
	env.cfg.DirDiff.ShowEqual = *equal
	env.cfg.DirDiff.Compare = *compare
	env.cfg.DirDiff.Filter = *filter

	a, err := env.start()
	if err != nil {
		return env.fail(err)
	}
	defer a.Shutdown(contextWithoutCancel(env))

	src := dirdiff.Root{Fs: env.fs, Path: fset.Arg(0)}
	tgt := dirdiff.Root{Fs: env.fs, Path: fset.Arg(1)}
	m, err := a.OpenDirDiff(env.ctx, src, tgt, nil)
	if err != nil {
		return env.fail(err)
	}

	code := exitSame
	for _, e := range m.Elements() {
		switch e.Type {
		case dirdiff.Separator:
			fmt.Fprintf(env.stdout, "%s\n", e)
			continue
		case dirdiff.Equal:
		default:
			code = exitDiffer
		}
		if e.Err != nil {
			fmt.Fprintf(env.stdout, "  %s: %v\n", e, e.Err)
			continue
		}
		fmt.Fprintf(env.stdout, "  %s\n", e)
	}
	return code
}

func runPlugins(env *cmdEnv, args []string) int {
	fset := newFlagSet(env, "plugins", "plugins [options]")
	lang := fset.String("lang", reference.AnyLanguage, "Language for the reference lookup")
	name := fset.String("name", "", "Element name for the reference lookup")
	text := fset.String("text", "", "Look up the references of an element with this text")
	if err := fset.Parse(args); err != nil {
		return exitFailure
	}

	a, err := env.start()
	if err != nil {
		return env.fail(err)
	}
	defer a.Shutdown(contextWithoutCancel(env))

	if *text != "" {
		el := psi.NewLeaf(*name, *text, nil)
		for _, r := range a.References().ReferencesFor(*lang, el, reference.NoHints) {
			fmt.Fprintf(env.stdout, "%s\t%q -> %v\n", r.RangeInElement(), r.CanonicalText(), r.Resolve())
		}
		return exitSame
	}

	printPlugins(env, a)
	return exitSame
}

func printPlugins(env *cmdEnv, a *app.Application) {
	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tVERSION\tEXTENSIONS\n")
	for _, p := range a.Extensions().Plugins() {
		points := make([]string, 0, len(p.Extensions))
		for _, d := range p.Extensions {
			points = append(points, d.Point)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Version, strings.Join(points, ", "))
	}
	_ = w.Flush()
	fmt.Fprintf(env.stdout, "\nPoints: %s\n", strings.Join(a.Extensions().Points(), ", "))
}

// contextWithoutCancel keeps the shutdown deadline independent of the
// interrupt that ended the command.
func contextWithoutCancel(env *cmdEnv) context.Context {
	return context.WithoutCancel(env.ctx)
}
