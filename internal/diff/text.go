package diff

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/progress"
)

// DefaultMaxLines is the line count above which a text diff is not
// computed.
const DefaultMaxLines = 100000

// IgnorePolicy selects which whitespace differences are ignored.
type IgnorePolicy int

const (
	IgnoreDefault IgnorePolicy = iota
	IgnoreTrimWhitespace
	IgnoreWhitespace
)

// ParseIgnorePolicy parses "default", "trim" or "whitespace".
func ParseIgnorePolicy(s string) (IgnorePolicy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return IgnoreDefault, nil
	case "trim", "trim_whitespace":
		return IgnoreTrimWhitespace, nil
	case "whitespace", "ignore_whitespace":
		return IgnoreWhitespace, nil
	default:
		return IgnoreDefault, fmt.Errorf("unknown ignore policy %q", s)
	}
}

func (p IgnorePolicy) String() string {
	switch p {
	case IgnoreTrimWhitespace:
		return "trim"
	case IgnoreWhitespace:
		return "whitespace"
	default:
		return "default"
	}
}

func (p IgnorePolicy) normalize(line string) string {
	switch p {
	case IgnoreTrimWhitespace:
		return strings.TrimFunc(line, unicode.IsSpace)
	case IgnoreWhitespace:
		return strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, line)
	default:
		return line
	}
}

// Notification is a message shown above the diff instead of, or next to,
// the changes.
type Notification string

const (
	NotificationNone  Notification = ""
	NotificationEqual Notification = "Contents are identical"
	// NotificationWhitespaceOnly is shown when only ignored whitespace
	// differs.
	NotificationWhitespaceOnly Notification = "Contents have differences only in whitespaces"
	// NotificationLineSeparators is shown when the texts differ only in
	// CRLF against LF or in a final line break.
	NotificationLineSeparators Notification = "Contents have differences only in line separators"
	NotificationTooBig         Notification = "Can not calculate diff. File is too big and there are too many changes."
	NotificationError          Notification = "Can not calculate diff. An error occurred."
)

// ChangeKind classifies a change.
type ChangeKind byte

const (
	ChangeModified ChangeKind = 'r'
	ChangeDeleted  ChangeKind = 'd'
	ChangeInserted ChangeKind = 'i'
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	case ChangeInserted:
		return "inserted"
	default:
		return "unknown"
	}
}

// Change is a differing block. Line ranges are 0-based and end-exclusive;
// the left range is empty for insertions and the right one for deletions.
type Change struct {
	Kind   ChangeKind
	Start1 int
	End1   int
	Start2 int
	End2   int
}

func (c Change) String() string {
	return fmt.Sprintf("%s [%d,%d) -> [%d,%d)", c.Kind, c.Start1, c.End1, c.Start2, c.End2)
}

// TextOptions configures a TextViewer.
type TextOptions struct {
	Config
	Policy   IgnorePolicy
	MaxLines int
}

// TextViewer compares two documents line by line. Edits to either document
// schedule a rediff.
type TextViewer struct {
	*Viewer

	left, right *Document
	maxLines    int

	mu           sync.Mutex
	policy       IgnorePolicy
	changes      []Change
	equal        bool
	notification Notification
}

// NewTextViewer creates a viewer comparing left and right. Call Init to
// run the first comparison.
func NewTextViewer(deps Deps, parent disposer.Disposable, left, right *Document, opts TextOptions) (*TextViewer, error) {
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	tv := &TextViewer{left: left, right: right, maxLines: opts.MaxLines, policy: opts.Policy}
	v, err := NewViewer(deps, parent, tv, opts.Config)
	if err != nil {
		return nil, err
	}
	tv.Viewer = v

	for _, doc := range []*Document{left, right} {
		remove := doc.AddChangeListener(func(*Document) { tv.ScheduleRediff() })
		if _, err := deps.Tree.RegisterFunc(v, remove); err != nil {
			remove()
			return nil, err
		}
	}
	return tv, nil
}

// SetIgnorePolicy changes the policy and schedules a rediff.
func (tv *TextViewer) SetIgnorePolicy(p IgnorePolicy) {
	tv.mu.Lock()
	changed := tv.policy != p
	tv.policy = p
	tv.mu.Unlock()
	if changed {
		tv.ScheduleRediff()
	}
}

// IgnorePolicy returns the current policy.
func (tv *TextViewer) IgnorePolicy() IgnorePolicy {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.policy
}

// Changes returns the changes of the last applied comparison.
func (tv *TextViewer) Changes() []Change {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return append([]Change(nil), tv.changes...)
}

// IsContentsEqual reports whether the last comparison found identical
// texts.
func (tv *TextViewer) IsContentsEqual() bool {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.equal
}

// Notification returns the message of the last comparison.
func (tv *TextViewer) Notification() Notification {
	if tv.Err() != nil {
		return NotificationError
	}
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.notification
}

// NextChange returns the first change starting after left line, if any.
func (tv *TextViewer) NextChange(line int) (Change, bool) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	for _, c := range tv.changes {
		if c.Start1 > line {
			return c, true
		}
	}
	return Change{}, false
}

// PrevChange returns the last change starting before left line, if any.
func (tv *TextViewer) PrevChange(line int) (Change, bool) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	for i := len(tv.changes) - 1; i >= 0; i-- {
		if c := tv.changes[i]; c.Start1 < line {
			return c, true
		}
	}
	return Change{}, false
}

func (tv *TextViewer) setResult(changes []Change, equal bool, n Notification) func() {
	return func() {
		tv.mu.Lock()
		tv.changes = changes
		tv.equal = equal
		tv.notification = n
		tv.mu.Unlock()
	}
}

// PerformRediff implements Computer.
func (tv *TextViewer) PerformRediff(ind *progress.Indicator) (func(), error) {
	if err := ind.CheckCanceled(); err != nil {
		return nil, err
	}
	text1, text2 := tv.left.Text(), tv.right.Text()
	policy := tv.IgnorePolicy()

	lines1, lines2 := splitLines(text1), splitLines(text2)
	if len(lines1) > tv.maxLines || len(lines2) > tv.maxLines {
		return tv.setResult(nil, false, NotificationTooBig), nil
	}

	changes, err := compareLines(ind, lines1, lines2, policy)
	if err != nil {
		return nil, err
	}

	equal := len(changes) == 0 && text1 == text2
	n := NotificationNone
	switch {
	case equal:
		n = NotificationEqual
	case len(changes) == 0 && slices.Equal(lines1, lines2):
		n = NotificationLineSeparators
	case len(changes) == 0:
		n = NotificationWhitespaceOnly
	}
	return tv.setResult(changes, equal, n), nil
}

func compareLines(ind *progress.Indicator, a, b []string, policy IgnorePolicy) ([]Change, error) {
	na := make([]string, len(a))
	for i, l := range a {
		if i%1024 == 0 {
			if err := ind.CheckCanceled(); err != nil {
				return nil, err
			}
		}
		na[i] = policy.normalize(l)
	}
	nb := make([]string, len(b))
	for i, l := range b {
		if i%1024 == 0 {
			if err := ind.CheckCanceled(); err != nil {
				return nil, err
			}
		}
		nb[i] = policy.normalize(l)
	}

	m := difflib.NewMatcher(na, nb)
	ops := m.GetOpCodes()
	if err := ind.CheckCanceled(); err != nil {
		return nil, err
	}

	var changes []Change
	for _, op := range ops {
		if op.Tag == 'e' {
			continue
		}
		changes = append(changes, Change{
			Kind:   ChangeKind(op.Tag),
			Start1: op.I1,
			End1:   op.I2,
			Start2: op.J1,
			End2:   op.J2,
		})
	}
	return changes, nil
}

// UnifiedDiff renders the last texts as a unified diff with context lines.
func (tv *TextViewer) UnifiedDiff(name1, name2 string, context int) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(tv.left.Text()),
		B:        difflib.SplitLines(tv.right.Text()),
		FromFile: name1,
		ToFile:   name2,
		Context:  context,
	})
}
