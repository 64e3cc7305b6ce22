// Package dirdiff compares two directory trees and presents the result as a
// flat list of rows grouped by directory.
//
// A Model scans both roots in the background pool and publishes the rows
// on the UI goroutine. Visibility settings can be changed without a rescan.
package dirdiff

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CompareMode selects how two files with the same relative path are
// compared.
type CompareMode int

const (
	CompareContent CompareMode = iota
	CompareSize
	CompareTimestamp
)

func (m CompareMode) String() string {
	switch m {
	case CompareSize:
		return "size"
	case CompareTimestamp:
		return "timestamp"
	default:
		return "content"
	}
}

// ParseCompareMode parses "content", "size" or "timestamp".
func ParseCompareMode(s string) (CompareMode, error) {
	switch strings.ToLower(s) {
	case "", "content":
		return CompareContent, nil
	case "size":
		return CompareSize, nil
	case "timestamp", "time":
		return CompareTimestamp, nil
	default:
		return CompareContent, fmt.Errorf("unknown compare mode %q", s)
	}
}

// Settings controls which rows are shown and how files are compared.
type Settings struct {
	ShowEqual       bool        `toml:"show_equal" yaml:"show_equal"`
	ShowDifferent   bool        `toml:"show_different" yaml:"show_different"`
	ShowNewOnSource bool        `toml:"show_new_on_source" yaml:"show_new_on_source"`
	ShowNewOnTarget bool        `toml:"show_new_on_target" yaml:"show_new_on_target"`
	Mode            CompareMode `toml:"-" yaml:"-"`

	// Filter is a ';'-separated list of glob patterns. When set, only files
	// whose name or relative path matches one of them are shown.
	Filter string `toml:"filter" yaml:"filter"`
}

// DefaultSettings shows every difference and hides equal files.
func DefaultSettings() Settings {
	return Settings{
		ShowDifferent:   true,
		ShowNewOnSource: true,
		ShowNewOnTarget: true,
	}
}

// Validate checks the filter patterns.
func (s Settings) Validate() error {
	for _, p := range s.patterns() {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid filter pattern %q", p)
		}
	}
	return nil
}

func (s Settings) patterns() []string {
	var out []string
	for _, p := range strings.Split(s.Filter, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s Settings) shows(t DiffType) bool {
	switch t {
	case Equal:
		return s.ShowEqual
	case Changed:
		return s.ShowDifferent
	case Source:
		return s.ShowNewOnSource
	case Target:
		return s.ShowNewOnTarget
	default:
		return true
	}
}

// matcher returns the filter predicate for relative slash paths.
func (s Settings) matcher() func(rel string) bool {
	patterns := s.patterns()
	if len(patterns) == 0 {
		return func(string) bool { return true }
	}
	return func(rel string) bool {
		name := path.Base(rel)
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, name); ok {
				return true
			}
			if ok, _ := doublestar.Match(p, rel); ok {
				return true
			}
		}
		return false
	}
}
