// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

// Package pattern compiles subscription patterns and matches them
// against channel names.
//
// Four pattern forms are supported:
//   - literal: exact channel name
//   - wildcard: dot-separated segments where '*' matches exactly one
//     segment, '**' matches zero or more segments (at most once per
//     pattern) and '?' matches one character within a segment
//   - regex: "re:" prefixed expression matched against the full channel
//   - hierarchical: "a.b.*" matches direct children of a.b,
//     "a.b.**" matches all descendants
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Delimiter separates channel segments.
const Delimiter = "."

// RegexPrefix marks a pattern string as a regular expression.
const RegexPrefix = "re:"

// ErrInvalidPattern is returned when a pattern fails to compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// Kind identifies the pattern variant.
type Kind uint8

const (
	KindLiteral Kind = iota
	KindWildcard
	KindRegex
	KindHierarchical
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindWildcard:
		return "wildcard"
	case KindRegex:
		return "regex"
	default:
		return "hierarchical"
	}
}

// Compiled is a compiled subscription pattern. Matches is pure and safe
// for concurrent use; all validation happens at compile time.
type Compiled interface {
	// Matches reports whether the channel name matches the pattern.
	Matches(channel string) bool
	// Kind returns the pattern variant.
	Kind() Kind
	// String returns the original pattern expression.
	String() string
}

// Compile compiles a pattern string, detecting its variant:
// "re:"-prefixed strings are regexes, strings whose only wildcard is a
// trailing ".*" or ".**" are hierarchical, strings containing '*' or
// '?' elsewhere are wildcards and everything else is a literal.
func Compile(expr string) (Compiled, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	if strings.HasPrefix(expr, RegexPrefix) {
		return CompileRegex(strings.TrimPrefix(expr, RegexPrefix))
	}

	if !strings.ContainsAny(expr, "*?") {
		return CompileLiteral(expr)
	}

	if prefix, ok := strings.CutSuffix(expr, Delimiter+"**"); ok && !strings.ContainsAny(prefix, "*?") {
		return CompileHierarchical(prefix, true)
	}
	if prefix, ok := strings.CutSuffix(expr, Delimiter+"*"); ok && !strings.ContainsAny(prefix, "*?") {
		return CompileHierarchical(prefix, false)
	}

	return CompileWildcard(expr)
}

// literal matches one exact channel name.
type literal struct {
	channel string
}

// CompileLiteral compiles an exact-match pattern.
func CompileLiteral(channel string) (Compiled, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: empty channel", ErrInvalidPattern)
	}
	return &literal{channel: channel}, nil
}

func (l *literal) Matches(channel string) bool { return channel == l.channel }
func (l *literal) Kind() Kind                  { return KindLiteral }
func (l *literal) String() string              { return l.channel }

// wildcard matches dot-separated segment lists. A '**' segment
// contributes a skip state: the segments before it must match the
// channel head and the segments after it the channel tail, which keeps
// matching linear in the number of channel segments.
type wildcard struct {
	expr     string
	segments []string
	skipAt   int // index of '**' segment, -1 if absent
}

// CompileWildcard compiles a segment wildcard pattern.
func CompileWildcard(expr string) (Compiled, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	segments := strings.Split(expr, Delimiter)
	skipAt := -1
	for i, seg := range segments {
		switch {
		case seg == "":
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, expr)
		case seg == "**":
			if skipAt >= 0 {
				return nil, fmt.Errorf("%w: multiple '**' in %q", ErrInvalidPattern, expr)
			}
			skipAt = i
		case strings.Contains(seg, "**"):
			return nil, fmt.Errorf("%w: '**' must be a whole segment in %q", ErrInvalidPattern, expr)
		case strings.Contains(seg, "*") && seg != "*":
			return nil, fmt.Errorf("%w: '*' must be a whole segment in %q", ErrInvalidPattern, expr)
		}
	}

	return &wildcard{expr: expr, segments: segments, skipAt: skipAt}, nil
}

func (w *wildcard) Matches(channel string) bool {
	if channel == "" {
		return false
	}
	levels := strings.Split(channel, Delimiter)

	if w.skipAt < 0 {
		if len(levels) != len(w.segments) {
			return false
		}
		for i, seg := range w.segments {
			if !segmentMatch(seg, levels[i]) {
				return false
			}
		}
		return true
	}

	// '**' matches zero or more segments: head before it, tail after it.
	head := w.segments[:w.skipAt]
	tail := w.segments[w.skipAt+1:]
	if len(levels) < len(head)+len(tail) {
		return false
	}
	for i, seg := range head {
		if !segmentMatch(seg, levels[i]) {
			return false
		}
	}
	off := len(levels) - len(tail)
	for i, seg := range tail {
		if !segmentMatch(seg, levels[off+i]) {
			return false
		}
	}
	return true
}

func (w *wildcard) Kind() Kind     { return KindWildcard }
func (w *wildcard) String() string { return w.expr }

// segmentMatch matches one channel segment against one pattern segment,
// where '*' matches the whole segment and '?' one character.
func segmentMatch(seg, level string) bool {
	if seg == "*" {
		return true
	}
	if !strings.Contains(seg, "?") {
		return seg == level
	}
	if len(seg) != len(level) {
		return false
	}
	for i := range len(seg) {
		if seg[i] != '?' && seg[i] != level[i] {
			return false
		}
	}
	return true
}

// regex matches a compiled regular expression against the full channel.
type regex struct {
	expr string
	re   *regexp.Regexp
}

// CompileRegex compiles a regular expression pattern. The expression is
// anchored so it must match the full channel name.
func CompileRegex(expr string) (Compiled, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty regex", ErrInvalidPattern)
	}
	re, err := regexp.Compile(`\A(?:` + expr + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &regex{expr: RegexPrefix + expr, re: re}, nil
}

func (r *regex) Matches(channel string) bool { return r.re.MatchString(channel) }
func (r *regex) Kind() Kind                  { return KindRegex }
func (r *regex) String() string              { return r.expr }

// hierarchical matches dot-separated prefixes: with descendants=false
// only direct children of the prefix match, with descendants=true all
// deeper channels match.
type hierarchical struct {
	expr        string
	prefix      []string
	descendants bool
}

// CompileHierarchical compiles a hierarchical prefix pattern.
func CompileHierarchical(prefix string, descendants bool) (Compiled, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty prefix", ErrInvalidPattern)
	}
	segments := strings.Split(prefix, Delimiter)
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, prefix)
		}
	}

	expr := prefix + Delimiter + "*"
	if descendants {
		expr = prefix + Delimiter + "**"
	}
	return &hierarchical{expr: expr, prefix: segments, descendants: descendants}, nil
}

func (h *hierarchical) Matches(channel string) bool {
	if channel == "" {
		return false
	}
	levels := strings.Split(channel, Delimiter)
	if len(levels) <= len(h.prefix) {
		return false
	}
	for i, seg := range h.prefix {
		if levels[i] != seg {
			return false
		}
	}
	if h.descendants {
		return true
	}
	return len(levels) == len(h.prefix)+1
}

func (h *hierarchical) Kind() Kind     { return KindHierarchical }
func (h *hierarchical) String() string { return h.expr }
