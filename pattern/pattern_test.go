// Copyright (c) r3call
// SPDX-License-Identifier: Apache-2.0

package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3call/memsync/pattern"
)

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		expr    string
		channel string
		want    bool
	}{
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b.c", false},
		{"a.*.c", "a.c", false},
		{"a.**", "a.b.c", true},
		{"a.**", "a.b", true},
		{"a.**", "a", true},
		{"a.**", "b.c", false},
		{"**", "anything", true},
		{"**", "a.b.c", true},
		{"a.**.z", "a.z", true},
		{"a.**.z", "a.b.c.z", true},
		{"a.**.z", "a.b.c", false},
		{"*.b", "a.b", true},
		{"*.b", "a.c", false},
		{"*.b", "a.b.c", false},
		{"a.?", "a.b", true},
		{"a.?", "a.bc", false},
		{"a.b?", "a.bc", true},
		{"a.b?", "a.b", false},
		{"a.b", "", false},
	}

	for _, tt := range tests {
		p, err := pattern.CompileWildcard(tt.expr)
		require.NoError(t, err, "compile %q", tt.expr)
		if got := p.Matches(tt.channel); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.expr, tt.channel, got, tt.want)
		}
	}
}

func TestWildcardCompileErrors(t *testing.T) {
	for _, expr := range []string{"", "a..b", "a.**.b.**", "a.x**", "a.x*y"} {
		_, err := pattern.CompileWildcard(expr)
		assert.ErrorIs(t, err, pattern.ErrInvalidPattern, "expr %q", expr)
	}
}

func TestHierarchicalMatch(t *testing.T) {
	tests := []struct {
		prefix      string
		descendants bool
		channel     string
		want        bool
	}{
		{"a.b", false, "a.b.c", true},
		{"a.b", false, "a.b.c.d", false},
		{"a.b", false, "a.b", false},
		{"a.b", true, "a.b.c", true},
		{"a.b", true, "a.b.c.d", true},
		{"a.b", true, "a.b", false},
		{"a.b", true, "a.c.d", false},
	}

	for _, tt := range tests {
		p, err := pattern.CompileHierarchical(tt.prefix, tt.descendants)
		require.NoError(t, err)
		if got := p.Matches(tt.channel); got != tt.want {
			t.Errorf("hierarchical(%q, descendants=%v).Matches(%q) = %v, want %v",
				tt.prefix, tt.descendants, tt.channel, got, tt.want)
		}
	}
}

func TestRegexMatch(t *testing.T) {
	p, err := pattern.CompileRegex(`memory\.(created|updated)`)
	require.NoError(t, err)

	assert.True(t, p.Matches("memory.created"))
	assert.True(t, p.Matches("memory.updated"))
	// Anchored: partial matches do not count.
	assert.False(t, p.Matches("memory.created.extra"))
	assert.False(t, p.Matches("xmemory.created"))

	_, err = pattern.CompileRegex(`mem(`)
	assert.ErrorIs(t, err, pattern.ErrInvalidPattern)
}

func TestLiteralMatch(t *testing.T) {
	p, err := pattern.CompileLiteral("memory.created")
	require.NoError(t, err)

	assert.True(t, p.Matches("memory.created"))
	assert.False(t, p.Matches("memory.created.extra"))
	assert.False(t, p.Matches("memory"))
}

func TestCompileDetection(t *testing.T) {
	tests := []struct {
		expr string
		kind pattern.Kind
	}{
		{"memory.created", pattern.KindLiteral},
		{"memory.*", pattern.KindHierarchical},
		{"memory.**", pattern.KindHierarchical},
		{"memory.*.extra", pattern.KindWildcard},
		{"memory.?x", pattern.KindWildcard},
		{"*.created", pattern.KindWildcard},
		{`re:memory\..*`, pattern.KindRegex},
	}

	for _, tt := range tests {
		p, err := pattern.Compile(tt.expr)
		require.NoError(t, err, "compile %q", tt.expr)
		assert.Equal(t, tt.kind, p.Kind(), "expr %q", tt.expr)
	}

	_, err := pattern.Compile("")
	assert.ErrorIs(t, err, pattern.ErrInvalidPattern)
}

func TestMatchIsDeterministic(t *testing.T) {
	p, err := pattern.Compile("memory.*")
	require.NoError(t, err)

	for range 100 {
		assert.True(t, p.Matches("memory.created"))
		assert.False(t, p.Matches("memory.created.extra"))
		assert.False(t, p.Matches("other.created"))
	}
}
