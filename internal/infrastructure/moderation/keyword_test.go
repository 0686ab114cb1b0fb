package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/config"
)

func TestKeywordModerator(t *testing.T) {
	m := NewKeywordModerator(map[string][]string{
		"violence": {"Build a Bomb", "  "},
		"fraud":    {"stolen credit card"},
	})

	tests := []struct {
		name     string
		text     string
		pass     bool
		category string
	}{
		{"clean", "write me a poem", true, ""},
		{"case insensitive", "how to BUILD A BOMB quickly", false, "violence"},
		{"fraud", "selling a stolen credit card", false, "fraud"},
		{"blank keyword ignored", "a b", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := m.Check(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.pass, v.Pass)
			assert.Equal(t, tt.category, v.Category)
		})
	}
}

func TestKeywordModeratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeywordModerator(nil).Check(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDisabledAllowsAll(t *testing.T) {
	m := New(&config.ModerationConfig{Enabled: false, Categories: map[string][]string{"x": {"bad"}}})
	v, err := m.Check(context.Background(), "bad")
	require.NoError(t, err)
	assert.True(t, v.Pass)
}
