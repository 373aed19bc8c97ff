package anthropic

import (
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCompletion_JoinsTextAfterPrefill(t *testing.T) {
	msg := &sdk.Message{
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Text: "hmm"},
			{Type: "text", Text: `"candidates":[`},
			{Type: "text", Text: `]}`},
		},
		Usage: sdk.Usage{
			InputTokens:              100,
			OutputTokens:             50,
			CacheCreationInputTokens: 2000,
			CacheReadInputTokens:     3000,
		},
	}

	c := toCompletion("{", msg)
	assert.Equal(t, `{"candidates":[]}`, c.Text)
	assert.Equal(t, Usage{Input: 100, Output: 50, CacheWrite: 2000, CacheRead: 3000}, c.Usage)
	assert.False(t, c.Truncated())
}

func TestCompletion_Truncated(t *testing.T) {
	assert.True(t, (&Completion{StopReason: "max_tokens"}).Truncated())
	var nilCompletion *Completion
	assert.False(t, nilCompletion.Truncated())
}

func TestNewParams(t *testing.T) {
	temp := 0.3
	p := newParams(Request{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   256,
		Temperature: &temp,
		System:      "judge",
		Prompt:      "is this valid?",
		Prefill:     "{",
	})

	require.Len(t, p.Messages, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, p.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, p.Messages[1].Role)
	require.Len(t, p.System, 1)
	assert.Equal(t, "judge", p.System[0].Text)
	assert.Equal(t, int64(256), p.MaxTokens)

	bare := newParams(Request{Model: "m", MaxTokens: 1, Prompt: "hi"})
	assert.Len(t, bare.Messages, 1)
	assert.Empty(t, bare.System)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 429, StatusCode(&sdk.Error{StatusCode: 429}))
	assert.Equal(t, 0, StatusCode(errors.New("dial tcp: connection refused")))
	assert.Equal(t, 0, StatusCode(nil))
}
