package guardrail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

func chatRequest(messages ...provider.ChatMessage) *provider.ChatCompletionRequest {
	return &provider.ChatCompletionRequest{Model: "gpt-4o-mini", Messages: messages}
}

func chatResponse(content string) *provider.ChatCompletionResponse {
	return &provider.ChatCompletionResponse{
		Choices: []provider.ChatCompletionChoice{{
			Message: provider.ChatMessage{Role: provider.RoleAssistant, Content: content},
		}},
	}
}

func TestBlockModeRejectsMatch(t *testing.T) {
	g, err := NewRegex("secrets", []string{`\bpassword\b`}, ModeBlock, "Blocks credential sharing")
	require.NoError(t, err)

	err = g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "my PASSWORD is hunter2"},
	))
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindGuardrail))
	assert.Equal(t, "Input violates guardrail 'secrets': Blocks credential sharing", err.Error())
}

func TestBlockModePassesCleanInput(t *testing.T) {
	g, err := NewRegex("secrets", []string{`\bpassword\b`}, ModeBlock, "")
	require.NoError(t, err)

	assert.NoError(t, g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "hello there"},
	)))
}

func TestBlockModeDefaultDescription(t *testing.T) {
	g, err := NewRegex("secrets", []string{`password`}, ModeBlock, "")
	require.NoError(t, err)

	err = g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "password"},
	))
	require.Error(t, err)
	assert.Equal(t, "Input violates guardrail 'secrets': Blocked content", err.Error())
}

func TestAllowModeRequiresMatch(t *testing.T) {
	g, err := NewRegex("greeting", []string{`^hello`}, ModeAllow, "")
	require.NoError(t, err)

	assert.NoError(t, g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "Hello world"},
	)))

	err = g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "goodbye"},
	))
	require.Error(t, err)
	assert.Equal(t, "Input violates guardrail 'greeting': Required content missing", err.Error())
}

func TestEvaluatesLastUserMessageOnly(t *testing.T) {
	g, err := NewRegex("secrets", []string{`password`}, ModeBlock, "")
	require.NoError(t, err)

	// the match in the earlier user message is ignored
	assert.NoError(t, g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "my password is x"},
		provider.ChatMessage{Role: provider.RoleAssistant, Content: "I cannot help with that"},
		provider.ChatMessage{Role: provider.RoleUser, Content: "fine, something else"},
	)))
}

func TestNoUserMessagesPasses(t *testing.T) {
	g, err := NewRegex("secrets", []string{`password`}, ModeBlock, "")
	require.NoError(t, err)

	assert.NoError(t, g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleSystem, Content: "password policy enforcer"},
	)))
}

func TestStructuredContentJoinsTextParts(t *testing.T) {
	g, err := NewRegex("secrets", []string{`secret phrase`}, ModeBlock, "")
	require.NoError(t, err)

	err = g.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Parts: []provider.ContentPart{
			{Type: "text", Text: "here is the secret"},
			{Type: "image_url", ImageURL: &provider.ImageURL{URL: "https://example.com/x.png"}},
			{Type: "text", Text: "phrase you wanted"},
		}},
	))
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindGuardrail))
}

func TestEvaluateOutput(t *testing.T) {
	g, err := NewRegex("leak", []string{`\b\d{16}\b`}, ModeBlock, "Blocks card numbers")
	require.NoError(t, err)

	err = g.EvaluateOutput(context.Background(), chatResponse("the card is 4111111111111111"))
	require.Error(t, err)
	assert.Equal(t, "Output violates guardrail 'leak': Blocks card numbers", err.Error())

	assert.NoError(t, g.EvaluateOutput(context.Background(), chatResponse("no numbers here")))
	assert.NoError(t, g.EvaluateOutput(context.Background(), &provider.ChatCompletionResponse{}))
}

func TestInvalidPattern(t *testing.T) {
	_, err := NewRegex("broken", []string{`(unclosed`}, ModeBlock, "")
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindConfiguration))
}

func TestChainRunsInOrder(t *testing.T) {
	first, err := NewRegex("first", []string{`aaa`}, ModeBlock, "first hit")
	require.NoError(t, err)
	second, err := NewRegex("second", []string{`aaa`}, ModeBlock, "second hit")
	require.NoError(t, err)

	c := NewChain(true)
	c.Add(first)
	c.Add(second)

	err = c.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "aaa"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first hit")
}

func TestChainDisabledSkipsEvaluation(t *testing.T) {
	g, err := NewRegex("secrets", []string{`password`}, ModeBlock, "")
	require.NoError(t, err)

	c := NewChain(false)
	c.Add(g)

	assert.NoError(t, c.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "password"},
	)))
}

func TestChainAddReplacesByName(t *testing.T) {
	strict, err := NewRegex("policy", []string{`.`}, ModeBlock, "")
	require.NoError(t, err)
	lenient, err := NewRegex("policy", []string{`never-matches-xyzzy`}, ModeBlock, "")
	require.NoError(t, err)

	c := NewChain(true)
	c.Add(strict)
	c.Add(lenient)

	assert.Equal(t, []string{"policy"}, c.Names())
	assert.NoError(t, c.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "anything"},
	)))
}

func TestChainRemove(t *testing.T) {
	g, err := NewRegex("secrets", []string{`password`}, ModeBlock, "")
	require.NoError(t, err)

	c := NewChain(true)
	c.Add(g)
	c.Remove("secrets")

	assert.Empty(t, c.Names())
	assert.NoError(t, c.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "password"},
	)))
}

func TestDefaultChainBlocksPII(t *testing.T) {
	c := DefaultChain(true)

	tests := []string{
		"my ssn is 123-45-6789",
		"card 4111111111111111 please",
		"mail me at someone@example.com",
	}
	for _, input := range tests {
		err := c.EvaluateInput(context.Background(), chatRequest(
			provider.ChatMessage{Role: provider.RoleUser, Content: input},
		))
		assert.Error(t, err, "expected %q to be blocked", input)
	}

	assert.NoError(t, c.EvaluateInput(context.Background(), chatRequest(
		provider.ChatMessage{Role: provider.RoleUser, Content: "nothing sensitive here"},
	)))
}
