package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medchat/internal/medctx"
)

// completionLLM answers Complete calls with a fixed output and Chat calls
// from the embedded script.
type completionLLM struct {
	scriptedLLM

	cmu         sync.Mutex
	completion  string
	completeErr error
	prompts     []string
}

func (c *completionLLM) Complete(_ context.Context, _, prompt string) (string, error) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.completeErr != nil {
		return "", c.completeErr
	}
	return c.completion, nil
}

func TestScreen_MedicalMessagesSkipTheModel(t *testing.T) {
	kb := medctx.NewKnowledgeBase(medctx.DefaultTables(), nil, zaptest.NewLogger(t))
	tests := []struct {
		name    string
		history []medctx.Turn
		message string
	}{
		{"general term", nil, "my back hurts"},
		{"specialty keyword", nil, "what about my kidneys"},
		{"temporal experience", nil, "I have been off since yesterday"},
		{"short follow-up", []medctx.Turn{{Role: medctx.RoleUser, Content: "I have chest pain"}}, "and at night?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &completionLLM{completion: "other"}
			screen := NewRelevanceScreen(client, kb, zaptest.NewLogger(t))

			assert.Equal(t, Relevant, screen.Screen(context.Background(), tt.history, tt.message))
			assert.Empty(t, client.prompts)
		})
	}
}

func TestScreen_ModelVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		err        error
		want       Relevance
	}{
		{"salutation", "salutation", nil, Salutation},
		{"greeting wording", "Greeting.", nil, Salutation},
		{"other", "Other", nil, OffTopic},
		{"relevant", "relevant", nil, Relevant},
		{"unreadable output counts as relevant", "I am not sure", nil, Relevant},
		{"model failure counts as relevant", "", errors.New("timeout"), Relevant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &completionLLM{completion: tt.completion, completeErr: tt.err}
			screen := NewRelevanceScreen(client, nil, zaptest.NewLogger(t))

			got := screen.Screen(context.Background(), nil, "hello there, how are you today")
			assert.Equal(t, tt.want, got)
			assert.Len(t, client.prompts, 1)
		})
	}
}

func TestScreen_PromptCarriesLastAssistantTurn(t *testing.T) {
	client := &completionLLM{completion: "relevant"}
	screen := NewRelevanceScreen(client, nil, zaptest.NewLogger(t))
	history := []medctx.Turn{
		{Role: medctx.RoleAssistant, Content: "Do you smoke?"},
		{Role: medctx.RoleUser, Content: "a little more than I would like to admit to anyone"},
	}

	screen.Screen(context.Background(), history, "yes, about ten a day for many years now, mostly in the evening")

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Do you smoke?")
}

func TestReply_SalutationAndOffTopicSkipChat(t *testing.T) {
	tests := []struct {
		verdict string
		message string
		want    string
	}{
		{"salutation", "hi there!", GreetingReply},
		{"other", "who won the football match", OffTopicReply},
	}
	for _, tt := range tests {
		t.Run(tt.verdict, func(t *testing.T) {
			client := &completionLLM{completion: tt.verdict}
			chat, store := newTestChat(t, client, cardiologyAnalysis())
			chat.Relevance = NewRelevanceScreen(client, nil, zaptest.NewLogger(t))
			ctx := context.Background()

			out, err := chat.Reply(ctx, "s1", nil, tt.message)
			require.NoError(t, err)

			assert.True(t, out.Blocked)
			assert.Equal(t, tt.want, out.Text)
			assert.Empty(t, client.calls)
			assert.Zero(t, store.Get(ctx, "s1").MessageCount)
		})
	}
}

func TestReply_ScreenFailureStillAnswers(t *testing.T) {
	client := &completionLLM{
		scriptedLLM: scriptedLLM{replies: []string{"Could you tell me more?"}},
		completeErr: errors.New("503"),
	}
	chat, _ := newTestChat(t, client, cardiologyAnalysis())
	chat.Relevance = NewRelevanceScreen(client, nil, zaptest.NewLogger(t))

	out, err := chat.Reply(context.Background(), "s1", nil, "what do you think about it")
	require.NoError(t, err)

	assert.False(t, out.Blocked)
	assert.Equal(t, "Could you tell me more?", out.Text)
	assert.Len(t, client.calls, 1)
}
