package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medchat/internal/medctx"
)

func cardiologySummary() medctx.Summary {
	return medctx.Summary{
		Topic:        "cardiology",
		Specialty:    "cardiology",
		Phase:        medctx.PhaseAssessment,
		MessageCount: 2,
		Medical: medctx.MedicalContext{
			Symptoms:         medctx.StringSet{"chest pain"},
			CurrentCondition: "angina",
		},
	}
}

func TestSuggestions_EmptyConversationUsesDefaults(t *testing.T) {
	client := &completionLLM{completion: `["unused"]`}
	chat, _ := newTestChat(t, client, cardiologyAnalysis())

	got, err := chat.Suggestions(context.Background(), medctx.Summary{})
	require.NoError(t, err)

	assert.Equal(t, DefaultSuggestions, got)
	assert.Empty(t, client.prompts)
}

func TestSuggestions_FromModel(t *testing.T) {
	client := &completionLLM{completion: "```json\n[\"When did it start?\", \"Is it worse at night?\", \"when did it start?\"]\n```"}
	chat, _ := newTestChat(t, client, cardiologyAnalysis())

	got, err := chat.Suggestions(context.Background(), cardiologySummary())
	require.NoError(t, err)

	assert.Equal(t, []string{"When did it start?", "Is it worse at night?"}, got)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Condition: angina")
	assert.Contains(t, client.prompts[0], "Symptoms: chest pain")
}

func TestSuggestions_ModelFailure(t *testing.T) {
	client := &completionLLM{completeErr: errors.New("timeout")}
	chat, _ := newTestChat(t, client, cardiologyAnalysis())

	got, err := chat.Suggestions(context.Background(), cardiologySummary())

	assert.ErrorIs(t, err, medctx.KindGeneration)
	assert.Equal(t, DefaultSuggestions, got)
	got[0] = "mutated"
	assert.NotEqual(t, "mutated", DefaultSuggestions[0])
}

func TestParseSuggestions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"json array", `["a", " b ", ""]`, []string{"a", "b"}},
		{"numbered lines", "1. Is it sharp?\n2) Does it spread?\n\n- Any fever?", []string{"Is it sharp?", "Does it spread?", "Any fever?"}},
		{"capped", `["a","b","c","d","e"]`, []string{"a", "b", "c", "d"}},
		{"empty", "   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSuggestions(tt.in))
		})
	}
}
