package medctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClassifier(t *testing.T, lm LanguageModel) (*Classifier, *KnowledgeBase) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tables := DefaultTables()
	var embedder Embedder
	if lm != nil {
		embedder = lm
	}
	kb := NewKnowledgeBase(tables, embedder, logger)
	return NewClassifier(kb, lm, tables, ClassifierOptions{Logger: logger}), kb
}

func TestClassify_KeywordFallbackWithoutEmbeddings(t *testing.T) {
	cls, _ := newTestClassifier(t, nil)

	got := cls.Classify(context.Background(), "I have chest pain")

	assert.Equal(t, "cardiology", got.Primary)
	assert.True(t, got.KeywordFallback)
	assert.Empty(t, got.Secondary)
	assert.InDelta(t, 0.1, got.Confidence["cardiology"], 1e-9)
}

func TestClassify_KeywordFallbackOnEmbeddingError(t *testing.T) {
	lm := &fakeLM{embedErr: errors.New("embedding service down"), completion: "{}"}
	cls, _ := newTestClassifier(t, lm)

	got := cls.Classify(context.Background(), "my kidneys hurt")

	assert.Equal(t, "nephrology", got.Primary)
	assert.True(t, got.KeywordFallback)
}

func TestClassify_NoKeywordsLeavesPrimaryEmpty(t *testing.T) {
	cls, _ := newTestClassifier(t, nil)

	got := cls.Classify(context.Background(), "thanks, that helps")

	assert.Empty(t, got.Primary)
	assert.Equal(t, UrgencyNormal, got.Urgency)
}

func TestClassify_Similarity(t *testing.T) {
	lm := &fakeLM{completion: `{"symptoms": ["palpitations"], "medications": "aspirin", "urgency": "normal"}`}
	cls, _ := newTestClassifier(t, lm)

	got := cls.Classify(context.Background(), "my heart keeps racing")

	assert.Equal(t, "cardiology", got.Primary)
	assert.False(t, got.KeywordFallback)
	assert.NotContains(t, got.Secondary, "cardiology")
	assert.LessOrEqual(t, len(got.Secondary), 3)
	assert.Equal(t, []string{"palpitations"}, got.Entities.Symptoms)
	assert.Equal(t, []string{"aspirin"}, got.Entities.Medications)
}

func TestClassify_CacheAvoidsSecondEmbedding(t *testing.T) {
	lm := &fakeLM{completion: `{"symptoms": []}`}
	cls, kb := newTestClassifier(t, lm)
	ctx := context.Background()

	require.NoError(t, kb.EnsureEmbeddings(ctx))
	lm.embedCalls.Store(0)
	lm.completeCalls.Store(0)

	first := cls.Classify(ctx, "My heart hurts")
	second := cls.Classify(ctx, "  my heart hurts ")

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, lm.embedCalls.Load())
	assert.EqualValues(t, 1, lm.completeCalls.Load())
}

func TestClassify_CachedResultIsIsolated(t *testing.T) {
	cls, _ := newTestClassifier(t, nil)
	ctx := context.Background()

	first := cls.Classify(ctx, "I have chest pain")
	first.Confidence["cardiology"] = 42
	second := cls.Classify(ctx, "I have chest pain")

	assert.InDelta(t, 0.1, second.Confidence["cardiology"], 1e-9)
}

func TestClassify_Urgency(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		completion string
		want       Urgency
	}{
		{"emergency pattern", "severe chest pain, can't breathe", "{}", UrgencyEmergency},
		{"urgent pattern", "the pain is getting worse", "{}", UrgencyUrgent},
		{"model raises urgency", "I feel odd", `{"urgency": "critical"}`, UrgencyEmergency},
		{"model cannot lower urgency", "high fever since yesterday", `{"urgency": "normal"}`, UrgencyUrgent},
		{"quiet", "what should I eat", `not json`, UrgencyNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, _ := newTestClassifier(t, &fakeLM{completion: tt.completion})
			got := cls.Classify(context.Background(), tt.message)
			assert.Equal(t, tt.want, got.Urgency)
		})
	}
}

func TestClassify_ExtractionFailureYieldsEmptyEntities(t *testing.T) {
	lm := &fakeLM{embedErr: errors.New("timeout"), completeErr: errors.New("timeout")}
	cls, _ := newTestClassifier(t, lm)

	got := cls.Classify(context.Background(), "I take metformin for diabetes")

	assert.Equal(t, "endocrinology", got.Primary)
	assert.Empty(t, got.Entities.Medications)
	assert.NotNil(t, got.Entities.Medications)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestClassify_AddKeywordsInvalidatesCache(t *testing.T) {
	cls, kb := newTestClassifier(t, nil)
	ctx := context.Background()

	before := cls.Classify(ctx, "my palpitazione is back")
	require.Empty(t, before.Primary)

	added, err := kb.AddKeywords(ctx, "cardiology", "palpitazione")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	after := cls.Classify(ctx, "my palpitazione is back")
	assert.Equal(t, "cardiology", after.Primary)
}

func TestClassify_KeywordsMatchWholeWords(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"I get heartburn after meals", "gastroenterology"},
		{"my heart races at night", "cardiology"},
		{"my kidneys hurt", "nephrology"},
		{"my sweetheart says hi", ""},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			cls, _ := newTestClassifier(t, nil)
			got := cls.Classify(context.Background(), tt.message)
			assert.Equal(t, tt.want, got.Primary)
			if tt.want != "cardiology" {
				assert.NotContains(t, got.Confidence, "cardiology")
			}
		})
	}
}
