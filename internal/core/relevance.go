package core

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"medchat/internal/llm"
	"medchat/internal/medctx"
	"medchat/internal/metrics"
)

// Relevance is the screening verdict for a patient message.
type Relevance string

const (
	Relevant   Relevance = "relevant"
	Salutation Relevance = "salutation"
	OffTopic   Relevance = "other"
)

// RelevanceScreener decides whether a message belongs in a consultation.
// *RelevanceScreen implements it.
type RelevanceScreener interface {
	Screen(ctx context.Context, history []medctx.Turn, message string) Relevance
}

// KeywordMatcher reports whether text mentions a registered specialty.
// *medctx.KnowledgeBase implements it.
type KeywordMatcher interface {
	Names() []string
	Matches(name, text string) bool
}

var (
	medicalTerms = []string{
		"symptom", "pain", "ache", "hurt", "sore", "surgery", "operation",
		"doctor", "physician", "hospital", "clinic", "treatment", "medicine", "medication",
		"diagnos", "disease", "condition", "illness", "sick", "health",
		"bleeding", "swelling", "recovery", "healing", "wound", "injury", "broken",
		"cyst", "allerg", "abdomen", "brain", "spine", "blood", "pressure",
		"prescription", "dosage", "dose", "side effect", "complication",
		"urgent", "acute", "chronic", "patient", "medical history", "pill", "tablet",
	}
	temporalTerms = []string{
		"days ago", "weeks ago", "months ago", "years ago", "yesterday", "last week",
		"last month", "since", "recently", "lately", "ongoing", "persistent",
		"recurring", "intermittent", "keeps", "every morning", "every night",
	}
	experienceTerms = []string{
		"feel", "experienc", "having", "been", "got", "developed", "noticed", "started",
	}
)

// shortFollowUp is the word count under which a message inherits the
// relevance of a medical conversation ("and at night?").
const shortFollowUp = 10

const relevanceInstruction = "You screen messages sent to a medical consultation assistant. " +
	"Answer with exactly one word: relevant if the message concerns the patient's health, " +
	"symptoms, treatment or the ongoing consultation; salutation if it is only a greeting or " +
	"small talk; other for anything unrelated to health."

// RelevanceScreen accepts obviously medical messages on keywords alone and asks
// the completion model about the rest. Any model failure counts as relevant.
type RelevanceScreen struct {
	LLM      llm.Client
	Keywords KeywordMatcher
	Logger   *zap.Logger
}

// NewRelevanceScreen constructs a RelevanceScreen. keywords may be nil.
func NewRelevanceScreen(client llm.Client, keywords KeywordMatcher, logger *zap.Logger) *RelevanceScreen {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelevanceScreen{LLM: client, Keywords: keywords, Logger: logger}
}

// Screen classifies message. history holds the earlier turns.
func (r *RelevanceScreen) Screen(ctx context.Context, history []medctx.Turn, message string) Relevance {
	if r.likelyMedical(history, message) {
		metrics.RelevanceScreens.WithLabelValues("keywords").Inc()
		return Relevant
	}
	if r.LLM == nil {
		return Relevant
	}

	prompt := message
	if last := lastAssistant(history); last != "" {
		prompt = "Assistant's previous message: " + last + "\nPatient's message: " + message
	}
	out, err := r.LLM.Complete(ctx, relevanceInstruction, prompt)
	if err != nil {
		metrics.RelevanceScreens.WithLabelValues("fallback").Inc()
		r.Logger.Warn("relevance screen failed; accepting message", zap.Error(err))
		return Relevant
	}
	verdict := parseRelevance(out)
	metrics.RelevanceScreens.WithLabelValues(string(verdict)).Inc()
	return verdict
}

func (r *RelevanceScreen) likelyMedical(history []medctx.Turn, message string) bool {
	lower := strings.ToLower(message)
	if r.mentionsMedical(lower) {
		return true
	}
	if containsAny(lower, temporalTerms) && containsAny(lower, experienceTerms) {
		return true
	}
	if len(strings.Fields(message)) > shortFollowUp {
		return false
	}
	for _, t := range history {
		if r.mentionsMedical(strings.ToLower(t.Content)) {
			return true
		}
	}
	return false
}

func (r *RelevanceScreen) mentionsMedical(lower string) bool {
	if containsAny(lower, medicalTerms) {
		return true
	}
	if r.Keywords == nil {
		return false
	}
	for _, name := range r.Keywords.Names() {
		if r.Keywords.Matches(name, lower) {
			return true
		}
	}
	return false
}

// parseRelevance reads the model's verdict. Anything it cannot place is
// treated as relevant.
func parseRelevance(out string) Relevance {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(out), `."'`))
	switch {
	case strings.HasPrefix(word, "salutation"), strings.HasPrefix(word, "greeting"):
		return Salutation
	case word == "other", strings.HasPrefix(word, "irrelevant"), strings.HasPrefix(word, "not relevant"):
		return OffTopic
	}
	return Relevant
}

func lastAssistant(history []medctx.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == medctx.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}
