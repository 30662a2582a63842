package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"medchat/internal/medctx"
	"medchat/internal/metrics"
)

// maxSuggestions bounds the suggestion list; longer model output is cut.
const maxSuggestions = 4

const suggestionInstruction = "You help a patient talking to a medical consultation assistant. " +
	"Suggest short messages (under 12 words each) the patient could send next, written in the patient's voice. " +
	"Reply with a JSON array of strings only."

// DefaultSuggestions are offered before anything is known about the
// conversation or when the model cannot be reached.
var DefaultSuggestions = []string{
	"I have had a headache for three days.",
	"I have pain in my chest when I climb stairs.",
	"What should I do about a fever that won't go away?",
	"I want to ask about a medication I'm taking.",
}

// Suggestions proposes next messages for the patient from the tracked
// context. On a model failure the default list is returned together with the
// error; the list is always usable.
func (s *ChatService) Suggestions(ctx context.Context, sum medctx.Summary) ([]string, error) {
	if sum.MessageCount == 0 && sum.Topic == "" {
		metrics.Suggestions.WithLabelValues("fallback").Inc()
		return defaultSuggestions(), nil
	}

	out, err := s.LLM.Complete(ctx, suggestionInstruction, suggestionPrompt(sum))
	if err != nil {
		metrics.Suggestions.WithLabelValues("fallback").Inc()
		s.Logger.Warn("suggestion generation failed", zap.Error(err))
		return defaultSuggestions(), &medctx.Error{Kind: medctx.KindGeneration, Op: "suggestions", Err: err}
	}
	list := parseSuggestions(out)
	if len(list) == 0 {
		metrics.Suggestions.WithLabelValues("fallback").Inc()
		return defaultSuggestions(), nil
	}
	metrics.Suggestions.WithLabelValues("model").Inc()
	return list, nil
}

func suggestionPrompt(sum medctx.Summary) string {
	var b strings.Builder
	b.WriteString("Conversation so far:")
	if sum.Topic != "" {
		fmt.Fprintf(&b, "\n- Topic: %s", sum.Topic)
	}
	if sum.Specialty != "" {
		fmt.Fprintf(&b, "\n- Specialty: %s", sum.Specialty)
	}
	if c := sum.Medical.CurrentCondition; c != "" {
		fmt.Fprintf(&b, "\n- Condition: %s", c)
	}
	writeList(&b, "Symptoms", sum.Medical.Symptoms)
	writeList(&b, "Medications", sum.Medical.Medications)
	fmt.Fprintf(&b, "\n- Phase: %s", sum.Phase)
	return b.String()
}

// parseSuggestions reads the first JSON array in out, falling back to one
// suggestion per non-empty line.
func parseSuggestions(out string) []string {
	var items []string
	start, end := strings.IndexByte(out, '['), strings.LastIndexByte(out, ']')
	if start < 0 || end <= start || json.Unmarshal([]byte(out[start:end+1]), &items) != nil {
		items = strings.Split(out, "\n")
	}
	list := make([]string, 0, maxSuggestions)
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(it), "-*0123456789.) "))
		it = strings.Trim(it, `"`)
		if it == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(it)]; dup {
			continue
		}
		seen[strings.ToLower(it)] = struct{}{}
		list = append(list, it)
		if len(list) == maxSuggestions {
			break
		}
	}
	return list
}

func defaultSuggestions() []string {
	return append([]string(nil), DefaultSuggestions...)
}
