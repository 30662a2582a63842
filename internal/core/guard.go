package core

import "strings"

var (
	misconductPatterns = []string{
		"take advantage", "advantage of", "sedated patient", "unconscious patient",
		"exploit patient", "inappropriate exam", "sexual harassment",
		"non-consensual", "without consent", "abuse patient",
	}
	misconductSubjects = []string{"doctor", "physician", "medical"}
	misconductVerbs    = []string{"advantage", "exploit", "abuse", "inappropriate"}

	// requests to leak the prompt or obtain harmful medical material
	blockedPatterns = []string{
		"ignore instruction", "ignore previous instruction", "bypass rule",
		"show chain of thought", "internal prompt", "show your prompt", "reveal rule",
		"fake medical", "forge report", "write me a prescription",
		"worsen condition", "toxic combination",
	}

	farewells = []string{"bye", "goodbye", "exit", "quit"}
)

// Guard screens a patient message before any model call. It returns the
// canned reply and true when the message must not reach the model.
func Guard(message string) (string, bool) {
	lower := strings.ToLower(message)

	for _, p := range misconductPatterns {
		if strings.Contains(lower, p) && containsAny(lower, misconductSubjects) && containsAny(lower, misconductVerbs) {
			return RefusalReply, true
		}
	}
	if containsAny(lower, blockedPatterns) {
		return RefusalReply, true
	}

	trimmed := strings.Trim(strings.TrimSpace(lower), ".!")
	for _, f := range farewells {
		if trimmed == f {
			return GoodbyeReply, true
		}
	}
	return "", false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
