package medctx

import "strings"

// phaseTriggers lists the substrings that move a phase one step forward.
var phaseTriggers = map[Phase]struct {
	next     Phase
	triggers []string
}{
	PhaseInitial:    {PhaseAssessment, []string{"history", "symptom"}},
	PhaseAssessment: {PhaseDiagnosis, []string{"diagnosis", "result"}},
	PhaseDiagnosis:  {PhaseTreatment, []string{"treatment", "therapy"}},
	PhaseTreatment:  {PhaseFollowup, []string{"follow up", "follow-up", "check"}},
}

// regressionTriggers send a patient in treatment back to assessment.
var regressionTriggers = []string{"worse", "side effect"}

// nextPhase applies at most one transition. lower must be lower-cased.
func nextPhase(current Phase, lower string, role Role) Phase {
	if current == PhaseTreatment && role == RoleUser && containsAny(lower, regressionTriggers...) {
		return PhaseAssessment
	}
	if t, ok := phaseTriggers[current]; ok && containsAny(lower, t.triggers...) {
		return t.next
	}
	return current
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
