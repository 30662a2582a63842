package core

import (
	"fmt"
	"strings"
	"time"

	"medchat/internal/medctx"
	"medchat/pkg"
)

// Summarizer turns the tracked context and the latest analysis into the
// doctor-facing summary. It makes no model calls of its own; the analysis
// already carries the model's reading of the conversation.
type Summarizer struct {
	now func() time.Time
}

// NewSummarizer constructs a summariser.
func NewSummarizer() *Summarizer {
	return &Summarizer{now: time.Now}
}

// Summarize builds the summary of a session. Key points list the specialty,
// condition, urgency and the analysis brief; Structured holds the brief and
// the tracked medical context for machine consumers.
func (s *Summarizer) Summarize(sessionID string, snap medctx.Context, a medctx.Analysis) *pkg.Summary {
	brief := a.Brief()

	specialty := brief.Specialty
	if a.Fallback || specialty == "" {
		specialty = snap.Specialty
	}
	condition := brief.Condition
	if a.Fallback || condition == "" {
		condition = snap.Medical.CurrentCondition
	}

	var points []string
	if specialty != "" {
		points = append(points, "Specialty: "+specialty)
	}
	if condition != "" {
		points = append(points, "Condition: "+condition)
	}
	points = append(points, fmt.Sprintf("Urgency: %s", snap.Urgency))
	symptoms := brief.Symptoms
	if len(symptoms) == 0 && len(snap.Medical.Symptoms) > 0 {
		symptoms = snap.Medical.Symptoms[:min(3, len(snap.Medical.Symptoms))]
	}
	if len(symptoms) > 0 {
		points = append(points, "Symptoms: "+strings.Join(symptoms, ", "))
	}
	if len(brief.Findings) > 0 {
		points = append(points, "Findings: "+strings.Join(brief.Findings, ", "))
	}
	if len(snap.Medical.Medications) > 0 {
		points = append(points, "Medications: "+strings.Join(snap.Medical.Medications, ", "))
	}
	if len(brief.NextSteps) > 0 {
		points = append(points, "Next steps: "+strings.Join(brief.NextSteps, "; "))
	}

	freeText := a.Summary
	if freeText == "" || a.Fallback {
		freeText = fmt.Sprintf("%d messages exchanged; consultation in the %s phase.", snap.MessageCount, snap.Phase)
	}

	return &pkg.Summary{
		SessionID: sessionID,
		KeyPoints: points,
		Structured: map[string]any{
			"analysis":        brief,
			"medical_context": snap.Medical,
			"topic":           snap.CurrentTopic,
			"topic_history":   snap.TopicHistory,
			"phase":           snap.Phase,
			"fallback":        a.Fallback,
		},
		FreeText:  freeText,
		UpdatedAt: s.now(),
	}
}
