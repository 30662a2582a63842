package medctx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"medchat/internal/metrics"
)

const (
	onTopicScore    = 1.0
	redirectedScore = 0.7
	driftedScore    = 0.5
	validThreshold  = 0.6

	// GeneralSpecialty marks an analysis that found no specialty to refocus on.
	GeneralSpecialty = "general"
)

// Validate grades a generated response against the conversation's current
// topic. It never fails; an unreadable context validates as untracked.
func (s *Store) Validate(ctx context.Context, id, response string) Validation {
	c, _ := s.load(ctx, id)

	var (
		score   float64
		outcome string
	)
	switch {
	case c.CurrentTopic == "":
		score, outcome = onTopicScore, "untracked"
	case s.matcher != nil && s.matcher.Matches(c.CurrentTopic, response):
		score, outcome = onTopicScore, "on_topic"
	case s.tables.IsRedirection(response):
		score, outcome = redirectedScore, "redirected"
	default:
		score, outcome = driftedScore, "drifted"
	}
	metrics.DriftValidations.WithLabelValues(outcome).Inc()

	v := Validation{Valid: score > validThreshold, Score: score}
	if !v.Valid {
		s.logger.Info("response drifted from conversation topic",
			zap.String("conversation_id", id),
			zap.String("topic", c.CurrentTopic),
			zap.Float64("score", score))
	}
	return v
}

// Corrective returns the instruction used to regenerate a drifted response.
// The cached analysis wins over the tracked context when present. It reports
// false when there is no specialty to refocus on.
func (s *Store) Corrective(ctx context.Context, id string) (string, bool) {
	c, _ := s.load(ctx, id)

	specialty, condition := c.Specialty, c.Medical.CurrentCondition
	if c.Analysis != nil {
		specialty, condition = c.Analysis.Specialty, c.Analysis.Condition
	}
	if specialty == "" || specialty == GeneralSpecialty {
		return "", false
	}
	return CorrectiveInstruction(specialty, condition), true
}

// CorrectiveInstruction restates the specialist framing and asks the model to
// refocus on the patient's condition.
func CorrectiveInstruction(specialty, condition string) string {
	if condition == "" {
		condition = DefaultCondition
	}
	return fmt.Sprintf("You are a %s specialist. The patient has %s. "+
		"Your previous answer drifted away from this. Refocus on the patient's %s "+
		"and answer their last message from the %s perspective only.",
		specialty, condition, condition, specialty)
}
