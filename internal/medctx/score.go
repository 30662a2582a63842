package medctx

const (
	churnWindow      = 5
	churnMinMessages = 3.0
	churnPenalty     = 0.2
	conditionBonus   = 0.1
	progressBonus    = 0.1
	progressMinCount = 5
)

// coherence recomputes the context score from scratch.
func coherence(c *Context) float64 {
	score := 1.0

	recent := min(len(c.TopicHistory), churnWindow)
	perTopic := float64(c.MessageCount) / float64(recent+1)
	if perTopic < churnMinMessages {
		score -= churnPenalty
	}
	if c.Medical.CurrentCondition != "" {
		score += conditionBonus
	}
	if c.Phase != PhaseInitial && c.MessageCount > progressMinCount {
		score += progressBonus
	}
	return clamp01(score)
}
