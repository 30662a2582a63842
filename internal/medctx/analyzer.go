package medctx

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"medchat/internal/metrics"
)

// Completer is the single-shot generation call used by the analyzer.
type Completer interface {
	Complete(ctx context.Context, instruction, prompt string) (string, error)
}

// Analysis is the holistic structured reading of a conversation.
type Analysis struct {
	Specialty     string    `json:"specialty"`
	Condition     string    `json:"condition"`
	Symptoms      []string  `json:"symptoms"`
	Findings      []string  `json:"findings"`
	Phase         Phase     `json:"phase"`
	Urgency       Urgency   `json:"urgency"`
	Summary       string    `json:"summary"`
	NextSteps     []string  `json:"next_steps"`
	ContextPrompt string    `json:"context_prompt"`
	Fallback      bool      `json:"fallback"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func (a Analysis) clone() Analysis {
	a.Symptoms = slices.Clone(a.Symptoms)
	a.Findings = slices.Clone(a.Findings)
	a.NextSteps = slices.Clone(a.NextSteps)
	return a
}

// Brief is the reduced analysis shown to the UI.
type Brief struct {
	Specialty string   `json:"specialty"`
	Condition string   `json:"condition"`
	Symptoms  []string `json:"symptoms"`
	Findings  []string `json:"findings"`
	NextSteps []string `json:"next_steps"`
	Urgency   Urgency  `json:"urgency"`
	Fallback  bool     `json:"fallback"`
}

// Brief returns the UI projection: top three symptoms and findings and the
// first two next steps.
func (a Analysis) Brief() Brief {
	return Brief{
		Specialty: a.Specialty,
		Condition: a.Condition,
		Symptoms:  head(a.Symptoms, 3),
		Findings:  head(a.Findings, 3),
		NextSteps: head(a.NextSteps, 2),
		Urgency:   a.Urgency,
		Fallback:  a.Fallback,
	}
}

func head(s []string, n int) []string {
	out := slices.Clone(s[:min(n, len(s))])
	if out == nil {
		out = []string{}
	}
	return out
}

const (
	fallbackCondition = "being evaluated"
	fallbackPrompt    = "You are a careful medical assistant. The patient's condition is still being evaluated. " +
		"Ask focused questions about their symptoms, history and medications, and recommend " +
		"seeing a clinician in person for anything severe."
)

// FallbackAnalysis is the well-formed record used whenever analysis fails.
func FallbackAnalysis() Analysis {
	return Analysis{
		Specialty:     GeneralSpecialty,
		Condition:     fallbackCondition,
		Symptoms:      []string{},
		Findings:      []string{},
		Phase:         PhaseInitial,
		Urgency:       UrgencyNormal,
		NextSteps:     []string{},
		ContextPrompt: fallbackPrompt,
		Fallback:      true,
	}
}

// AnalyzerOptions configures an Analyzer.
type AnalyzerOptions struct {
	// TTL of the analysis cache; defaults to 2 minutes.
	TTL    time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

// Analyzer produces a structured Analysis of a conversation in one model call.
type Analyzer struct {
	lm     Completer
	cache  *ttlCache[Analysis]
	logger *zap.Logger
	now    func() time.Time
}

// NewAnalyzer constructs an Analyzer. A nil lm always yields the fallback.
func NewAnalyzer(lm Completer, opts AnalyzerOptions) *Analyzer {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{
		lm:     lm,
		cache:  newTTLCache[Analysis](opts.TTL),
		logger: opts.Logger,
		now:    opts.Now,
	}
}

const analysisInstruction = `You are a clinical conversation analyst. Read the numbered transcript and respond with exactly one JSON object and nothing else:
{"specialty": "", "condition": "", "symptoms": [], "findings": [], "phase": "initial|assessment|diagnosis|treatment|followup", "urgency": "normal|urgent|emergency", "summary": "", "next_steps": [], "context_prompt": ""}
"specialty" is the single most relevant medical specialty.
"context_prompt" is the instruction for the assistant answering the next message. It must name the detected specialty, restate the primary condition, and keep every answer framed around that specialty.`

// Analyze returns the structured analysis of history plus message. It never
// fails; model or parse errors resolve to FallbackAnalysis.
func (a *Analyzer) Analyze(ctx context.Context, history []Turn, message string) Analysis {
	key := analysisKey(history, message)
	if cached, ok := a.cache.get(key); ok {
		metrics.AnalysisCache.WithLabelValues("hit").Inc()
		return cached.clone()
	}
	metrics.AnalysisCache.WithLabelValues("miss").Inc()

	result := a.generate(ctx, history, message)
	result.GeneratedAt = a.now()
	a.cache.set(key, result.clone())
	return result
}

func (a *Analyzer) generate(ctx context.Context, history []Turn, message string) Analysis {
	if a.lm == nil {
		metrics.AnalysisFallbacks.Inc()
		return FallbackAnalysis()
	}
	raw, err := a.lm.Complete(ctx, analysisInstruction, transcript(history, message))
	if err != nil {
		metrics.AnalysisFallbacks.Inc()
		a.logger.Warn("conversation analysis failed; using fallback",
			zap.Error(newError(KindAnalysis, "analyze", err)))
		return FallbackAnalysis()
	}
	res, ok := parseAnalysis(raw)
	if !ok {
		metrics.AnalysisFallbacks.Inc()
		a.logger.Warn("conversation analysis returned no JSON object; using fallback",
			zap.Error(newError(KindAnalysis, "parse analysis", nil)))
		return FallbackAnalysis()
	}
	return res
}

// analysisKey hashes the last three turns and the new message.
func analysisKey(history []Turn, message string) uint64 {
	recent := history[max(0, len(history)-3):]
	parts := make([]string, 0, 2*len(recent)+1)
	for _, t := range recent {
		parts = append(parts, string(t.Role), t.Content)
	}
	parts = append(parts, message)
	return hashKey(parts...)
}

func transcript(history []Turn, message string) string {
	var b strings.Builder
	n := 0
	for _, t := range history {
		n++
		fmt.Fprintf(&b, "%d. %s: %s\n", n, t.Role, t.Content)
	}
	fmt.Fprintf(&b, "%d. %s: %s\n", n+1, RoleUser, message)
	return b.String()
}

// parseAnalysis decodes the first JSON object of raw, backfilling each missing
// field from the fallback record.
func parseAnalysis(raw string) (Analysis, bool) {
	fields, ok := decodeObject(raw)
	if !ok {
		return Analysis{}, false
	}
	out := FallbackAnalysis()
	out.Fallback = false
	out.ContextPrompt = ""

	if v, ok := stringField(fields, "specialty"); ok {
		out.Specialty = strings.ToLower(v)
	}
	if v, ok := stringField(fields, "condition"); ok {
		out.Condition = v
	}
	if v, ok := listField(fields, "symptoms"); ok {
		out.Symptoms = v
	}
	if v, ok := listField(fields, "findings"); ok {
		out.Findings = v
	}
	if v, ok := stringField(fields, "phase"); ok {
		out.Phase = ParsePhase(v)
	}
	if v, ok := stringField(fields, "urgency"); ok {
		out.Urgency = ParseUrgency(v)
	}
	if v, ok := stringField(fields, "summary"); ok {
		out.Summary = v
	}
	if v, ok := listField(fields, "next_steps"); ok {
		out.NextSteps = v
	} else if v, ok := listField(fields, "nextSteps"); ok {
		out.NextSteps = v
	}
	if v, ok := stringField(fields, "context_prompt"); ok {
		out.ContextPrompt = v
	} else if v, ok := stringField(fields, "contextPrompt"); ok {
		out.ContextPrompt = v
	}
	if out.ContextPrompt == "" {
		out.ContextPrompt = synthesizePrompt(out)
	}
	return out, true
}

func synthesizePrompt(a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s specialist. The patient is being seen for %s.", a.Specialty, a.Condition)
	if len(a.Symptoms) > 0 {
		fmt.Fprintf(&b, " Reported symptoms: %s.", strings.Join(a.Symptoms, ", "))
	}
	if len(a.Findings) > 0 {
		fmt.Fprintf(&b, " Findings so far: %s.", strings.Join(a.Findings, ", "))
	}
	fmt.Fprintf(&b, " The consultation is in the %s phase with %s urgency.", a.Phase, a.Urgency)
	fmt.Fprintf(&b, " Keep every answer framed around %s and the patient's %s.", a.Specialty, a.Condition)
	return b.String()
}
