package medctx

import (
	"context"
	"maps"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medchat/internal/metrics"
)

// LanguageModel is the subset of the language-model backend used by the engine.
type LanguageModel interface {
	Embedder
	Complete(ctx context.Context, instruction, prompt string) (string, error)
}

const (
	primaryThreshold   = 0.3
	secondaryThreshold = 0.2
	maxSecondary       = 3
	keywordWeight      = 0.1
)

// Entities are the medical entities extracted from one message.
type Entities struct {
	Symptoms    []string `json:"symptoms"`
	Medications []string `json:"medications"`
	Conditions  []string `json:"conditions"`
	Procedures  []string `json:"procedures"`
}

// Classification is the result of classifying one message.
type Classification struct {
	Primary    string             `json:"primary,omitempty"`
	Secondary  []string           `json:"secondary"`
	Confidence map[string]float64 `json:"confidence"`
	Entities   Entities           `json:"entities"`
	Urgency    Urgency            `json:"urgency"`
	// KeywordFallback is set when embeddings were unavailable.
	KeywordFallback bool `json:"keyword_fallback"`
}

func (c Classification) clone() Classification {
	c.Secondary = slices.Clone(c.Secondary)
	c.Confidence = maps.Clone(c.Confidence)
	c.Entities = Entities{
		Symptoms:    slices.Clone(c.Entities.Symptoms),
		Medications: slices.Clone(c.Entities.Medications),
		Conditions:  slices.Clone(c.Entities.Conditions),
		Procedures:  slices.Clone(c.Entities.Procedures),
	}
	return c
}

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	// TTL of the per-message cache; defaults to 5 minutes.
	TTL    time.Duration
	Logger *zap.Logger
}

// Classifier assigns a specialty to a message by embedding similarity against
// the knowledge base, falling back to keyword counting, and extracts entities.
type Classifier struct {
	kb     *KnowledgeBase
	lm     LanguageModel
	tables *Tables
	cache  *ttlCache[Classification]
	logger *zap.Logger
}

// NewClassifier constructs a Classifier. lm may be nil, which forces the
// keyword path and disables entity extraction.
func NewClassifier(kb *KnowledgeBase, lm LanguageModel, tables *Tables, opts ClassifierOptions) *Classifier {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Classifier{
		kb:     kb,
		lm:     lm,
		tables: tables,
		cache:  newTTLCache[Classification](opts.TTL),
		logger: opts.Logger,
	}
}

// Classify returns the classification of message. It never fails: embedding
// and extraction problems degrade to keyword heuristics.
func (c *Classifier) Classify(ctx context.Context, message string) Classification {
	normalized := strings.ToLower(strings.TrimSpace(message))
	// keyed on the registry generation so new keywords or embeddings apply at once
	key := hashKey(strconv.FormatUint(c.kb.Generation(), 10), normalized)
	if cached, ok := c.cache.get(key); ok {
		metrics.ClassificationCache.WithLabelValues("hit").Inc()
		return cached.clone()
	}
	metrics.ClassificationCache.WithLabelValues("miss").Inc()

	var (
		vec      []float32
		entities Entities
		llmUrg   Urgency
	)
	// extraction never fails and must not be cancelled by an embedding error
	var g errgroup.Group
	g.Go(func() error {
		var err error
		vec, err = c.embedMessage(ctx, message)
		return err
	})
	g.Go(func() error {
		entities, llmUrg = c.extract(ctx, message)
		return nil
	})
	embedErr := g.Wait()

	var result Classification
	if embedErr != nil {
		metrics.ClassificationFallbacks.Inc()
		c.logger.Warn("classification falling back to keywords", zap.Error(embedErr))
		result = c.classifyByKeywords(normalized)
	} else {
		result = c.classifyBySimilarity(vec, normalized)
	}
	result.Entities = entities
	result.Urgency = maxUrgency(c.tables.UrgencyOf(message), llmUrg)

	c.cache.set(key, result.clone())
	return result
}

func (c *Classifier) embedMessage(ctx context.Context, message string) ([]float32, error) {
	if c.lm == nil {
		return nil, newError(KindEmbedding, "embed message", nil)
	}
	// profile failures are tolerated; those profiles score by keywords
	_ = c.kb.EnsureEmbeddings(ctx)
	vec, err := c.lm.Embed(ctx, message)
	if err != nil {
		return nil, newError(KindEmbedding, "embed message", err)
	}
	if len(vec) == 0 {
		return nil, newError(KindEmbedding, "embed message", nil)
	}
	return vec, nil
}

func (c *Classifier) classifyByKeywords(lower string) Classification {
	result := Classification{
		Secondary:       []string{},
		Confidence:      map[string]float64{},
		KeywordFallback: true,
	}
	type hit struct {
		name  string
		count int
	}
	var hits []hit
	for _, name := range c.kb.Names() {
		if n := c.kb.keywordCount(name, lower); n > 0 {
			hits = append(hits, hit{name, n})
			result.Confidence[name] = keywordWeight * float64(n)
		}
	}
	// stable keeps registration order on ties
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].count > hits[j].count })
	for i, h := range hits {
		if i == 0 {
			result.Primary = h.name
			continue
		}
		if len(result.Secondary) == maxSecondary {
			break
		}
		result.Secondary = append(result.Secondary, h.name)
	}
	return result
}

func (c *Classifier) classifyBySimilarity(vec []float32, lower string) Classification {
	result := Classification{
		Secondary:  []string{},
		Confidence: map[string]float64{},
	}
	type scored struct {
		name string
		sim  float64
	}
	var all []scored
	for _, p := range c.kb.Profiles() {
		var sim float64
		if len(p.Embedding) == len(vec) {
			sim = cosineSimilarity(vec, p.Embedding)
		} else {
			// no usable embedding for this specialty
			sim = math.Min(1, keywordWeight*float64(c.kb.keywordCount(p.Name, lower)))
		}
		result.Confidence[p.Name] = sim
		all = append(all, scored{p.Name, sim})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	if len(all) > 0 && all[0].sim > primaryThreshold {
		result.Primary = all[0].name
	}
	for _, s := range all {
		if s.name == result.Primary {
			continue
		}
		if s.sim <= secondaryThreshold || len(result.Secondary) == maxSecondary {
			break
		}
		result.Secondary = append(result.Secondary, s.name)
	}
	return result
}

const extractionInstruction = `You extract medical entities from a single patient or clinician message.
Respond with exactly one JSON object and nothing else:
{"symptoms": [], "medications": [], "conditions": [], "procedures": [], "urgency": "normal|urgent|emergency"}
Use short lower-case noun phrases. Leave a list empty when nothing applies.`

// extract asks the model for categorized entities. Any failure yields empty
// lists and normal urgency.
func (c *Classifier) extract(ctx context.Context, message string) (Entities, Urgency) {
	empty := Entities{Symptoms: []string{}, Medications: []string{}, Conditions: []string{}, Procedures: []string{}}
	if c.lm == nil {
		return empty, UrgencyNormal
	}
	raw, err := c.lm.Complete(ctx, extractionInstruction, message)
	if err != nil {
		metrics.ExtractionFailures.Inc()
		c.logger.Warn("entity extraction failed", zap.Error(newError(KindExtraction, "extract", err)))
		return empty, UrgencyNormal
	}
	fields, ok := decodeObject(raw)
	if !ok {
		metrics.ExtractionFailures.Inc()
		c.logger.Debug("entity extraction returned no JSON object")
		return empty, UrgencyNormal
	}
	out := empty
	if v, ok := listField(fields, "symptoms"); ok {
		out.Symptoms = v
	}
	if v, ok := listField(fields, "medications"); ok {
		out.Medications = v
	}
	if v, ok := listField(fields, "conditions"); ok {
		out.Conditions = v
	}
	if v, ok := listField(fields, "procedures"); ok {
		out.Procedures = v
	}
	urg := UrgencyNormal
	if s, ok := stringField(fields, "urgency"); ok {
		urg = ParseUrgency(s)
	}
	return out, urg
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
