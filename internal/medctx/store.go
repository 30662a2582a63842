package medctx

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"medchat/internal/metrics"
)

// TopicClassifier classifies one message. *Classifier implements it.
type TopicClassifier interface {
	Classify(ctx context.Context, message string) Classification
}

// KeywordMatcher tests text against a specialty's keyword pattern.
// *KnowledgeBase implements it.
type KeywordMatcher interface {
	Matches(specialty, text string) bool
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// IdleTTL is the age after which SweepIdle evicts a context; defaults to 1h.
	IdleTTL time.Duration
	// UrgencyDecayAfter lowers urgency by one level after this many consecutive
	// updates without an urgency signal. Zero keeps urgency until Clear.
	UrgencyDecayAfter int
	Logger            *zap.Logger
	Now               func() time.Time
}

// Store owns the per-conversation context records. Updates of one
// conversation are serialised; different conversations proceed in parallel.
type Store struct {
	storage    Storage
	classifier TopicClassifier
	matcher    KeywordMatcher
	tables     *Tables
	locks      *keyedMutex
	idleTTL    time.Duration
	decayAfter int
	logger     *zap.Logger
	now        func() time.Time
}

// NewStore constructs a Store over storage.
func NewStore(storage Storage, classifier TopicClassifier, matcher KeywordMatcher, tables *Tables, opts StoreOptions) *Store {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		storage:    storage,
		classifier: classifier,
		matcher:    matcher,
		tables:     tables,
		locks:      newKeyedMutex(),
		idleTTL:    opts.IdleTTL,
		decayAfter: opts.UrgencyDecayAfter,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Update classifies message and folds the result into the conversation's
// context. The returned snapshot is always usable; a non-nil error only
// reports a storage problem (KindStorage).
func (s *Store) Update(ctx context.Context, id, message string, role Role) (Context, error) {
	release := s.locks.lock(id)
	defer release()

	c, loadErr := s.load(ctx, id)
	cls := s.classifier.Classify(ctx, message)
	s.apply(c, cls, message, role, s.now())

	if err := s.storage.Save(ctx, c); err != nil {
		s.logger.Warn("failed to save conversation context", zap.String("conversation_id", id), zap.Error(err))
		return *c.Clone(), errors.Join(loadErr, newError(KindStorage, "save context", err))
	}
	return *c.Clone(), loadErr
}

func (s *Store) apply(c *Context, cls Classification, message string, role Role, now time.Time) {
	if now.Before(c.LastUpdated) {
		now = c.LastUpdated
	}

	if cls.Primary != "" && cls.Primary != c.CurrentTopic {
		if c.CurrentTopic != "" {
			c.TopicHistory = append(c.TopicHistory, TopicSwitch{
				Topic:                c.CurrentTopic,
				SubTopic:             c.SubTopic,
				Timestamp:            c.LastUpdated,
				MessageCountAtSwitch: c.MessageCount,
			})
		}
		c.CurrentTopic = cls.Primary
		c.SubTopic = ""
		if len(cls.Secondary) > 0 {
			c.SubTopic = cls.Secondary[0]
		}
		c.LastContextSwitch = now
		c.Specialty = s.tables.SpecialtyFor(c.CurrentTopic)
		s.logger.Debug("conversation topic switched",
			zap.String("conversation_id", c.ConversationID),
			zap.String("topic", c.CurrentTopic),
			zap.Int("history_len", len(c.TopicHistory)))
	}

	mergeEntities(&c.Medical, cls.Entities)
	if c.Medical.CurrentCondition == "" && c.CurrentTopic != "" {
		c.Medical.CurrentCondition = s.tables.ConditionFor(c.CurrentTopic)
	}

	s.applyUrgency(c, cls.Urgency)
	c.Phase = nextPhase(c.Phase, strings.ToLower(message), role)

	c.MessageCount++
	c.LastUpdated = now
	c.Score = coherence(c)
}

func (s *Store) applyUrgency(c *Context, signal Urgency) {
	switch {
	case signal.Rank() > c.Urgency.Rank():
		c.Urgency = signal
		c.QuietMessages = 0
	case signal.Rank() > 0:
		c.QuietMessages = 0
	case s.decayAfter > 0 && c.Urgency != UrgencyNormal:
		c.QuietMessages++
		if c.QuietMessages >= s.decayAfter {
			c.Urgency = lowerUrgency(c.Urgency)
			c.QuietMessages = 0
		}
	}
}

var (
	imagingTerms = []string{"x-ray", "xray", "mri", "ct", "ultrasound", "scan", "echo", "echocardiogram", "mammogram", "angiogram", "pet", "imaging", "radiograph"}
	labTerms     = []string{"blood", "test", "panel", "count", "cbc", "level", "levels", "culture", "urinalysis", "lab", "hba1c", "creatinine", "biopsy"}
)

func mergeEntities(m *MedicalContext, e Entities) {
	m.Symptoms.Add(e.Symptoms...)
	m.Medications.Add(e.Medications...)
	m.Diagnoses.Add(e.Conditions...)
	m.Procedures.Add(e.Procedures...)
	for _, p := range e.Procedures {
		switch {
		case hasToken(p, imagingTerms):
			m.Imaging.Add(p)
		case hasToken(p, labTerms):
			m.LabResults.Add(p)
		}
	}
}

func hasToken(s string, terms []string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		for _, t := range terms {
			if tok == t {
				return true
			}
		}
	}
	return false
}

// load returns the stored context or a fresh one. Unreadable records are
// reinitialised to defaults.
func (s *Store) load(ctx context.Context, id string) (*Context, error) {
	c, err := s.storage.Load(ctx, id)
	switch {
	case err == nil:
		c.ConversationID = id
		c.repair()
		return c, nil
	case errors.Is(err, ErrNotFound):
		return NewContext(id, s.now()), nil
	default:
		s.logger.Warn("failed to load conversation context; reinitialising",
			zap.String("conversation_id", id), zap.Error(err))
		return NewContext(id, s.now()), newError(KindStorage, "load context", err)
	}
}

// Get returns a snapshot of the context, default-initialised if none exists.
func (s *Store) Get(ctx context.Context, id string) Context {
	c, _ := s.load(ctx, id)
	return *c
}

// Summarize returns the DTO used to build the model instruction.
func (s *Store) Summarize(ctx context.Context, id string) Summary {
	c, _ := s.load(ctx, id)
	return c.summary()
}

// FrontendProjection returns the reduced UI view of the context.
func (s *Store) FrontendProjection(ctx context.Context, id string) Projection {
	c, _ := s.load(ctx, id)
	return c.projection()
}

// SetAnalysis caches a ConversationAnalyzer result on the context.
func (s *Store) SetAnalysis(ctx context.Context, id string, a Analysis) error {
	release := s.locks.lock(id)
	defer release()

	c, loadErr := s.load(ctx, id)
	a = a.clone()
	c.Analysis = &a
	if err := s.storage.Save(ctx, c); err != nil {
		return errors.Join(loadErr, newError(KindStorage, "save analysis", err))
	}
	return loadErr
}

// GetAnalysis returns the cached analysis, if any.
func (s *Store) GetAnalysis(ctx context.Context, id string) (Analysis, bool) {
	c, _ := s.load(ctx, id)
	if c.Analysis == nil {
		return Analysis{}, false
	}
	return *c.Analysis, true
}

// Clear removes the conversation's context.
func (s *Store) Clear(ctx context.Context, id string) error {
	release := s.locks.lock(id)
	defer release()
	if err := s.storage.Delete(ctx, id); err != nil {
		return newError(KindStorage, "clear context", err)
	}
	return nil
}

// SweepIdle evicts contexts whose last update is older than the idle TTL.
// A context evicted here is lazily recreated on its next reference.
func (s *Store) SweepIdle(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.idleTTL)
	n, err := s.storage.DeleteIdle(ctx, cutoff)
	metrics.ContextsEvicted.Add(float64(n))
	if err != nil {
		return n, newError(KindStorage, "sweep idle contexts", err)
	}
	return n, nil
}
