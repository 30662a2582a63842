package medctx

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Embedder produces embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedRetryDelay throttles re-embedding attempts after a failure so a downed
// embedding service is not hit on every message.
const embedRetryDelay = time.Minute

// SpecialtyProfile is one registered specialty.
type SpecialtyProfile struct {
	Name        string    `json:"name"`
	Keywords    []string  `json:"keywords"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"-"`
	LastUpdated time.Time `json:"last_updated"`

	stale       bool
	nextAttempt time.Time
	pattern     *regexp.Regexp
}

func (p *SpecialtyProfile) embeddingText() string {
	return p.Description + "\nKeywords: " + strings.Join(p.Keywords, ", ")
}

// KnowledgeBase is the registry of clinical specialties with cached
// description embeddings.
type KnowledgeBase struct {
	mu       sync.RWMutex
	order    []string
	profiles map[string]*SpecialtyProfile
	// owners maps each keyword to the first specialty that registered it.
	owners   map[string]string
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time

	gen atomic.Uint64
}

// NewKnowledgeBase seeds the registry from tables. Embeddings are computed by
// EnsureEmbeddings; until then every profile is stale.
func NewKnowledgeBase(tables *Tables, embedder Embedder, logger *zap.Logger) *KnowledgeBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	kb := &KnowledgeBase{
		profiles: make(map[string]*SpecialtyProfile, len(tables.Specialties)),
		owners:   make(map[string]string),
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
	for _, s := range tables.Specialties {
		kb.order = append(kb.order, s.Name)
		kb.profiles[s.Name] = &SpecialtyProfile{
			Name:        s.Name,
			Keywords:    slices.Clone(s.Keywords),
			Description: s.Description,
			stale:       true,
			pattern:     keywordPattern(s.Keywords),
		}
		kb.claim(s.Name, s.Keywords)
	}
	return kb
}

func (kb *KnowledgeBase) claim(name string, keywords []string) {
	for _, k := range keywords {
		if _, taken := kb.owners[k]; !taken {
			kb.owners[k] = name
		}
	}
}

// Generation changes whenever keywords or embeddings change, so results
// derived from the registry can be keyed on it.
func (kb *KnowledgeBase) Generation() uint64 {
	return kb.gen.Load()
}

// Names returns the specialty names in registration order.
func (kb *KnowledgeBase) Names() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return slices.Clone(kb.order)
}

// Profile returns a copy of the named profile.
func (kb *KnowledgeBase) Profile(name string) (SpecialtyProfile, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	p, ok := kb.profiles[name]
	if !ok {
		return SpecialtyProfile{}, false
	}
	return p.snapshot(), true
}

// Profiles returns copies of all profiles in registration order.
func (kb *KnowledgeBase) Profiles() []SpecialtyProfile {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]SpecialtyProfile, 0, len(kb.order))
	for _, name := range kb.order {
		out = append(out, kb.profiles[name].snapshot())
	}
	return out
}

func (p *SpecialtyProfile) snapshot() SpecialtyProfile {
	return SpecialtyProfile{
		Name:        p.Name,
		Keywords:    slices.Clone(p.Keywords),
		Description: p.Description,
		Embedding:   p.Embedding,
		LastUpdated: p.LastUpdated,
	}
}

// EnsureEmbeddings (re)computes the embedding of every stale profile. A failed
// profile keeps its previous embedding, or none, and is retried later.
func (kb *KnowledgeBase) EnsureEmbeddings(ctx context.Context) error {
	if kb.embedder == nil {
		return nil
	}
	var errs []error
	for _, name := range kb.Names() {
		if err := kb.embed(ctx, name, false); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return newError(KindEmbedding, "ensure embeddings", errors.Join(errs...))
	}
	return nil
}

// AddKeywords appends unique terms to a specialty and re-embeds that specialty
// only. It returns the number of terms added. An embedding failure is returned
// but the keywords stay registered.
func (kb *KnowledgeBase) AddKeywords(ctx context.Context, name string, terms ...string) (int, error) {
	kb.mu.Lock()
	p, ok := kb.profiles[name]
	if !ok {
		kb.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownSpecialty, name)
	}
	var fresh []string
	for _, term := range normalizeTerms(terms) {
		if slices.Contains(p.Keywords, term) {
			continue
		}
		p.Keywords = append(p.Keywords, term)
		fresh = append(fresh, term)
	}
	added := len(fresh)
	if added > 0 {
		kb.claim(name, fresh)
		p.pattern = keywordPattern(p.Keywords)
		p.stale = true
		p.nextAttempt = time.Time{}
		kb.gen.Add(1)
	}
	kb.mu.Unlock()

	if added == 0 || kb.embedder == nil {
		return added, nil
	}
	if err := kb.embed(ctx, name, true); err != nil {
		return added, newError(KindEmbedding, "add keywords", err)
	}
	return added, nil
}

func (kb *KnowledgeBase) embed(ctx context.Context, name string, force bool) error {
	kb.mu.RLock()
	p := kb.profiles[name]
	now := kb.now()
	if !p.stale || (!force && now.Before(p.nextAttempt)) {
		kb.mu.RUnlock()
		return nil
	}
	text := p.embeddingText()
	kb.mu.RUnlock()

	vec, err := kb.embedder.Embed(ctx, text)

	kb.mu.Lock()
	defer kb.mu.Unlock()
	if err != nil {
		p.nextAttempt = now.Add(embedRetryDelay)
		kb.logger.Warn("specialty embedding failed; keeping previous embedding",
			zap.String("specialty", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	// keywords may have changed while the request was in flight
	if p.embeddingText() == text {
		p.stale = false
	}
	p.Embedding = vec
	p.LastUpdated = kb.now()
	kb.gen.Add(1)
	return nil
}

// keywordCount counts keyword matches of a specialty in text.
func (kb *KnowledgeBase) keywordCount(name, text string) int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	p, ok := kb.profiles[name]
	if !ok {
		return 0
	}
	return kb.countLocked(p, text)
}

// Matches reports whether text mentions any keyword of the specialty.
func (kb *KnowledgeBase) Matches(name, text string) bool {
	return kb.keywordCount(name, text) > 0
}

// countLocked counts pattern matches, skipping a prefix match whose whole word
// is a keyword of another specialty ("heart" inside "heartburn").
func (kb *KnowledgeBase) countLocked(p *SpecialtyProfile, text string) int {
	if p.pattern == nil {
		return 0
	}
	n := 0
	for _, loc := range p.pattern.FindAllStringIndex(text, -1) {
		end := loc[1]
		for end < len(text) && isWordByte(text[end]) {
			end++
		}
		if end > loc[1] {
			word := strings.ToLower(text[loc[0]:end])
			if owner, ok := kb.owners[word]; ok && owner != p.Name {
				continue
			}
		}
		n++
	}
	return n
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
