package medctx

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Phase is the conversation's position in the care pipeline.
type Phase string

const (
	PhaseInitial    Phase = "initial"
	PhaseAssessment Phase = "assessment"
	PhaseDiagnosis  Phase = "diagnosis"
	PhaseTreatment  Phase = "treatment"
	PhaseFollowup   Phase = "followup"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitial, PhaseAssessment, PhaseDiagnosis, PhaseTreatment, PhaseFollowup:
		return true
	}
	return false
}

// ParsePhase converts free text to a phase, defaulting to initial.
func ParsePhase(s string) Phase {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if strings.ReplaceAll(string(p), "-", "") == string(PhaseFollowup) || p == "follow up" {
		return PhaseFollowup
	}
	if p.Valid() {
		return p
	}
	return PhaseInitial
}

// Urgency is an ordinal severity signal: normal < urgent < emergency.
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// Rank returns the ordinal of u; unknown values rank as normal.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyUrgent:
		return 1
	case UrgencyEmergency:
		return 2
	}
	return 0
}

// Valid reports whether u is one of the known levels.
func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyEmergency
}

// ParseUrgency converts free text to an urgency level. Synonyms used by models
// ("high", "critical") are folded in; anything else is normal.
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emergency", "critical":
		return UrgencyEmergency
	case "urgent", "high":
		return UrgencyUrgent
	}
	return UrgencyNormal
}

func maxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func lowerUrgency(u Urgency) Urgency {
	switch u {
	case UrgencyEmergency:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// Role identifies the sender of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one read-only entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StringSet is an insertion-ordered, case-insensitively deduplicated set.
type StringSet []string

// Add inserts items that are not yet present and reports how many were added.
func (s *StringSet) Add(items ...string) int {
	added := 0
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || s.Contains(item) {
			continue
		}
		*s = append(*s, item)
		added++
	}
	return added
}

// Contains reports whether item is present, ignoring case.
func (s StringSet) Contains(item string) bool {
	for _, v := range s {
		if strings.EqualFold(v, item) {
			return true
		}
	}
	return false
}

// PatientInfo carries optional demographics.
type PatientInfo struct {
	Age    *int    `json:"age,omitempty"`
	Gender *string `json:"gender,omitempty"`
}

// MedicalContext accumulates clinical entities. Sets only grow.
type MedicalContext struct {
	PatientInfo      PatientInfo `json:"patient_info"`
	CurrentCondition string      `json:"current_condition,omitempty"`
	Symptoms         StringSet   `json:"symptoms"`
	Medications      StringSet   `json:"medications"`
	LabResults       StringSet   `json:"lab_results"`
	Imaging          StringSet   `json:"imaging"`
	Diagnoses        StringSet   `json:"diagnoses"`
	Procedures       StringSet   `json:"procedures"`
}

// TopicSwitch records the topic that was active before a switch.
type TopicSwitch struct {
	Topic                string    `json:"topic"`
	SubTopic             string    `json:"sub_topic,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
	MessageCountAtSwitch int       `json:"message_count_at_switch"`
}

// Context is the per-conversation state record. Empty Topic/SubTopic mean unset.
type Context struct {
	ConversationID    string         `json:"conversation_id"`
	CurrentTopic      string         `json:"current_topic,omitempty"`
	SubTopic          string         `json:"sub_topic,omitempty"`
	TopicHistory      []TopicSwitch  `json:"topic_history"`
	Medical           MedicalContext `json:"medical_context"`
	Phase             Phase          `json:"conversation_phase"`
	Urgency           Urgency        `json:"urgency"`
	Specialty         string         `json:"specialty"`
	Score             float64        `json:"context_score"`
	MessageCount      int            `json:"message_count"`
	LastUpdated       time.Time      `json:"last_updated"`
	LastContextSwitch time.Time      `json:"last_context_switch,omitempty"`
	QuietMessages     int            `json:"quiet_messages,omitempty"`
	Analysis          *Analysis      `json:"dynamic_context_snapshot,omitempty"`
}

// NewContext returns a default-initialised context.
func NewContext(id string, now time.Time) *Context {
	return &Context{
		ConversationID: id,
		TopicHistory:   []TopicSwitch{},
		Phase:          PhaseInitial,
		Urgency:        UrgencyNormal,
		Specialty:      DefaultSpecialty,
		Score:          1,
		LastUpdated:    now,
	}
}

// repair resets any field that a corrupted or partially written record left
// outside its domain.
func (c *Context) repair() {
	if c.TopicHistory == nil {
		c.TopicHistory = []TopicSwitch{}
	}
	if !c.Phase.Valid() {
		c.Phase = PhaseInitial
	}
	if !c.Urgency.Valid() {
		c.Urgency = UrgencyNormal
	}
	if c.Specialty == "" {
		c.Specialty = DefaultSpecialty
	}
	if c.MessageCount < 0 {
		c.MessageCount = 0
	}
	c.Score = clamp01(c.Score)
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	out := *c
	out.TopicHistory = slices.Clone(c.TopicHistory)
	if out.TopicHistory == nil {
		out.TopicHistory = []TopicSwitch{}
	}
	out.Medical = c.Medical.clone()
	if c.Analysis != nil {
		a := c.Analysis.clone()
		out.Analysis = &a
	}
	return &out
}

func (m MedicalContext) clone() MedicalContext {
	out := m
	if m.PatientInfo.Age != nil {
		age := *m.PatientInfo.Age
		out.PatientInfo.Age = &age
	}
	if m.PatientInfo.Gender != nil {
		g := *m.PatientInfo.Gender
		out.PatientInfo.Gender = &g
	}
	out.Symptoms = slices.Clone(m.Symptoms)
	out.Medications = slices.Clone(m.Medications)
	out.LabResults = slices.Clone(m.LabResults)
	out.Imaging = slices.Clone(m.Imaging)
	out.Diagnoses = slices.Clone(m.Diagnoses)
	out.Procedures = slices.Clone(m.Procedures)
	return out
}

// Summary is the DTO used to build the model instruction.
type Summary struct {
	Topic        string         `json:"topic,omitempty"`
	SubTopic     string         `json:"sub_topic,omitempty"`
	Medical      MedicalContext `json:"medical_context"`
	Phase        Phase          `json:"phase"`
	Urgency      Urgency        `json:"urgency"`
	Specialty    string         `json:"specialty"`
	Score        float64        `json:"score"`
	MessageCount int            `json:"message_count"`
}

// Projection is the reduced, UI-safe view of a context.
type Projection struct {
	Topic        string  `json:"topic,omitempty"`
	Condition    string  `json:"condition,omitempty"`
	Phase        Phase   `json:"phase"`
	Score        int     `json:"score"`
	Urgency      Urgency `json:"urgency"`
	Specialty    string  `json:"specialty"`
	MessageCount int     `json:"message_count"`
}

// Validation is the drift verdict for a generated response.
type Validation struct {
	Valid bool    `json:"valid"`
	Score float64 `json:"score"`
}

func (c *Context) summary() Summary {
	return Summary{
		Topic:        c.CurrentTopic,
		SubTopic:     c.SubTopic,
		Medical:      c.Medical.clone(),
		Phase:        c.Phase,
		Urgency:      c.Urgency,
		Specialty:    c.Specialty,
		Score:        c.Score,
		MessageCount: c.MessageCount,
	}
}

func (c *Context) projection() Projection {
	return Projection{
		Topic:        c.CurrentTopic,
		Condition:    c.Medical.CurrentCondition,
		Phase:        c.Phase,
		Score:        int(math.Round(clamp01(c.Score) * 100)),
		Urgency:      c.Urgency,
		Specialty:    c.Specialty,
		MessageCount: c.MessageCount,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
