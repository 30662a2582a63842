package pkg

import "time"

// Session represents a consultation. It is keyed by a UUID, which is also the
// conversation identifier of the context engine.
type Session struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	MessageCap int        `json:"message_cap"`
	ClientIP   *string    `json:"client_ip,omitempty"`
	UserAgent  *string    `json:"user_agent,omitempty"`
}

// MessageRole describes who authored a message.
type MessageRole string

const (
	RolePatient MessageRole = "patient"
	RoleBot     MessageRole = "bot"
)

// MessageMetadata is stored next to bot messages.
type MessageMetadata struct {
	ContextRecovered bool     `json:"context_recovered"`
	ValidationScore  *float64 `json:"validation_score,omitempty"`
	Blocked          bool     `json:"blocked,omitempty"`
	Specialty        string   `json:"specialty,omitempty"`
	Phase            string   `json:"phase,omitempty"`
	Urgency          string   `json:"urgency,omitempty"`
}

// Message represents a chat message in a session.
type Message struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Summary holds the doctor-facing summary for a session. Structured carries
// the machine-readable analysis; KeyPoints and FreeText are for the doctor UI.
type Summary struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	KeyPoints  []string       `json:"key_points"`
	Structured map[string]any `json:"structured"`
	FreeText   string         `json:"free_text"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChatRequest represents a request to send a message from the patient.
type ChatRequest struct {
	Content string `json:"content"`
}

// ChatResponse contains the bot's reply and whether the session is
// capped due to exceeding the message limit.
type ChatResponse struct {
	Reply     string `json:"reply"`
	Capped    bool   `json:"capped"`
	Recovered bool   `json:"recovered"`
	Blocked   bool   `json:"blocked,omitempty"`
}

// ContextEvent is published whenever a session's tracked context changes.
type ContextEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}
