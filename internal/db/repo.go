package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"medchat/pkg"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Repository wraps database operations for sessions, messages and summaries.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

// CreateSession inserts a new session with a fresh UUID.
func (r *Repository) CreateSession(ctx context.Context, messageCap int, clientIP, userAgent *string) (*pkg.Session, error) {
	s := pkg.Session{
		ID:         uuid.NewString(),
		MessageCap: messageCap,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
	}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (id, message_cap, client_ip, user_agent)
         VALUES ($1, $2, $3, $4)
         RETURNING created_at`,
		s.ID, s.MessageCap, clientIP, userAgent,
	).Scan(&s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &s, nil
}

// GetSession loads a session by ID.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	var s pkg.Session
	var closedAt sql.NullTime
	var clientIP, userAgent sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, created_at, closed_at, message_cap, client_ip, user_agent
         FROM sessions
         WHERE id = $1`,
		sessionID,
	).Scan(&s.ID, &s.CreatedAt, &closedAt, &s.MessageCap, &clientIP, &userAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	if clientIP.Valid {
		s.ClientIP = &clientIP.String
	}
	if userAgent.Valid {
		s.UserAgent = &userAgent.String
	}
	return &s, nil
}

// CreateMessage stores a new message. metadata may be nil.
func (r *Repository) CreateMessage(ctx context.Context, sessionID string, role pkg.MessageRole, content string, metadata *pkg.MessageMetadata) (*pkg.Message, error) {
	// lib/pq sends []byte as bytea, so JSON goes over the wire as text
	var raw any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode message metadata: %w", err)
		}
		raw = string(b)
	}
	m := pkg.Message{SessionID: sessionID, Metadata: metadata}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, role, content, metadata)
         VALUES ($1, $2, $3, $4)
         RETURNING id, role, content, created_at`,
		sessionID, role, content, raw,
	).Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

// GetTranscript returns all messages of a session ordered by creation time.
func (r *Repository) GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata, created_at
         FROM messages
         WHERE session_id = $1
         ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	transcript := []pkg.Message{}
	for rows.Next() {
		var m pkg.Message
		var raw []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var md pkg.MessageMetadata
			if err := json.Unmarshal(raw, &md); err != nil {
				return nil, fmt.Errorf("decode metadata of message %d: %w", m.ID, err)
			}
			m.Metadata = &md
		}
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

// CountPatientMessages counts the patient messages of a session for
// message-cap enforcement.
func (r *Repository) CountPatientMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*)
         FROM messages
         WHERE session_id = $1 AND role = 'patient'`,
		sessionID,
	).Scan(&count)
	return count, err
}

// UpsertSummary creates or replaces the summary of a session.
func (r *Repository) UpsertSummary(ctx context.Context, s *pkg.Summary) error {
	structured, err := json.Marshal(s.Structured)
	if err != nil {
		return fmt.Errorf("encode structured summary: %w", err)
	}
	keyPoints := s.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	return r.DB.QueryRowContext(ctx,
		`INSERT INTO summaries (session_id, key_points, structured, free_text, updated_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (session_id) DO UPDATE
         SET key_points = EXCLUDED.key_points,
             structured = EXCLUDED.structured,
             free_text  = EXCLUDED.free_text,
             updated_at = EXCLUDED.updated_at
         RETURNING id`,
		s.SessionID, pq.Array(keyPoints), string(structured), s.FreeText, s.UpdatedAt,
	).Scan(&s.ID)
}

// GetSummary returns the summary of a session, or nil when none exists yet.
func (r *Repository) GetSummary(ctx context.Context, sessionID string) (*pkg.Summary, error) {
	var s pkg.Summary
	var structured []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, session_id, key_points, structured, free_text, updated_at
         FROM summaries
         WHERE session_id = $1`,
		sessionID,
	).Scan(&s.ID, &s.SessionID, pq.Array(&s.KeyPoints), &structured, &s.FreeText, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(structured, &s.Structured); err != nil {
		return nil, fmt.Errorf("decode structured summary: %w", err)
	}
	return &s, nil
}
