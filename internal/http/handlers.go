package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medchat/internal/core"
	"medchat/internal/db"
	"medchat/internal/medctx"
	"medchat/pkg"
)

// Repository is the persistence used by the handlers. *db.Repository
// implements it.
type Repository interface {
	CreateSession(ctx context.Context, messageCap int, clientIP, userAgent *string) (*pkg.Session, error)
	GetSession(ctx context.Context, sessionID string) (*pkg.Session, error)
	CreateMessage(ctx context.Context, sessionID string, role pkg.MessageRole, content string, metadata *pkg.MessageMetadata) (*pkg.Message, error)
	GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error)
	CountPatientMessages(ctx context.Context, sessionID string) (int, error)
	UpsertSummary(ctx context.Context, s *pkg.Summary) error
	GetSummary(ctx context.Context, sessionID string) (*pkg.Summary, error)
}

// Notifier publishes and subscribes to context updates. *db.Notifier
// implements it.
type Notifier interface {
	Notify(ctx context.Context, sessionID string) error
	Listen(ctx context.Context) (<-chan string, error)
}

// ContextView is the read and reset side of the context store.
// *medctx.Store implements it.
type ContextView interface {
	FrontendProjection(ctx context.Context, id string) medctx.Projection
	Summarize(ctx context.Context, id string) medctx.Summary
	GetAnalysis(ctx context.Context, id string) (medctx.Analysis, bool)
	Clear(ctx context.Context, id string) error
}

// Chat generates replies and suggestions. *core.ChatService implements it.
type Chat interface {
	Reply(ctx context.Context, sessionID string, history []medctx.Turn, message string) (core.Reply, error)
	Suggestions(ctx context.Context, sum medctx.Summary) ([]string, error)
}

// Server bundles together the dependencies required by HTTP handlers. It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Repo       Repository
	Chat       Chat
	Context    ContextView
	Summarizer *core.Summarizer
	Notifier   Notifier
	MessageCap int
	Logger     *zap.Logger

	router chi.Router
}

// NewServer constructs a Server and its routes.
func NewServer(repo Repository, chat Chat, view ContextView, summarizer *core.Summarizer, notifier Notifier, messageCap int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Repo:       repo,
		Chat:       chat,
		Context:    view,
		Summarizer: summarizer,
		Notifier:   notifier,
		MessageCap: messageCap,
		Logger:     logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/messages", s.handlePostMessage)
			r.Get("/messages", s.handleTranscript)
			r.Get("/context", s.handleContext)
			r.Delete("/context", s.handleClearContext)
			r.Get("/context/summary", s.handleContextSummary)
			r.Get("/context/stream", s.handleContextStream)
			r.Get("/analysis", s.handleAnalysis)
			r.Get("/summary", s.handleSummary)
			r.Get("/suggestions", s.handleSuggestions)
		})
	})
	return r
}

// handleCreateSession creates a new anonymous session and stores the
// greeting as its first message.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var clientIP, userAgent *string
	if ip := r.RemoteAddr; ip != "" {
		clientIP = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		userAgent = &ua
	}
	sess, err := s.Repo.CreateSession(ctx, s.MessageCap, clientIP, userAgent)
	if err != nil {
		s.internalError(w, r, "create session", err)
		return
	}
	if _, err := s.Repo.CreateMessage(ctx, sess.ID, pkg.RoleBot, core.FirstMessage, nil); err != nil {
		s.internalError(w, r, "store greeting", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"message":    core.FirstMessage,
	})
}

type messageResponse struct {
	pkg.ChatResponse
	Context medctx.Projection `json:"context"`
}

// handlePostMessage processes a patient message: it enforces the message
// cap, persists both turns, refreshes the doctor summary and notifies
// listeners of the context change.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	log := s.Logger.With(zap.String("session_id", sessionID))

	var req pkg.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	sess, ok := s.loadSession(w, r, sessionID)
	if !ok {
		return
	}
	if sess.ClosedAt != nil {
		http.Error(w, "session closed", http.StatusConflict)
		return
	}

	count, err := s.Repo.CountPatientMessages(ctx, sessionID)
	if err != nil {
		s.internalError(w, r, "count messages", err)
		return
	}
	if count >= sess.MessageCap {
		if _, err := s.Repo.CreateMessage(ctx, sessionID, pkg.RoleBot, core.CapMessage, nil); err != nil {
			log.Warn("failed to store cap message", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, messageResponse{
			ChatResponse: pkg.ChatResponse{Reply: core.CapMessage, Capped: true},
			Context:      s.Context.FrontendProjection(ctx, sessionID),
		})
		return
	}

	transcript, err := s.Repo.GetTranscript(ctx, sessionID)
	if err != nil {
		s.internalError(w, r, "load transcript", err)
		return
	}
	if _, err := s.Repo.CreateMessage(ctx, sessionID, pkg.RolePatient, content, nil); err != nil {
		s.internalError(w, r, "store patient message", err)
		return
	}

	reply, err := s.Chat.Reply(ctx, sessionID, core.TurnsFromMessages(transcript), content)
	if err != nil {
		// the reply is still usable
		log.Warn("reply degraded", zap.Error(err))
	}
	if _, err := s.Repo.CreateMessage(ctx, sessionID, pkg.RoleBot, reply.Text, reply.Metadata()); err != nil {
		s.internalError(w, r, "store bot message", err)
		return
	}

	if !reply.Blocked {
		summary := s.Summarizer.Summarize(sessionID, reply.Context, reply.Analysis)
		if err := s.Repo.UpsertSummary(ctx, summary); err != nil {
			log.Warn("failed to upsert summary", zap.Error(err))
		} else if err := s.Notifier.Notify(ctx, sessionID); err != nil {
			log.Warn("failed to notify context update", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, messageResponse{
		ChatResponse: pkg.ChatResponse{
			Reply:     reply.Text,
			Recovered: reply.Recovered,
			Blocked:   reply.Blocked,
		},
		Context: s.Context.FrontendProjection(ctx, sessionID),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadSession(w, r, sessionID); !ok {
		return
	}
	transcript, err := s.Repo.GetTranscript(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, r, "load transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

// handleContext returns the UI projection of the tracked context.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Context.FrontendProjection(r.Context(), sessionID))
}

func (s *Server) handleContextSummary(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Context.Summarize(r.Context(), sessionID))
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if err := s.Context.Clear(ctx, sessionID); err != nil {
		s.internalError(w, r, "clear context", err)
		return
	}
	if err := s.Notifier.Notify(ctx, sessionID); err != nil {
		s.Logger.Warn("failed to notify context reset", zap.String("session_id", sessionID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnalysis returns the brief of the cached analysis.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	a, found := s.Context.GetAnalysis(r.Context(), sessionID)
	if !found {
		http.Error(w, "no analysis yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.Brief())
}

// handleSummary returns the doctor-facing summary.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	summary, err := s.Repo.GetSummary(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, r, "load summary", err)
		return
	}
	if summary == nil {
		http.Error(w, "no summary yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleSuggestions proposes next messages for the patient. A model failure
// still answers with the default list.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	list, err := s.Chat.Suggestions(ctx, s.Context.Summarize(ctx, sessionID))
	if err != nil {
		s.Logger.Warn("suggestions fell back to defaults", zap.String("session_id", sessionID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string][]string{"suggestions": list})
}

type contextEvent struct {
	pkg.ContextEvent
	Context medctx.Projection `json:"context"`
}

// handleContextStream streams context updates of one session using SSE. The
// current projection is sent first, then one event per notification until
// the client disconnects.
func (s *Server) handleContextStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, err := s.Notifier.Listen(ctx)
	if err != nil {
		s.internalError(w, r, "listen for updates", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := s.sendContextEvent(ctx, w, sessionID); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case id, open := <-updates:
			if !open {
				return
			}
			if id != sessionID {
				continue
			}
			if err := s.sendContextEvent(ctx, w, sessionID); err != nil {
				s.Logger.Debug("context stream closed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) sendContextEvent(ctx context.Context, w http.ResponseWriter, sessionID string) error {
	proj := s.Context.FrontendProjection(ctx, sessionID)
	ev := contextEvent{
		ContextEvent: pkg.ContextEvent{Type: "context_update", SessionID: sessionID, At: time.Now().UTC()},
		Context:      proj,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: context_update\ndata: %s\n\n", data)
	return err
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request, sessionID string) (*pkg.Session, bool) {
	sess, err := s.Repo.GetSession(r.Context(), sessionID)
	if errors.Is(err, db.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, "load session", err)
		return nil, false
	}
	return sess, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.Logger.Error(op+" failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// sessionParam extracts and validates the {id} route parameter.
func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return "", false
	}
	return id.String(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
