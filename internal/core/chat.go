package core

import (
	"context"

	"go.uber.org/zap"

	"medchat/internal/llm"
	"medchat/internal/medctx"
	"medchat/internal/metrics"
	"medchat/pkg"
)

// ContextEngine is the part of the context store the chat service drives.
// *medctx.Store implements it.
type ContextEngine interface {
	Update(ctx context.Context, id, message string, role medctx.Role) (medctx.Context, error)
	SetAnalysis(ctx context.Context, id string, a medctx.Analysis) error
	Summarize(ctx context.Context, id string) medctx.Summary
	Validate(ctx context.Context, id, response string) medctx.Validation
	Corrective(ctx context.Context, id string) (string, bool)
}

// Analyzer produces the structured analysis of a conversation.
// *medctx.Analyzer implements it.
type Analyzer interface {
	Analyze(ctx context.Context, history []medctx.Turn, message string) medctx.Analysis
}

// ChatService orchestrates one patient turn: it tracks the conversation
// context, asks the model for a reply, checks the reply for topic drift and
// regenerates it once when needed.
type ChatService struct {
	LLM      llm.Client
	Context  ContextEngine
	Analyzer Analyzer
	// Relevance screens messages that pass the guard; nil accepts all.
	Relevance RelevanceScreener
	Logger    *zap.Logger
}

// NewChatService constructs a new ChatService.
func NewChatService(client llm.Client, engine ContextEngine, analyzer Analyzer, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{LLM: client, Context: engine, Analyzer: analyzer, Logger: logger}
}

// Reply is the outcome of one patient turn.
type Reply struct {
	Text       string
	Recovered  bool
	Blocked    bool
	Validation medctx.Validation
	Analysis   medctx.Analysis
	Context    medctx.Context
}

// Metadata returns what is persisted alongside the assistant message.
func (r Reply) Metadata() *pkg.MessageMetadata {
	score := r.Validation.Score
	return &pkg.MessageMetadata{
		ContextRecovered: r.Recovered,
		ValidationScore:  &score,
		Blocked:          r.Blocked,
		Specialty:        r.Context.Specialty,
		Phase:            string(r.Context.Phase),
		Urgency:          string(r.Context.Urgency),
	}
}

// Reply generates the assistant's answer to message. history holds the
// turns before message in chronological order. On a model failure a generic
// reply is returned together with the error; the reply is always usable.
func (s *ChatService) Reply(ctx context.Context, sessionID string, history []medctx.Turn, message string) (Reply, error) {
	log := s.Logger.With(zap.String("session_id", sessionID))

	if canned, blocked := Guard(message); blocked {
		log.Info("message blocked by guard")
		return Reply{Text: canned, Blocked: true, Validation: medctx.Validation{Valid: true, Score: 1}}, nil
	}
	if s.Relevance != nil {
		switch s.Relevance.Screen(ctx, history, message) {
		case Salutation:
			log.Info("message answered as a greeting")
			return Reply{Text: GreetingReply, Blocked: true, Validation: medctx.Validation{Valid: true, Score: 1}}, nil
		case OffTopic:
			log.Info("message screened as off topic")
			return Reply{Text: OffTopicReply, Blocked: true, Validation: medctx.Validation{Valid: true, Score: 1}}, nil
		}
	}

	if _, err := s.Context.Update(ctx, sessionID, message, medctx.RoleUser); err != nil {
		log.Warn("context update failed", zap.Error(err))
	}
	analysis := s.Analyzer.Analyze(ctx, history, message)
	if err := s.Context.SetAnalysis(ctx, sessionID, analysis); err != nil {
		log.Warn("failed to cache analysis", zap.Error(err))
	}

	msgs := buildMessages(BuildSystemPrompt(s.Context.Summarize(ctx, sessionID), analysis), history, message)
	out := Reply{Analysis: analysis}

	text, err := s.LLM.Chat(ctx, msgs)
	if err != nil {
		log.Error("chat completion failed", zap.Error(err))
		out.Text = FallbackReply
		out.Validation = medctx.Validation{Valid: true, Score: 1}
		out.Context = s.recordAssistant(ctx, log, sessionID, out.Text)
		return out, &medctx.Error{Kind: medctx.KindGeneration, Op: "chat", Err: err}
	}
	out.Text = CleanResponse(text)
	if out.Text == "" {
		out.Text = FallbackReply
	}

	out.Validation = s.Context.Validate(ctx, sessionID, out.Text)
	if !out.Validation.Valid {
		out.Text, out.Recovered = s.refocus(ctx, log, sessionID, msgs, out.Text)
	}

	out.Context = s.recordAssistant(ctx, log, sessionID, out.Text)
	return out, nil
}

// refocus makes a single corrective call for a drifted reply. It returns the
// original text when recovery is skipped or fails.
func (s *ChatService) refocus(ctx context.Context, log *zap.Logger, sessionID string, msgs []llm.Message, drifted string) (string, bool) {
	instruction, ok := s.Context.Corrective(ctx, sessionID)
	if !ok {
		metrics.Recoveries.WithLabelValues("skipped").Inc()
		return drifted, false
	}

	retry := append(msgs[:len(msgs):len(msgs)],
		llm.Message{Role: llm.RoleAssistant, Content: drifted},
		llm.Message{Role: llm.RoleSystem, Content: instruction},
	)
	text, err := s.LLM.Chat(ctx, retry)
	if err != nil {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		log.Warn("corrective regeneration failed", zap.Error(err))
		return drifted, false
	}
	text = CleanResponse(text)
	if text == "" {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		return drifted, false
	}
	metrics.Recoveries.WithLabelValues("recovered").Inc()
	log.Info("reply regenerated after topic drift")
	return text, true
}

func (s *ChatService) recordAssistant(ctx context.Context, log *zap.Logger, sessionID, text string) medctx.Context {
	snap, err := s.Context.Update(ctx, sessionID, text, medctx.RoleAssistant)
	if err != nil {
		log.Warn("context update failed", zap.Error(err))
	}
	return snap
}

func buildMessages(system string, history []medctx.Turn, message string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == medctx.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
}

// TurnsFromMessages converts persisted messages to engine turns.
func TurnsFromMessages(msgs []pkg.Message) []medctx.Turn {
	turns := make([]medctx.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := medctx.RoleUser
		if m.Role == pkg.RoleBot {
			role = medctx.RoleAssistant
		}
		turns = append(turns, medctx.Turn{Role: role, Content: m.Content})
	}
	return turns
}
