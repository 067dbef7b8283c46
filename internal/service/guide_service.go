package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"pyceon-backend/internal/audit"
	"pyceon-backend/internal/config"
	"pyceon-backend/internal/model"
	"pyceon-backend/internal/storage"
	"pyceon-backend/internal/telemetry"
	"pyceon-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClientGone is returned by Relay when the request context ended before
// the backend finished.
var ErrClientGone = errors.New("client disconnected")

// ValidationError is a request the gateway refuses before touching any
// session state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Turn is one accepted request: the resolved session and the frozen context
// sent to the backend.
type Turn struct {
	SessionID string
	Messages  []*schema.Message

	session *storage.Session
	started time.Time
}

type GuideService struct {
	store        storage.SessionStore
	chatModel    einoModel.BaseChatModel
	audit        audit.Logger
	telemetry    *telemetry.Telemetry
	systemPrompt string
	maxMessages  int
}

func NewGuideService(store storage.SessionStore, chatModel einoModel.BaseChatModel, auditLogger audit.Logger, tel *telemetry.Telemetry, cfg config.GuideConfig) *GuideService {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = storage.DefaultMaxMessages
	}
	return &GuideService{
		store:        store,
		chatModel:    chatModel,
		audit:        auditLogger,
		telemetry:    tel,
		systemPrompt: cfg.SystemPrompt,
		maxMessages:  maxMessages,
	}
}

func (s *GuideService) SessionCount() int {
	return s.store.Count()
}

// Begin validates the request, resolves the session, records the user
// message and freezes the backend context.
func (s *GuideService) Begin(req model.GuideRequest) (*Turn, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &ValidationError{Reason: "message is required"}
	}

	sessionID, session := s.store.GetOrCreate(req.SessionID)
	if _, err := s.store.Append(session, model.RoleUser, req.Message, s.maxMessages); err != nil {
		return nil, err
	}

	history := s.store.Snapshot(session)
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(s.systemPrompt))
	for _, m := range history {
		messages = append(messages, toSchemaMessage(m))
	}

	s.audit.LogEvent(sessionID, "user_message", map[string]any{
		"chars":   len(req.Message),
		"history": len(history),
	})

	return &Turn{
		SessionID: sessionID,
		Messages:  messages,
		session:   session,
		started:   time.Now(),
	}, nil
}

// Relay opens the backend stream for turn and hands every fragment to emit
// in order. A nil emit only accumulates. The assistant reply is persisted
// only when the stream completes while ctx is still live. An emit error is
// treated as the client going away.
func (s *GuideService) Relay(ctx context.Context, turn *Turn, mode string, emit func(string) error) (string, error) {
	ctx, span := s.telemetry.Tracer.Start(ctx, "guide.relay")
	span.SetAttributes(attribute.String("session.id", turn.SessionID), attribute.String("guide.mode", mode))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logger.WithFields(logrus.Fields{"sessionId": turn.SessionID, "mode": mode})
	defer func() {
		s.telemetry.RecordDuration(context.WithoutCancel(ctx), mode, time.Since(turn.started))
	}()

	stream, err := s.chatModel.Stream(ctx, turn.Messages)
	if err != nil {
		return "", s.fail(ctx, turn, log, span, err)
	}
	defer stream.Close()

	var reply strings.Builder
	fragments := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", s.gone(ctx, turn, log, fragments)
			}
			return "", s.fail(ctx, turn, log, span, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		reply.WriteString(chunk.Content)
		fragments++
		s.telemetry.RecordFragment(ctx)
		if emit != nil {
			if err := emit(chunk.Content); err != nil {
				cancel()
				return "", s.gone(ctx, turn, log, fragments)
			}
		}
	}

	if ctx.Err() != nil {
		return "", s.gone(ctx, turn, log, fragments)
	}

	text := reply.String()
	if _, err := s.store.Append(turn.session, model.RoleAssistant, text, s.maxMessages); err != nil {
		return "", err
	}
	s.audit.LogEvent(turn.SessionID, "assistant_message", map[string]any{
		"chars":     len(text),
		"fragments": fragments,
		"elapsedMs": time.Since(turn.started).Milliseconds(),
	})
	log.Debugf("completed with %d fragments", fragments)
	return text, nil
}

// Guide runs one aggregate turn.
func (s *GuideService) Guide(ctx context.Context, req model.GuideRequest, mode string) (string, string, error) {
	turn, err := s.Begin(req)
	if err != nil {
		return "", "", err
	}
	reply, err := s.Relay(ctx, turn, mode, nil)
	return turn.SessionID, reply, err
}

func (s *GuideService) gone(ctx context.Context, turn *Turn, log *logrus.Entry, fragments int) error {
	s.telemetry.RecordDisconnect(context.WithoutCancel(ctx))
	s.audit.LogEvent(turn.SessionID, "disconnect", map[string]any{"fragments": fragments})
	log.Infof("client disconnected after %d fragments", fragments)
	return ErrClientGone
}

func (s *GuideService) fail(ctx context.Context, turn *Turn, log *logrus.Entry, span trace.Span, err error) error {
	if ctx.Err() != nil {
		return s.gone(ctx, turn, log, 0)
	}
	s.telemetry.RecordBackendError(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.audit.LogEvent(turn.SessionID, "error", map[string]any{"error": err.Error()})
	log.Errorf("generation failed: %v", err)
	return err
}

func toSchemaMessage(m model.Message) *schema.Message {
	switch m.Role {
	case model.RoleAssistant:
		return schema.AssistantMessage(m.Content, nil)
	case model.RoleSystem:
		return schema.SystemMessage(m.Content)
	default:
		return schema.UserMessage(m.Content)
	}
}
