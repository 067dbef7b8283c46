package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/internal/model"
	"pyceon-backend/internal/storage"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModel streams fixed fragments, then optionally fails or blocks until
// the context ends.
type stubModel struct {
	fragments []string
	failWith  error
	openErr   error
	block     bool

	mu   sync.Mutex
	seen [][]*schema.Message
}

func (m *stubModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *stubModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.seen = append(m.seen, input)
	m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}
	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		for _, f := range m.fragments {
			if closed := sw.Send(schema.AssistantMessage(f, nil), nil); closed {
				return
			}
		}
		if m.block {
			<-ctx.Done()
			return
		}
		if m.failWith != nil {
			sw.Send(nil, m.failWith)
		}
	}()
	return sr, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAudit) LogEvent(sessionID, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func newTestService(m *stubModel) (*GuideService, *storage.MemoryStorage, *recordingAudit) {
	store := storage.NewMemoryStorage()
	rec := &recordingAudit{}
	svc := NewGuideService(store, m, rec, nil, config.GuideConfig{
		SystemPrompt: "You are a helpful assistant. Be concise.",
		MaxMessages:  20,
	})
	return svc, store, rec
}

func TestBegin_RejectsBlankMessageWithoutSideEffects(t *testing.T) {
	svc, store, _ := newTestService(&stubModel{})

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := svc.Begin(model.GuideRequest{Message: msg})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "message is required", verr.Reason)
	}
	assert.Zero(t, store.Count())
}

func TestBegin_BuildsContextWithSystemPrompt(t *testing.T) {
	svc, _, _ := newTestService(&stubModel{})

	turn, err := svc.Begin(model.GuideRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Len(t, turn.SessionID, 32)
	require.Len(t, turn.Messages, 2)
	assert.Equal(t, schema.System, turn.Messages[0].Role)
	assert.Equal(t, "You are a helpful assistant. Be concise.", turn.Messages[0].Content)
	assert.Equal(t, schema.User, turn.Messages[1].Role)
	assert.Equal(t, "hello", turn.Messages[1].Content)
}

func TestRelay_PersistsReplyOnCompletion(t *testing.T) {
	stub := &stubModel{fragments: []string{"Hel", "lo"}}
	svc, store, rec := newTestService(stub)

	turn, err := svc.Begin(model.GuideRequest{Message: "hi"})
	require.NoError(t, err)

	var emitted []string
	reply, err := svc.Relay(context.Background(), turn, "sse", func(f string) error {
		emitted = append(emitted, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, []string{"Hel", "lo"}, emitted)

	_, session := store.GetOrCreate(turn.SessionID)
	history := store.Snapshot(session)
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello", history[1].Content)
	assert.Equal(t, []string{"user_message", "assistant_message"}, rec.events)
}

func TestRelay_SecondTurnSeesHistory(t *testing.T) {
	stub := &stubModel{fragments: []string{"ok"}}
	svc, _, _ := newTestService(stub)

	id, _, err := svc.Guide(context.Background(), model.GuideRequest{Message: "first"}, "json")
	require.NoError(t, err)
	_, _, err = svc.Guide(context.Background(), model.GuideRequest{Message: "second", SessionID: id}, "json")
	require.NoError(t, err)

	require.Len(t, stub.seen, 2)
	second := stub.seen[1]
	require.Len(t, second, 4)
	assert.Equal(t, "first", second[1].Content)
	assert.Equal(t, "ok", second[2].Content)
	assert.Equal(t, "second", second[3].Content)
}

func TestRelay_BackendErrorIsNotPersisted(t *testing.T) {
	backendErr := &model.BackendError{Status: 500, Cause: "llama-server error 500: boom"}
	svc, store, rec := newTestService(&stubModel{fragments: []string{"par"}, failWith: backendErr})

	turn, err := svc.Begin(model.GuideRequest{Message: "hi"})
	require.NoError(t, err)

	_, err = svc.Relay(context.Background(), turn, "json", nil)
	assert.ErrorIs(t, err, backendErr)

	_, session := store.GetOrCreate(turn.SessionID)
	assert.Len(t, store.Snapshot(session), 1)
	assert.Contains(t, rec.events, "error")
}

func TestRelay_OpenErrorIsReturned(t *testing.T) {
	openErr := &model.BackendError{Cause: "llama-server unreachable"}
	svc, _, _ := newTestService(&stubModel{openErr: openErr})

	_, _, err := svc.Guide(context.Background(), model.GuideRequest{Message: "hi"}, "json")
	assert.True(t, model.IsBackendError(err))
}

func TestRelay_CancellationSkipsPersistence(t *testing.T) {
	svc, store, rec := newTestService(&stubModel{fragments: []string{"a"}, block: true})

	turn, err := svc.Begin(model.GuideRequest{Message: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Relay(ctx, turn, "raw", func(string) error {
			got <- struct{}{}
			return nil
		})
		done <- err
	}()

	<-got
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientGone)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}

	_, session := store.GetOrCreate(turn.SessionID)
	assert.Len(t, store.Snapshot(session), 1)
	assert.Contains(t, rec.events, "disconnect")
}

func TestRelay_EmitFailureStopsStream(t *testing.T) {
	svc, store, _ := newTestService(&stubModel{fragments: []string{"a", "b", "c"}})

	turn, err := svc.Begin(model.GuideRequest{Message: "hi"})
	require.NoError(t, err)

	calls := 0
	_, err = svc.Relay(context.Background(), turn, "raw", func(string) error {
		calls++
		return errors.New("broken pipe")
	})
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, 1, calls)

	_, session := store.GetOrCreate(turn.SessionID)
	assert.Len(t, store.Snapshot(session), 1)
}
