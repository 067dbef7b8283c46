package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pyceon-backend/internal/config"
	"pyceon-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	streamBuffer        = 64
	readChunkSize       = 4096
	maxErrorBody        = 64 << 10
)

// httpChatModel streams from a local OpenAI-compatible server. The event
// stream is decoded here rather than by the go-openai client so that
// malformed frames can be skipped instead of aborting the reply.
type httpChatModel struct {
	client      *http.Client
	endpoint    string
	model       string
	temperature float32
}

var _ einoModel.BaseChatModel = (*httpChatModel)(nil)

func newHTTPChatModel(cfg config.HTTPBackend, client *http.Client) *httpChatModel {
	return &httpChatModel{
		client:      client,
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + chatCompletionsPath,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (m *httpChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return generateFromStream(ctx, m, input, opts...)
}

func (m *httpChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	if len(input) == 0 {
		return nil, errors.New("messages[] is required")
	}
	if ctx.Err() != nil {
		return closedStream(), nil
	}

	options := einoModel.GetCommonOptions(&einoModel.Options{
		Model:       &m.model,
		Temperature: &m.temperature,
	}, opts...)

	body := openai.ChatCompletionRequest{
		Model:       *options.Model,
		Messages:    convertMessages(input),
		Stream:      true,
		Temperature: *options.Temperature,
	}
	if options.MaxTokens != nil {
		body.MaxTokens = *options.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		abandoned := ctx.Err() != nil
		cancel()
		if abandoned {
			return closedStream(), nil
		}
		return nil, newTransportError("llama-server unreachable", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, newHTTPStatusError(resp.StatusCode, string(text))
	}

	sr, sw := schema.Pipe[*schema.Message](streamBuffer)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer sw.Close()

		var decoder eventDecoder
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, data := range decoder.Feed(buf[:n]) {
					delta, done := parseDelta(data)
					if done {
						return
					}
					if delta == "" {
						continue
					}
					if closed := sw.Send(schema.AssistantMessage(delta, nil), nil); closed {
						return
					}
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) || ctx.Err() != nil {
					if pending := decoder.Buffered(); pending > 0 {
						logger.Debugf("llama-server stream ended with %d bytes of an unterminated event", pending)
					}
					return
				}
				sw.Send(nil, newTransportError("read llama-server stream", readErr))
				return
			}
		}
	}()

	return sr, nil
}

// convertMessages maps eino messages onto the OpenAI wire shape.
func convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i, msg := range messages {
		if msg == nil {
			continue
		}

		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		case schema.System:
			role = openai.ChatMessageRoleSystem
		}

		// empty assistant turns are rejected by some OpenAI-compatible servers
		if msg.Content == "" && role == openai.ChatMessageRoleAssistant {
			logger.Debugf("dropping empty assistant turn at position %d from backend context", i)
			continue
		}

		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

// closedStream is what a producer returns when its context was cancelled
// before any work started.
func closedStream() *schema.StreamReader[*schema.Message] {
	return schema.StreamReaderFromArray([]*schema.Message{})
}

// generateFromStream implements Generate for producers that only stream.
func generateFromStream(ctx context.Context, m einoModel.BaseChatModel, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	sr, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	var reply strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		reply.WriteString(chunk.Content)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply.String(), nil), nil
}
