package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/internal/utils"
	"pyceon-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/sirupsen/logrus"
)

// NewChatModel builds the token producer selected by cfg.Kind.
func NewChatModel(ctx context.Context, cfg config.BackendConfig) (einoModel.BaseChatModel, error) {
	switch cfg.Kind {
	case config.BackendHTTP, "":
		logger.Infof("Using llama-server at %s, model: %s", cfg.HTTP.BaseURL, cfg.HTTP.Model)
		client := newStreamingClient(cfg.HTTP.HeaderTimeout, cfg.DebugRequest)
		return newHTTPChatModel(cfg.HTTP, client), nil
	case config.BackendProcess:
		logger.Infof("Using model process %s with %s", cfg.Process.Bin, cfg.Process.ModelPath)
		return newProcessChatModel(cfg.Process)
	case config.BackendQwen:
		return createQwenModel(ctx, cfg.Qwen, cfg.DebugRequest)
	case config.BackendArk:
		return createArkModel(ctx, cfg.Ark)
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Kind)
	}
}

// newStreamingClient bounds only the wait for response headers, so long
// generations are never cut off mid-stream.
func newStreamingClient(headerTimeout time.Duration, debug bool) *http.Client {
	client := utils.NewStreamingHTTPClient(headerTimeout)
	client.Transport = NewDebugTransport(client.Transport, debug)
	return client
}

func createQwenModel(ctx context.Context, cfg config.QwenConfig, debug bool) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Qwen model: %s, BaseURL: %s, API key: %s", cfg.Model, cfg.BaseURL, maskKey(cfg.APIKey))

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &cfg.MaxTokens,
		Temperature: &cfg.Temperature,
		TopP:        &cfg.TopP,
		HTTPClient:  newStreamingClient(cfg.HeaderTimeout, debug),
	})
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}
	return &remoteChatModel{name: "qwen", inner: chatModel}, nil
}

func createArkModel(ctx context.Context, cfg config.ArkConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Ark model: %s, API key: %s", cfg.Model, maskKey(cfg.APIKey))

	arkCfg := &ark.ChatModelConfig{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: &cfg.MaxTokens,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	}
	if cfg.BaseURL != "" {
		arkCfg.BaseURL = cfg.BaseURL
	}

	chatModel, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("create ark model: %w", err)
	}
	return &remoteChatModel{name: "ark", inner: chatModel}, nil
}

func maskKey(key string) string {
	if len(key) > 10 {
		return key[:10] + "..."
	}
	if key == "" {
		return "(empty)"
	}
	return "***"
}

var sensitiveHeaders = []string{"authorization", "x-api-key", "x-auth-token", "cookie"}

var sensitiveJSONField = regexp.MustCompile(`(?i)("(?:api_key|apikey|password|secret|token)"\s*:\s*)"[^"]*"`)

// DebugTransport logs outgoing POST requests with credentials redacted.
type DebugTransport struct {
	base         http.RoundTripper
	debugEnabled bool
	log          *logrus.Entry
}

func NewDebugTransport(base http.RoundTripper, debugEnabled bool) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{
		base:         base,
		debugEnabled: debugEnabled,
		log:          logger.WithFields(logrus.Fields{"component": "backend-debug"}),
	}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.debugEnabled && req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil && t.debugEnabled {
		t.log.Errorf("request failed: %v", err)
	}
	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	t.log.Debugf("%s %s", req.Method, req.URL.String())
	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			t.log.Debugf("  %s: [REDACTED]", name)
		} else {
			t.log.Debugf("  %s: %s", name, strings.Join(values, ", "))
		}
	}

	if req.Body == nil {
		return
	}
	bodyBytes, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		t.log.Errorf("read request body: %v", err)
		return
	}
	// restore the body for the real round trip
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	if len(bodyBytes) == 0 {
		t.log.Debug("body: (empty)")
		return
	}
	t.log.Debugf("body (%d bytes): %s", len(bodyBytes), RedactJSON(string(bodyBytes)))
}

// RedactJSON replaces the values of credential-like fields.
func RedactJSON(body string) string {
	return sensitiveJSONField.ReplaceAllString(body, `$1"[REDACTED]"`)
}

func isSensitiveHeader(name string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}
