package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"pyceon-backend/internal/config"
	"pyceon-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultStderrTail = 4000

// processChatModel spawns a llama.cpp style binary per request and relays its
// stdout as the token stream.
type processChatModel struct {
	bin         string
	modelPath   string
	nPredict    int
	temperature float32
	stderrTail  int
	killGrace   time.Duration
}

var _ einoModel.BaseChatModel = (*processChatModel)(nil)

func newProcessChatModel(cfg config.ProcessBackend) (*processChatModel, error) {
	if cfg.Bin == "" {
		return nil, errors.New("LLAMA_BIN env var not set")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("MODEL_PATH env var not set")
	}

	m := &processChatModel{
		bin:         cfg.Bin,
		modelPath:   cfg.ModelPath,
		nPredict:    cfg.NPredict,
		temperature: cfg.Temperature,
		stderrTail:  cfg.StderrTail,
		killGrace:   cfg.KillGrace,
	}
	if m.nPredict <= 0 {
		m.nPredict = 512
	}
	if m.stderrTail <= 0 {
		m.stderrTail = defaultStderrTail
	}
	if m.killGrace <= 0 {
		m.killGrace = 3 * time.Second
	}
	return m, nil
}

func (m *processChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return generateFromStream(ctx, m, input, opts...)
}

// args keeps to flags that every llama.cpp release understands.
func (m *processChatModel) args(prompt string, options *einoModel.Options) []string {
	return []string{
		"-m", m.modelPath,
		"-p", prompt,
		"-n", strconv.Itoa(*options.MaxTokens),
		"--temp", strconv.FormatFloat(float64(*options.Temperature), 'f', -1, 32),
		"--color", "0",
	}
}

func (m *processChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	prompt := BuildPrompt(input)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if ctx.Err() != nil {
		return closedStream(), nil
	}

	options := einoModel.GetCommonOptions(&einoModel.Options{
		MaxTokens:   &m.nPredict,
		Temperature: &m.temperature,
	}, opts...)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, m.bin, m.args(prompt, options)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = m.killGrace

	stderr := newTailBuffer(m.stderrTail)
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		cancel()
		pw.Close()
		pr.Close()
		return nil, &BackendError{
			ExitCode: -1,
			Cause:    fmt.Sprintf("start model process %s: %v", m.bin, err),
			Err:      err,
		}
	}
	logger.Debugf("model process started pid=%d", cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	// unblock a pending stdout read as soon as the request goes away
	stopWatch := context.AfterFunc(ctx, func() {
		pr.CloseWithError(context.Canceled)
	})

	sr, sw := schema.Pipe[*schema.Message](streamBuffer)
	go func() {
		defer cancel()
		defer stopWatch()
		defer pr.Close()
		defer sw.Close()

		var pending []byte
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := pr.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				var text string
				text, pending = splitUTF8(pending)
				if text != "" && ctx.Err() == nil {
					if closed := sw.Send(schema.AssistantMessage(text, nil), nil); closed {
						return
					}
				}
			}
			if readErr != nil {
				break
			}
		}

		if ctx.Err() != nil {
			// the wait goroutine reaps the terminated child
			return
		}
		if len(pending) > 0 {
			if closed := sw.Send(schema.AssistantMessage(string(pending), nil), nil); closed {
				return
			}
		}

		err := <-waitErr
		if ctx.Err() != nil || err == nil {
			return
		}

		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		sw.Send(nil, &BackendError{
			ExitCode: code,
			Cause:    fmt.Sprintf("model process exited %d. stderr: %s", code, stderr.String()),
			Err:      err,
		})
	}()

	return sr, nil
}

// BuildPrompt renders a chat context as a plain transcript that ends with an
// open assistant turn.
func BuildPrompt(messages []*schema.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg == nil || msg.Content == "" {
			continue
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString(string(schema.Assistant))
	b.WriteString(":")
	return b.String()
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the remaining bytes.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	rest := make([]byte, len(b)-cut)
	copy(rest, b[cut:])
	return string(b[:cut]), rest
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
