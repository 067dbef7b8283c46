package model

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pyceon-backend/internal/config"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llama.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestProcessModel(t *testing.T, script string) *processChatModel {
	t.Helper()
	m, err := newProcessChatModel(config.ProcessBackend{
		Bin:         script,
		ModelPath:   "/models/test.gguf",
		NPredict:    32,
		Temperature: 0.7,
		StderrTail:  64,
		KillGrace:   500 * time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func TestNewProcessChatModel_RequiresBinAndModel(t *testing.T) {
	_, err := newProcessChatModel(config.ProcessBackend{ModelPath: "m"})
	assert.EqualError(t, err, "LLAMA_BIN env var not set")

	_, err = newProcessChatModel(config.ProcessBackend{Bin: "b"})
	assert.EqualError(t, err, "MODEL_PATH env var not set")
}

func TestProcessChatModel_RelaysStdout(t *testing.T) {
	script := writeScript(t, `printf 'Hello'; printf ', world'`)
	m := newTestProcessModel(t, script)

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	fragments, err := drain(sr)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", strings.Join(fragments, ""))
}

func TestProcessChatModel_PassesArguments(t *testing.T) {
	script := writeScript(t, `for a in "$@"; do printf '[%s]' "$a"; done`)
	m := newTestProcessModel(t, script)

	sr, err := m.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hi"),
	})
	require.NoError(t, err)

	fragments, err := drain(sr)
	require.NoError(t, err)
	out := strings.Join(fragments, "")
	assert.Contains(t, out, "[-m][/models/test.gguf]")
	assert.Contains(t, out, "[-n][32]")
	assert.Contains(t, out, "[--temp][0.7]")
	assert.Contains(t, out, "[--color][0]")
	assert.Contains(t, out, "[system: sys\nuser: hi\nassistant:]")
}

func TestProcessChatModel_NonZeroExitCarriesStderrTail(t *testing.T) {
	script := writeScript(t, `printf 'partial'; printf 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx' >&2; printf 'failed to load model' >&2; exit 3`)
	m := newTestProcessModel(t, script)

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	fragments, err := drain(sr)
	assert.Equal(t, "partial", strings.Join(fragments, ""))
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.ExitCode)
	assert.True(t, strings.HasPrefix(be.Error(), "model process exited 3. stderr: "))
	assert.True(t, strings.HasSuffix(be.Error(), "failed to load model"))
	assert.LessOrEqual(t, len(strings.TrimPrefix(be.Error(), "model process exited 3. stderr: ")), 64)
}

func TestProcessChatModel_MissingBinary(t *testing.T) {
	m := newTestProcessModel(t, filepath.Join(t.TempDir(), "does-not-exist"))

	_, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.True(t, IsBackendError(err))
}

func TestProcessChatModel_CancelTerminatesChild(t *testing.T) {
	script := writeScript(t, `printf 'tick'; exec sleep 5`)
	m := newTestProcessModel(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	sr, err := m.Stream(ctx, []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	chunk, err := sr.Recv()
	require.NoError(t, err)
	assert.Equal(t, "tick", chunk.Content)

	start := time.Now()
	cancel()
	rest, err := drain(sr)
	assert.NoError(t, err)
	assert.Empty(t, rest)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestBuildPrompt(t *testing.T) {
	assert.Empty(t, BuildPrompt(nil))
	assert.Equal(t, "user: a\nassistant: b\nuser: c\nassistant:", BuildPrompt([]*schema.Message{
		schema.UserMessage("a"),
		schema.AssistantMessage("b", nil),
		schema.UserMessage("c"),
	}))
}

func TestSplitUTF8_HoldsIncompleteRune(t *testing.T) {
	euro := []byte("€") // 3 bytes

	text, rest := splitUTF8(append([]byte("ab"), euro[:2]...))
	assert.Equal(t, "ab", text)
	assert.Equal(t, euro[:2], rest)

	text, rest = splitUTF8(append(rest, euro[2]))
	assert.Equal(t, "€", text)
	assert.Empty(t, rest)

	text, rest = splitUTF8([]byte("plain"))
	assert.Equal(t, "plain", text)
	assert.Empty(t, rest)
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(5)
	tb.Write([]byte("abc"))
	tb.Write([]byte("defgh"))
	assert.Equal(t, "defgh", tb.String())
	tb.Write([]byte("i"))
	assert.Equal(t, "efghi", tb.String())
}
