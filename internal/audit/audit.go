package audit

import (
	"container/list"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/pkg/logger"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger records session events. Implementations must not block the caller
// on failure; write errors are logged and dropped.
type Logger interface {
	LogEvent(sessionID, event string, fields map[string]any)
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) LogEvent(string, string, map[string]any) {}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

const defaultMaxOpenFiles = 64

// FileLogger appends one JSON line per event to <dir>/sessions/<id>.jsonl,
// rotating each file by size. At most maxOpen files are held open; the least
// recently written one is closed to make room.
type FileLogger struct {
	dir        string
	maxSizeMB  int
	maxBackups int
	maxOpen    int

	mu    sync.Mutex
	files map[string]*list.Element
	lru   *list.List

	now func() time.Time
}

type openFile struct {
	name string
	w    *lumberjack.Logger
}

var _ Logger = (*FileLogger)(nil)

func NewFileLogger(cfg config.AuditConfig) (*FileLogger, error) {
	dir := filepath.Join(cfg.Dir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	maxOpen := cfg.MaxOpenFiles
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenFiles
	}
	return &FileLogger{
		dir:        dir,
		maxSizeMB:  cfg.MaxSizeMB,
		maxBackups: cfg.MaxBackups,
		maxOpen:    maxOpen,
		files:      make(map[string]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}, nil
}

func (l *FileLogger) LogEvent(sessionID, event string, fields map[string]any) {
	record := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		record[k] = v
	}
	record["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	record["sessionId"] = sessionID
	record["event"] = event

	line, err := json.Marshal(record)
	if err != nil {
		logger.Warnf("audit: encode %s event for %s: %v", event, sessionID, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file(sessionID).Write(line); err != nil {
		logger.Warnf("audit: write %s event for %s: %v", event, sessionID, err)
	}
}

// file returns the writer for a session. Callers hold l.mu.
func (l *FileLogger) file(sessionID string) *lumberjack.Logger {
	name := SanitizeID(sessionID)
	if elem, ok := l.files[name]; ok {
		l.lru.MoveToFront(elem)
		return elem.Value.(*openFile).w
	}

	for l.lru.Len() >= l.maxOpen {
		l.evict(l.lru.Back())
	}

	// TODO: lumberjack keeps one idle cleanup goroutine per writer after Close;
	// swap in a writer whose cleanup can be stopped once one is available.
	w := &lumberjack.Logger{
		Filename:   filepath.Join(l.dir, name+".jsonl"),
		MaxSize:    l.maxSizeMB,
		MaxBackups: l.maxBackups,
	}
	l.files[name] = l.lru.PushFront(&openFile{name: name, w: w})
	return w
}

// evict closes the file behind elem. Callers hold l.mu.
func (l *FileLogger) evict(elem *list.Element) error {
	f := l.lru.Remove(elem).(*openFile)
	delete(l.files, f.name)
	if err := f.w.Close(); err != nil {
		logger.Warnf("audit: close %s: %v", f.name, err)
		return err
	}
	return nil
}

// Close releases every open session file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for l.lru.Len() > 0 {
		if err := l.evict(l.lru.Back()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SanitizeID maps a session id onto a safe file name.
func SanitizeID(sessionID string) string {
	name := unsafeIDChars.ReplaceAllString(sessionID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		return "unknown"
	}
	return name
}

var redactedHeaders = map[string]bool{
	"x-api-key":     true,
	"authorization": true,
	"cookie":        true,
}

// SanitizeHeaders flattens request headers for logging, dropping credentials.
// secret names extra headers to drop, such as a configured api key header.
func SanitizeHeaders(h http.Header, secret ...string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if redactedHeaders[key] || slices.ContainsFunc(secret, func(s string) bool {
			return strings.EqualFold(s, key)
		}) {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
