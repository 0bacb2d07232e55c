package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"
)

// LogSink appends one line per event to a file.
type LogSink struct {
	Path string
	mu   sync.Mutex
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open notification log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s %s: %s", e.Timestamp.Format(time.RFC3339), e.Type, e.Target, e.Message)
	if e.Session != "" {
		line = fmt.Sprintf("[%s] [%s] %s %s: %s", e.Timestamp.Format(time.RFC3339), e.Session, e.Type, e.Target, e.Message)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write notification log: %w", err)
	}
	return nil
}

const defaultWebhookTemplate = `{"id":"{{.ID}}","event":"{{.Type}}","target":"{{jsonEscape .Target}}",` +
	`"session":"{{jsonEscape .Session}}","message":"{{jsonEscape .Message}}","timestamp":"{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}"}`

// WebhookSink posts each event to a URL.
type WebhookSink struct {
	URL      string
	Method   string
	Headers  map[string]string
	Template string
	Client   *http.Client

	once sync.Once
	tmpl *template.Template
	err  error
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}

func (s *WebhookSink) compile() (*template.Template, error) {
	s.once.Do(func() {
		src := s.Template
		if src == "" {
			src = defaultWebhookTemplate
		}
		s.tmpl, s.err = template.New("webhook").Funcs(template.FuncMap{"jsonEscape": jsonEscape}).Parse(src)
		if s.err != nil {
			s.err = fmt.Errorf("invalid webhook template: %w", s.err)
		}
	})
	return s.tmpl, s.err
}

// Write implements Sink.
func (s *WebhookSink) Write(ctx context.Context, e Event) error {
	tmpl, err := s.compile()
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, e); err != nil {
		return fmt.Errorf("render webhook payload: %w", err)
	}

	method := strings.ToUpper(s.Method)
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, os.ExpandEnv(s.URL), &body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
