// Package assistant proxies chat-assistant requests to an OpenAI-compatible
// completion endpoint. Requests are validated and rate limited per visitor,
// and the upstream event stream is relayed as-is.
package assistant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

type assistantError string

func (e assistantError) Error() string { return string(e) }

const (
	ErrRateLimited         assistantError = "rate limit exceeded"
	ErrUpstreamUnavailable assistantError = "assistant upstream not configured"
	ErrInvalidRequest      assistantError = "invalid request"
)

const (
	anonymousVisitor = "anonymous"
	rateWindow       = time.Minute
	maxBodyBytes     = 4 << 20
	visitorCacheSize = 10000
)

// DefaultSystemPrompt is prepended to every conversation.
const DefaultSystemPrompt = `You are a helpful AI assistant for a developer's portfolio website. You help visitors learn about:

- The developer's research publications and academic work
- Web3 projects including $DrQ token ecosystem on Solana and the Q mirror token
- Community building efforts like the Telegram chat (t.me/qdrqchat) and Friday movie nights on cytu.be/r/dienull
- Technical skills in CSS, web development, and blockchain
- ENS domains: drq.eth and dienull.eth

Be friendly, concise, and helpful. If asked about specific technical details you don't know, suggest the visitor explore the relevant section of the portfolio or reach out via the contact form.`

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// Config configures the proxy.
type Config struct {
	UpstreamURL     string
	APIKey          string
	Model           string
	SystemPrompt    string
	RatePerMinute   int
	MaxMessages     int
	MaxContentChars int
}

// DefaultConfig returns the production limits. UpstreamURL and APIKey are
// left empty.
func DefaultConfig() Config {
	return Config{
		Model:           "google/gemini-2.5-flash",
		SystemPrompt:    DefaultSystemPrompt,
		RatePerMinute:   20,
		MaxMessages:     50,
		MaxContentChars: 10000,
	}
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of POST /api/chat.
type Request struct {
	Messages []Message `json:"messages"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// RequestError describes why a request was rejected. It matches
// ErrInvalidRequest.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// window counts one visitor's requests in the minute since its first one.
type window struct {
	start time.Time
	count int
}

// Handler serves POST /api/chat.
type Handler struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	now      func() time.Time
	windows  *expirable.LRU[string, *window]
	warnings rate.Sometimes
}

// NewHandler creates the proxy. A nil client uses http.DefaultClient.
func NewHandler(cfg Config, client *http.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaults.RatePerMinute
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaults.MaxMessages
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = defaults.MaxContentChars
	}
	return &Handler{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "assistant"),
		now:    time.Now,
		// Entries expire one window after they were added, and a window is
		// only ever added at its first request.
		windows:  expirable.NewLRU[string, *window](visitorCacheSize, nil, rateWindow),
		warnings: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// SetClock replaces the time source used for rate windows.
func (h *Handler) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// Allow spends one request from the visitor's budget. Each visitor gets
// RatePerMinute requests in the minute that starts with its first request.
func (h *Handler) Allow(visitor string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	w, ok := h.windows.Get(visitor)
	if !ok || now.Sub(w.start) >= rateWindow {
		h.windows.Add(visitor, &window{start: now, count: 1})
		return nil
	}
	if w.count >= h.cfg.RatePerMinute {
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Validate checks the conversation against the configured limits.
func (h *Handler) Validate(req Request) error {
	if req.Messages == nil {
		return &RequestError{"Messages must be an array"}
	}
	if len(req.Messages) == 0 {
		return &RequestError{"Messages array cannot be empty"}
	}
	if len(req.Messages) > h.cfg.MaxMessages {
		return &RequestError{fmt.Sprintf("Too many messages (max %d)", h.cfg.MaxMessages)}
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return &RequestError{fmt.Sprintf("Message %d missing valid role", i)}
		}
		if !validRoles[m.Role] {
			return &RequestError{fmt.Sprintf("Message %d has invalid role", i)}
		}
		if m.Content == "" {
			return &RequestError{fmt.Sprintf("Message %d missing valid content", i)}
		}
		if utf8.RuneCountInString(m.Content) > h.cfg.MaxContentChars {
			return &RequestError{fmt.Sprintf("Message %d content too long (max %d chars)", i, h.cfg.MaxContentChars)}
		}
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitor := r.Header.Get("X-Visitor-Id")
	if visitor == "" {
		visitor = anonymousVisitor
	}
	if err := h.Allow(visitor); err != nil {
		h.warnings.Do(func() { h.logger.Warn("rate limit exceeded", "visitor", visitor) })
		writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait a minute and try again.")
		return
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Validate(req); err != nil {
		h.logger.Warn("invalid input", "visitor", visitor, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("chat request", "visitor", visitor, "messages", len(req.Messages))
	resp, err := h.forward(r, req)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "AI service not configured")
			return
		}
		h.logger.Error("upstream request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "AI service error")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
		return
	case resp.StatusCode == http.StatusPaymentRequired:
		writeError(w, http.StatusPaymentRequired, "Service temporarily unavailable.")
		return
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		h.logger.Error("upstream error", "status", resp.StatusCode, "body", string(body))
		writeError(w, http.StatusInternalServerError, "AI service error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := relay(w, resp.Body); err != nil {
		h.logger.Debug("stream ended early", "visitor", visitor, "error", err)
	}
}

func (h *Handler) forward(r *http.Request, req Request) (*http.Response, error) {
	if h.cfg.UpstreamURL == "" || h.cfg.APIKey == "" {
		return nil, ErrUpstreamUnavailable
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	messages = append(messages, Message{Role: "system", Content: h.cfg.SystemPrompt})
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(completionRequest{
		Model:    h.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	up, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	up.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	up.Header.Set("Content-Type", "application/json")
	return h.client.Do(up)
}

// relay copies the event stream, flushing after every read so tokens reach
// the visitor as they arrive.
func relay(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
