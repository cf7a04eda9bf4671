package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/halbot/common/logging"
	"github.com/bdobrica/halbot/common/redact"
	"github.com/bdobrica/halbot/common/trace"
	"github.com/bdobrica/halbot/internal/halbot/completion"
)

// FallbackReply is returned in place of a reply when the completion API
// answered without usable content.
const FallbackReply = "the server did not respond"

// ErrPersonaDisabled is returned by AppendPersona when the persona
// capability is switched off.
var ErrPersonaDisabled = errors.New("memory: persona is disabled")

// ManagerConfig holds the immutable settings of a Manager.
type ManagerConfig struct {
	// Model is forwarded with every request; empty leaves the choice to
	// the completion client.
	Model string

	// MemoryLimit bounds the summed token cost of a conversation's stored
	// history. 0 means unlimited.
	MemoryLimit int

	// PromptLimit is the max_tokens value of each request. 0 omits it.
	PromptLimit int

	// Debug enables logging of verbatim malformed responses.
	Debug bool

	// PersonaEnabled includes persona messages in requests and allows new
	// ones to be added.
	PersonaEnabled bool

	ExactFit ExactFitPolicy

	// TypingInterval is the keep-alive refresh period.
	// Default: DefaultTypingInterval.
	TypingInterval time.Duration
}

// Manager is the single entry point for conversation turns and memory
// administration. It is safe for concurrent use: turns of one conversation
// are serialised, turns of different conversations run in parallel.
type Manager struct {
	store    *Store
	llm      completion.Completer
	images   completion.Imager
	cfg      ManagerConfig
	logger   *slog.Logger
	redactor *redact.Redactor
}

// NewManager wires a Manager. images may be nil, in which case
// GenerateImage fails. A nil logger uses slog.Default.
func NewManager(store *Store, llm completion.Completer, images completion.Imager, cfg ManagerConfig, logger *slog.Logger, redactor *redact.Redactor) *Manager {
	if cfg.MemoryLimit < 0 {
		cfg.MemoryLimit = 0
	}
	if cfg.PromptLimit < 0 {
		cfg.PromptLimit = 0
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = DefaultTypingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		llm:      llm,
		images:   images,
		cfg:      cfg,
		logger:   logger,
		redactor: redactor,
	}
}

// Config returns the manager's settings.
func (m *Manager) Config() ManagerConfig { return m.cfg }

// Store returns the underlying conversation store.
func (m *Manager) Store() *Store { return m.store }

// Turn is one chat message to be answered with conversation memory.
type Turn struct {
	ConversationID string
	Author         string
	Text           string
	Indicator      Indicator
}

// Result describes the outcome of a completion call.
type Result struct {
	// Reply is the text to show the user: the trimmed assistant reply or
	// FallbackReply.
	Reply string
	// Fallback is set when Reply is FallbackReply.
	Fallback bool
	// TotalTokens is the cost reported by the API for the whole request.
	TotalTokens int
	// Incremental is the cost attributed to the new exchange.
	Incremental int
	// Stored reports whether the exchange was appended to history.
	Stored  bool
	Evicted int
	Latency time.Duration
}

// HandleTurn answers text in conversation id, using and updating the
// conversation's memory. Empty or whitespace-only text is a no-op that
// returns ("", nil).
//
// A malformed API reply yields FallbackReply and a nil error, leaving
// memory untouched. Transport and API failures are returned as errors,
// also leaving memory untouched.
func (m *Manager) HandleTurn(ctx context.Context, id, author, text string, ind Indicator) (string, error) {
	res, err := m.Chat(ctx, Turn{ConversationID: id, Author: author, Text: text, Indicator: ind})
	return res.Reply, err
}

// Chat is HandleTurn with the full outcome exposed for accounting.
func (m *Manager) Chat(ctx context.Context, t Turn) (Result, error) {
	if strings.TrimSpace(t.Text) == "" {
		return Result{}, nil
	}
	ctx, _ = trace.Ensure(ctx)
	logger := logging.WithTrace(ctx, m.logger).With("conversation_id", t.ConversationID)

	// The section is held from snapshot to append so that concurrent turns
	// of the same conversation see each other's exchanges.
	sess, err := m.store.Acquire(ctx, t.ConversationID)
	if err != nil {
		return Result{}, err
	}
	defer sess.Release()

	snap := sess.Snapshot()
	user := Message{Role: RoleUser, Author: t.Author, Content: t.Text}
	req := completion.Request{
		Model:     m.cfg.Model,
		Messages:  Assemble(snap, user, m.cfg.PersonaEnabled),
		MaxTokens: m.cfg.PromptLimit,
	}

	resp, err := m.complete(ctx, req, t.Indicator)
	if err != nil {
		if errors.Is(err, completion.ErrMalformedResponse) {
			m.logMalformed(logger, err)
			return Result{Reply: FallbackReply, Fallback: true}, nil
		}
		logger.Warn("memory: completion failed", "err", err)
		return Result{}, fmt.Errorf("memory: conversation %q: %w", t.ConversationID, err)
	}

	reply := strings.TrimRight(resp.Reply, " \t\r\n")
	if reply == "" {
		m.logMalformed(logger, &completion.MalformedError{Reason: "blank reply content", Raw: resp.Reply})
		return Result{Reply: FallbackReply, Fallback: true}, nil
	}
	res := Result{
		Reply:       reply,
		TotalTokens: resp.TotalTokens,
		Incremental: IncrementalCost(resp.TotalTokens, snap.History),
		Latency:     resp.Latency,
	}

	if res.Incremental < 0 {
		logger.Warn("memory: reported total below stored history; exchange not recorded",
			"reported_total", resp.TotalTokens,
			"history_tokens", snap.TotalTokens(),
		)
		return res, nil
	}

	ex := NewExchange(res.Incremental, user, Message{Role: RoleAssistant, Content: reply})
	res.Evicted = sess.EvictAndAppend(ex, m.cfg.MemoryLimit, m.cfg.ExactFit)
	res.Stored = true

	logger.Info("memory: turn recorded",
		"exchange_id", ex.ID,
		"reported_total", resp.TotalTokens,
		"incremental", res.Incremental,
		"evicted", res.Evicted,
		"history_tokens", sess.TotalTokens(),
		"latency_ms", resp.Latency.Milliseconds(),
	)
	return res, nil
}

// OneShot sends text as a single message with the given role, without
// reading or writing any conversation memory.
func (m *Manager) OneShot(ctx context.Context, role completion.Role, text string, ind Indicator) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}
	ctx, _ = trace.Ensure(ctx)
	logger := logging.WithTrace(ctx, m.logger)

	req := completion.Request{
		Model:     m.cfg.Model,
		Messages:  []completion.Message{{Role: role, Content: text}},
		MaxTokens: m.cfg.PromptLimit,
	}
	resp, err := m.complete(ctx, req, ind)
	if err != nil {
		if errors.Is(err, completion.ErrMalformedResponse) {
			m.logMalformed(logger, err)
			return Result{Reply: FallbackReply, Fallback: true}, nil
		}
		return Result{}, fmt.Errorf("memory: one-shot: %w", err)
	}
	reply := strings.TrimRight(resp.Reply, " \t\r\n")
	if reply == "" {
		m.logMalformed(logger, &completion.MalformedError{Reason: "blank reply content", Raw: resp.Reply})
		return Result{Reply: FallbackReply, Fallback: true}, nil
	}
	return Result{
		Reply:       reply,
		TotalTokens: resp.TotalTokens,
		Incremental: resp.TotalTokens,
		Latency:     resp.Latency,
	}, nil
}

// GenerateImage asks the image API for one image and returns its URL, or
// FallbackReply when the API answered without one.
func (m *Manager) GenerateImage(ctx context.Context, prompt string, ind Indicator) (string, error) {
	if m.images == nil {
		return "", errors.New("memory: image generation is not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", nil
	}
	ctx, _ = trace.Ensure(ctx)
	logger := logging.WithTrace(ctx, m.logger)

	stop := keepAlive(ctx, ind, m.cfg.TypingInterval, logger)
	url, err := m.images.Generate(ctx, completion.ImageRequest{Prompt: prompt, Count: 1})
	stop()
	if err != nil {
		if errors.Is(err, completion.ErrMalformedResponse) {
			m.logMalformed(logger, err)
			return FallbackReply, nil
		}
		return "", fmt.Errorf("memory: image: %w", err)
	}
	return url, nil
}

// complete calls the completion API with the typing keep-alive running.
// The keep-alive is stopped and joined before complete returns.
func (m *Manager) complete(ctx context.Context, req completion.Request, ind Indicator) (*completion.Response, error) {
	stop := keepAlive(ctx, ind, m.cfg.TypingInterval, logging.WithTrace(ctx, m.logger))
	defer stop()
	return m.llm.Complete(ctx, req)
}

func (m *Manager) logMalformed(logger *slog.Logger, err error) {
	if !m.cfg.Debug {
		logger.Warn("memory: malformed completion response", "err", err)
		return
	}
	var me *completion.MalformedError
	raw := ""
	if errors.As(err, &me) {
		raw = m.redactor.String(me.Raw)
	}
	logger.Debug("memory: malformed completion response", "err", err, "raw", raw)
}

// ReportTokenUsage returns the stored history cost and the configured
// limit (0 = unlimited).
func (m *Manager) ReportTokenUsage(ctx context.Context, id string) (used, limit int, err error) {
	used, err = m.store.TotalHistoryTokens(ctx, id)
	return used, m.cfg.MemoryLimit, err
}

// ListMemory renders the stored history, or "none".
func (m *Manager) ListMemory(ctx context.Context, id string) (string, error) {
	snap, err := m.store.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return FormatHistory(snap.History), nil
}

// ListPersona renders the persona messages, or "none".
func (m *Manager) ListPersona(ctx context.Context, id string) (string, error) {
	snap, err := m.store.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return FormatPersona(snap.Persona), nil
}

// ClearHistory empties the conversation's history.
func (m *Manager) ClearHistory(ctx context.Context, id string) (bool, error) {
	return m.store.ClearHistory(ctx, id)
}

// ClearPersona empties the conversation's persona.
func (m *Manager) ClearPersona(ctx context.Context, id string) (bool, error) {
	return m.store.ClearPersona(ctx, id)
}

// AppendPersona adds a system message to the conversation's persona.
func (m *Manager) AppendPersona(ctx context.Context, id, text string) error {
	if !m.cfg.PersonaEnabled {
		return ErrPersonaDisabled
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("memory: persona text is empty")
	}
	return m.store.AppendPersona(ctx, id, text)
}
