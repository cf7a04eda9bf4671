package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/halbot/common/redact"
	"github.com/bdobrica/halbot/common/trace"
	"github.com/bdobrica/halbot/common/version"
	"github.com/bdobrica/halbot/internal/halbot/completion"
	"github.com/bdobrica/halbot/internal/halbot/config"
	"github.com/bdobrica/halbot/internal/halbot/memory"
	"github.com/bdobrica/halbot/internal/halbot/quota"
	"github.com/bdobrica/halbot/internal/halbot/store"
)

// Introduction is the reply to the introduce command.
const Introduction = "Good afternoon, gentlemen. I am a HAL 9000 computer."

const (
	defaultAuditTail = 10
	maxAuditTail     = 50
)

// AuditLog records completion calls and lists them per room.
type AuditLog interface {
	WriteAudit(ctx context.Context, e store.AuditEntry) error
	GetRoomAuditLog(ctx context.Context, roomID string, limit int) ([]store.AuditEntry, error)
}

// HandlersConfig holds the collaborators of the command handlers.
type HandlersConfig struct {
	Manager *memory.Manager
	// Gate applies per-sender quotas; nil disables them.
	Gate *quota.Gate
	// Audit records completion calls; nil disables the audit log.
	Audit AuditLog
	// Redactor scrubs error messages before they are audited.
	Redactor *redact.Redactor
	Scope    config.Scope
	Prefix   string
	// Indicator returns the typing indicator for a room; nil shows none.
	Indicator func(roomID string) memory.Indicator
	// DisplayName resolves a sender's name for transcripts; nil uses the
	// Matrix user ID.
	DisplayName func(ctx context.Context, userID string) string
}

// Handlers holds all command handlers and their dependencies.
type Handlers struct {
	cfg HandlersConfig
}

// NewHandlers creates a Handlers instance.
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.Prefix == "" {
		cfg.Prefix = "!hal"
	}
	if cfg.Scope == "" {
		cfg.Scope = config.ScopeRoom
	}
	return &Handlers{cfg: cfg}
}

// Register binds every handler to r.
func (h *Handlers) Register(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("ping", h.HandlePing)
	r.Register("introduce", h.HandleIntroduce)
	r.Register("chat", h.HandleChat)
	r.Register("ask", h.HandleAsk)
	r.Register("send", h.HandleSend)
	r.Register("image", h.HandleImage)
	r.Register("tokens", h.HandleTokens)
	r.Register("memory", h.HandleMemoryUsage)
	r.Register("memory.list", h.HandleMemoryList)
	r.Register("memory.clear", h.HandleMemoryClear)
	r.Register("persona", h.HandlePersonaUsage)
	r.Register("persona.add", h.HandlePersonaAdd)
	r.Register("persona.list", h.HandlePersonaList)
	r.Register("persona.clear", h.HandlePersonaClear)
	r.Register("audit", h.HandleAudit)
}

// conversationID derives the conversation key for evt.
func (h *Handlers) conversationID(evt *event.Event) string {
	return h.cfg.Scope.ConversationID(evt.RoomID.String(), evt.Sender.String())
}

func (h *Handlers) indicator(evt *event.Event) memory.Indicator {
	if h.cfg.Indicator == nil {
		return nil
	}
	return h.cfg.Indicator(evt.RoomID.String())
}

func (h *Handlers) author(ctx context.Context, evt *event.Event) string {
	if h.cfg.DisplayName == nil {
		return evt.Sender.String()
	}
	return h.cfg.DisplayName(ctx, evt.Sender.String())
}

// HandleHelp lists the commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	p := h.cfg.Prefix
	return fmt.Sprintf(`**HAL 9000**

**General:**
• %[1]s help - Show this help message
• %[1]s version - Show version information
• %[1]s ping - Health check
• %[1]s introduce - Introduce myself

**Conversation:**
• %[1]s chat <text> - Talk with memory of this conversation
• %[1]s ask <text> - One-off question, no memory
• %[1]s send <system|user|assistant> <text> - One-off message with a chosen role
• %[1]s image <prompt> - Generate an image

**Memory:**
• %[1]s tokens - Show token usage
• %[1]s memory list - Show the remembered exchanges
• %[1]s memory clear - Forget the conversation
• %[1]s persona add <text> - Add a persona instruction
• %[1]s persona list - Show the persona
• %[1]s persona clear - Remove the persona

**Audit:**
• %[1]s audit [n] - Show recent completion calls in this room`, p), nil
}

// HandleVersion shows version information.
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**HAL 9000**\nVersion: %s\nCommit: %s\nBuild Time: %s\nModel: %s",
		version.Version, version.GitCommit, version.BuildTime, h.model()), nil
}

func (h *Handlers) model() string {
	if m := h.cfg.Manager.Config().Model; m != "" {
		return m
	}
	return "default"
}

// HandlePing responds with a health check.
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	_, traceID := trace.Ensure(ctx)
	return fmt.Sprintf("🏓 Pong! (trace: %s)", traceID), nil
}

// HandleIntroduce replies with the fixed introduction.
func (h *Handlers) HandleIntroduce(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return Introduction, nil
}

// HandleChat answers with conversation memory.
func (h *Handlers) HandleChat(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	text := strings.TrimSpace(cmd.Body)
	if text == "" {
		return "", nil
	}
	if refusal := h.admit(ctx, cmd, evt); refusal != "" {
		return refusal, nil
	}

	convID := h.conversationID(evt)
	res, err := h.cfg.Manager.Chat(ctx, memory.Turn{
		ConversationID: convID,
		Author:         h.author(ctx, evt),
		Text:           text,
		Indicator:      h.indicator(evt),
	})
	h.record(ctx, evt, cmd.Name, convID, res, err)
	return h.reply(res.Reply, err)
}

// HandleAsk sends the text as a single system message without memory.
func (h *Handlers) HandleAsk(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return h.oneShot(ctx, cmd, evt, completion.RoleSystem, cmd.Body)
}

// HandleSend sends a single message with a caller-chosen role.
func (h *Handlers) HandleSend(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	usage := fmt.Sprintf("usage: %s send <system|user|assistant> <text>", h.cfg.Prefix)
	if cmd.Subcommand == "" {
		return "", errors.New(usage)
	}
	role, err := completion.ParseRole(strings.ToLower(cmd.Subcommand))
	if err != nil {
		return "", fmt.Errorf("%w; %s", err, usage)
	}
	if strings.TrimSpace(cmd.Rest) == "" {
		return "", errors.New(usage)
	}
	return h.oneShot(ctx, cmd, evt, role, cmd.Rest)
}

func (h *Handlers) oneShot(ctx context.Context, cmd *Command, evt *event.Event, role completion.Role, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if refusal := h.admit(ctx, cmd, evt); refusal != "" {
		return refusal, nil
	}
	res, err := h.cfg.Manager.OneShot(ctx, role, text, h.indicator(evt))
	h.record(ctx, evt, cmd.Name, "", res, err)
	return h.reply(res.Reply, err)
}

// HandleImage generates an image and replies with its URL.
func (h *Handlers) HandleImage(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	prompt := strings.TrimSpace(cmd.Body)
	if prompt == "" {
		return "", fmt.Errorf("usage: %s image <prompt>", h.cfg.Prefix)
	}
	if refusal := h.admit(ctx, cmd, evt); refusal != "" {
		return refusal, nil
	}
	start := time.Now()
	url, err := h.cfg.Manager.GenerateImage(ctx, prompt, h.indicator(evt))
	h.record(ctx, evt, cmd.Name, "", memory.Result{Reply: url, Fallback: url == memory.FallbackReply, Latency: time.Since(start)}, err)
	return h.reply(url, err)
}

// admit applies the quotas, returning a refusal or "".
func (h *Handlers) admit(ctx context.Context, cmd *Command, evt *event.Event) string {
	if h.cfg.Gate == nil {
		return ""
	}
	refusal := h.cfg.Gate.Check(evt.Sender.String())
	if refusal != "" {
		_, traceID := trace.Ensure(ctx)
		h.writeAudit(ctx, store.AuditEntry{
			TraceID: traceID,
			Sender:  evt.Sender.String(),
			RoomID:  evt.RoomID.String(),
			Command: cmd.Name,
			Result:  store.ResultRefused,
		})
	}
	return refusal
}

// record charges the quota and writes the audit entry for a call.
func (h *Handlers) record(ctx context.Context, evt *event.Event, command, convID string, res memory.Result, err error) {
	sender := evt.Sender.String()
	if h.cfg.Gate != nil {
		h.cfg.Gate.Charge(sender, res.TotalTokens)
	}

	_, traceID := trace.Ensure(ctx)
	entry := store.AuditEntry{
		TraceID:        traceID,
		Sender:         sender,
		RoomID:         evt.RoomID.String(),
		ConversationID: convID,
		Command:        command,
		Result:         store.ResultOK,
		TotalTokens:    res.TotalTokens,
		Incremental:    res.Incremental,
		Evicted:        res.Evicted,
		Latency:        res.Latency,
	}
	switch {
	case err != nil:
		entry.Result = store.ResultError
		entry.ErrorMessage = h.cfg.Redactor.String(err.Error())
	case res.Fallback:
		entry.Result = store.ResultFallback
	}
	h.writeAudit(ctx, entry)
}

func (h *Handlers) writeAudit(ctx context.Context, e store.AuditEntry) {
	if h.cfg.Audit == nil {
		return
	}
	if err := h.cfg.Audit.WriteAudit(ctx, e); err != nil {
		slog.Warn("failed to write audit entry", "trace_id", e.TraceID, "err", err)
	}
}

// reply turns an upstream rate limit into a notice instead of an error.
func (h *Handlers) reply(text string, err error) (string, error) {
	if err == nil {
		return text, nil
	}
	if errors.Is(err, completion.ErrRateLimit) {
		return "⏳ The completion service is rate limiting requests. Please try again shortly.", nil
	}
	return "", fmt.Errorf("completion request failed: %w", err)
}

// HandleTokens reports memory usage and the sender's daily budget.
func (h *Handlers) HandleTokens(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	used, limit, err := h.cfg.Manager.ReportTokenUsage(ctx, h.conversationID(evt))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if limit == 0 {
		fmt.Fprintf(&sb, "**Memory:** %d tokens (unlimited)", used)
	} else {
		fmt.Fprintf(&sb, "**Memory:** %d / %d tokens", used, limit)
	}
	if g := h.cfg.Gate; g != nil {
		sender := evt.Sender.String()
		fmt.Fprintf(&sb, "\n**Daily budget:** %d / %d tokens used", g.Tokens.Used(sender), g.Tokens.Budget())
		fmt.Fprintf(&sb, "\n**Requests left this minute:** %d", g.Rate.Remaining(sender))
	}
	return sb.String(), nil
}

// HandleMemoryUsage answers a bare "memory".
func (h *Handlers) HandleMemoryUsage(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return "", fmt.Errorf("usage: %s memory list|clear", h.cfg.Prefix)
}

// HandleMemoryList shows the stored exchanges.
func (h *Handlers) HandleMemoryList(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	listing, err := h.cfg.Manager.ListMemory(ctx, h.conversationID(evt))
	if err != nil {
		return "", err
	}
	return "**Memory:**\n" + listing, nil
}

// HandleMemoryClear forgets the conversation history.
func (h *Handlers) HandleMemoryClear(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	had, err := h.cfg.Manager.ClearHistory(ctx, h.conversationID(evt))
	if err != nil {
		return "", err
	}
	if !had {
		return "Memory was already empty.", nil
	}
	return "🧹 Memory cleared.", nil
}

// HandlePersonaUsage answers a bare "persona".
func (h *Handlers) HandlePersonaUsage(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return "", fmt.Errorf("usage: %s persona add <text>|list|clear", h.cfg.Prefix)
}

// HandlePersonaAdd appends a persona instruction.
func (h *Handlers) HandlePersonaAdd(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	text := strings.TrimSpace(cmd.Rest)
	if text == "" {
		return "", fmt.Errorf("usage: %s persona add <text>", h.cfg.Prefix)
	}
	if err := h.cfg.Manager.AppendPersona(ctx, h.conversationID(evt), text); err != nil {
		if errors.Is(err, memory.ErrPersonaDisabled) {
			return "Persona instructions are disabled on this bot.", nil
		}
		return "", err
	}
	return "✅ Persona updated.", nil
}

// HandlePersonaList shows the persona instructions.
func (h *Handlers) HandlePersonaList(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	listing, err := h.cfg.Manager.ListPersona(ctx, h.conversationID(evt))
	if err != nil {
		return "", err
	}
	return "**Persona:**\n" + listing, nil
}

// HandlePersonaClear removes the persona instructions.
func (h *Handlers) HandlePersonaClear(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	had, err := h.cfg.Manager.ClearPersona(ctx, h.conversationID(evt))
	if err != nil {
		return "", err
	}
	if !had {
		return "Persona was already empty.", nil
	}
	return "🧹 Persona cleared.", nil
}

// HandleAudit lists recent completion calls made from the current room.
func (h *Handlers) HandleAudit(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if h.cfg.Audit == nil {
		return "Audit log is not enabled.", nil
	}

	n := defaultAuditTail
	if cmd.Subcommand != "" {
		v, err := strconv.Atoi(cmd.Subcommand)
		if err != nil || v <= 0 {
			return "", fmt.Errorf("usage: %s audit [n]", h.cfg.Prefix)
		}
		n = min(v, maxAuditTail)
	}

	entries, err := h.cfg.Audit.GetRoomAuditLog(ctx, evt.RoomID.String(), n)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No audit entries yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Recent calls in this room (%d)**\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%s · %s · %s · %s", e.Timestamp.UTC().Format(time.RFC3339), e.Sender, e.Command, e.Result)
		if e.TotalTokens > 0 {
			fmt.Fprintf(&sb, " · %d tokens", e.TotalTokens)
		}
		if e.Evicted > 0 {
			fmt.Fprintf(&sb, " · %d evicted", e.Evicted)
		}
		fmt.Fprintf(&sb, " · %s", e.TraceID)
	}
	return sb.String(), nil
}
