// Package app wires the HAL bot together: configuration, persistence, the
// completion client, conversation memory and the Matrix gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/halbot/common/chunk"
	"github.com/bdobrica/halbot/common/logging"
	"github.com/bdobrica/halbot/common/redact"
	"github.com/bdobrica/halbot/common/retry"
	"github.com/bdobrica/halbot/common/trace"
	"github.com/bdobrica/halbot/common/version"
	"github.com/bdobrica/halbot/internal/halbot/commands"
	"github.com/bdobrica/halbot/internal/halbot/completion"
	"github.com/bdobrica/halbot/internal/halbot/config"
	"github.com/bdobrica/halbot/internal/halbot/matrix"
	"github.com/bdobrica/halbot/internal/halbot/memory"
	"github.com/bdobrica/halbot/internal/halbot/quota"
	"github.com/bdobrica/halbot/internal/halbot/store"
)

// handlerTimeout bounds the processing of one incoming message, including
// retries of the completion call.
const handlerTimeout = 5 * time.Minute

// gateway is the part of the Matrix client the app depends on.
type gateway interface {
	Run(ctx context.Context, handler matrix.MessageHandler) error
	ReplyChain(ctx context.Context, roomID, eventID string, segments []string) error
	SendNotice(ctx context.Context, roomID, message string) error
	SetTyping(ctx context.Context, roomID string, typing bool) error
	DisplayName(ctx context.Context, userID string) string
}

// App is the HAL bot application.
type App struct {
	cfg          config.Config
	store        *store.Store
	matrix       gateway
	router       *commands.Router
	manager      *memory.Manager
	healthServer *HealthServer
	redactor     *redact.Redactor
	logger       *slog.Logger

	inflight sync.WaitGroup
}

// New creates the application from a validated configuration.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	matrixClient, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		Rooms:       cfg.Matrix.Rooms,
		SyncState:   st,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	llm := completion.New(completion.Config{
		APIKey:    cfg.OpenAI.APIKey,
		BaseURL:   cfg.OpenAI.BaseURL,
		Model:     cfg.OpenAI.Model,
		ImageSize: cfg.OpenAI.ImageSize,
		Timeout:   cfg.OpenAI.Timeout,
		Retry:     retry.DefaultConfig,
	})

	return assemble(cfg, st, matrixClient, llm, llm, slog.Default()), nil
}

// assemble builds an App from its collaborators.
func assemble(cfg config.Config, st *store.Store, gw gateway, llm completion.Completer, images completion.Imager, logger *slog.Logger) *App {
	redactor := redact.New(cfg.Secrets()...)

	manager := memory.NewManager(memory.NewStore(), llm, images, memory.ManagerConfig{
		Model:          cfg.OpenAI.Model,
		MemoryLimit:    cfg.Memory.Limit,
		PromptLimit:    cfg.Memory.PromptLimit,
		Debug:          cfg.Debug,
		PersonaEnabled: cfg.Memory.Persona,
		ExactFit:       cfg.Memory.ExactFit,
		TypingInterval: cfg.Chat.TypingInterval,
	}, logger, redactor)

	router := commands.NewRouter(cfg.Chat.Prefix)
	handlers := commands.NewHandlers(commands.HandlersConfig{
		Manager:  manager,
		Gate:     quota.NewGate(cfg.Quota.RateLimit, cfg.Quota.DailyTokens),
		Audit:    st,
		Redactor: redactor,
		Scope:    cfg.Conversation.Scope,
		Prefix:   cfg.Chat.Prefix,
		Indicator: func(roomID string) memory.Indicator {
			return roomTyping{gw: gw, roomID: roomID}
		},
		DisplayName: gw.DisplayName,
	})
	handlers.Register(router)

	var healthServer *HealthServer
	if cfg.HTTPAddr != "" {
		healthServer = NewHealthServer(cfg.HTTPAddr, manager.Store())
		logger.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return &App{
		cfg:          cfg,
		store:        st,
		matrix:       gw,
		router:       router,
		manager:      manager,
		healthServer: healthServer,
		redactor:     redactor,
		logger:       logger,
	}
}

// Run syncs with the homeserver until ctx is cancelled. It waits for
// in-flight messages to finish and closes the database before returning.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		a.logger.Info("closing database")
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close database", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if a.healthServer != nil {
		g.Go(func() error { return a.healthServer.Serve(gctx) })
	}

	g.Go(func() error {
		a.logger.Info("starting Matrix sync")
		return a.matrix.Run(gctx, a.dispatch)
	})

	for _, roomID := range a.cfg.Matrix.Rooms {
		msg := fmt.Sprintf("HAL 9000 %s online. Type %s help for commands.", version.Version, a.cfg.Chat.Prefix)
		if err := a.matrix.SendNotice(gctx, roomID, msg); err != nil {
			a.logger.Warn("failed to send startup notice", "room", roomID, "err", err)
		}
	}

	a.logger.Info("HAL is running")
	err := g.Wait()

	a.logger.Info("waiting for in-flight messages")
	a.inflight.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dispatch handles each message on its own goroutine so a slow completion
// in one room does not stall the sync loop.
func (a *App) dispatch(ctx context.Context, evt *event.Event) {
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		a.handleMessage(context.WithoutCancel(ctx), evt)
	}()
}

// handleMessage routes one message and sends the reply.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}

	ctx, _ = trace.Ensure(ctx)
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	logger := logging.WithTrace(ctx, a.logger)

	roomID, eventID := evt.RoomID.String(), evt.ID.String()

	response, err := a.router.Route(ctx, msg.Body, evt)
	if err != nil {
		// A bare prefix is as silent as ordinary chatter.
		if errors.Is(err, commands.ErrNotACommand) || errors.Is(err, commands.ErrEmptyCommand) {
			return
		}
		logger.Warn("command failed", "room", roomID, "sender", evt.Sender.String(), "err", a.redactor.String(err.Error()))
		response = fmt.Sprintf("❌ Error: %s", a.redactor.String(err.Error()))
	}
	if response == "" {
		return
	}

	segments := chunk.Split(response, a.cfg.Chat.MaxMessageLength)
	if err := a.matrix.ReplyChain(ctx, roomID, eventID, segments); err != nil {
		logger.Error("failed to send reply", "room", roomID, "segments", len(segments), "err", err)
	}
}

// roomTyping adapts the gateway's typing notifications to memory.Indicator.
type roomTyping struct {
	gw     gateway
	roomID string
}

func (t roomTyping) Typing(ctx context.Context, on bool) error {
	return t.gw.SetTyping(ctx, t.roomID, on)
}
