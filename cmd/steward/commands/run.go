package commands

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/chat"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/event"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/provider"
	"github.com/stewardhq/steward/internal/scheduler"
	"github.com/stewardhq/steward/internal/session"
	"github.com/stewardhq/steward/internal/tool"
	"github.com/stewardhq/steward/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the chat server and start answering messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSteward(cmd.Context())
	},
}

func runSteward(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{Level: logging.ParseLevel(cfg.Log.Level), Pretty: cfg.Log.Pretty})
	log := logging.For("main")

	// The audit trail must not be reachable through the workspace tools.
	wsAbs, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return err
	}
	auditAbs, err := filepath.Abs(cfg.AuditDir)
	if err != nil {
		return err
	}
	if auditAbs == wsAbs || strings.HasPrefix(auditAbs, wsAbs+string(filepath.Separator)) {
		return fmt.Errorf("audit_dir %s must live outside the workspace %s", auditAbs, wsAbs)
	}

	store, err := workspace.New(cfg.Workspace)
	if err != nil {
		return err
	}
	bus := event.NewBus()
	defer bus.Close()
	subscribeEventLog(bus)

	people := workspace.NewPersonIndex(store)
	people.OnRebuild = func() {
		bus.Publish(event.Event{Type: event.PeopleRebuilt})
	}
	if err := people.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("people watcher unavailable, profiles refresh on restart only")
	}

	backend, err := provider.NewClaude(ctx, provider.ClaudeConfig{
		APIKey:       cfg.Model.APIKey,
		BaseURL:      cfg.Model.BaseURL,
		Model:        cfg.Model.Model,
		CompactModel: cfg.Model.CompactModel,
		MaxTokens:    cfg.Model.MaxTokens,
	})
	if err != nil {
		return err
	}

	client := chat.New(chat.Options{
		ServerURL: cfg.Chat.URL,
		Username:  cfg.Chat.Username,
		Password:  cfg.Chat.Password,
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	sched := scheduler.New()
	defer sched.Stop()

	registry := tool.DefaultRegistry()
	dispatcher := tool.NewDispatcher(registry, audit.New(cfg.AuditDir), bus)

	sessions := session.NewManager()
	compactor := session.NewCompactor(backend, sessions, bus)
	if cfg.Session.CompactThreshold > 0 {
		compactor.SetThreshold(cfg.Session.CompactThreshold)
	}

	orch := session.NewOrchestrator(session.Config{
		Backend:    backend,
		Registry:   registry,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Compactor:  compactor,
		Store:      store,
		People:     people,
		Bus:        bus,
		Presence:   client,
		MaxRounds:  cfg.Session.MaxRounds,
	})
	orch.ToolContext = func(msg chat.IncomingMessage) *tool.Context {
		return &tool.Context{
			Username:  msg.Username,
			RoomID:    msg.RoomID,
			ThreadID:  msg.ThreadID,
			Store:     store,
			People:    people,
			Messenger: client,
			Reminder:  sched,
		}
	}

	if err := registerCycles(ctx, sched, orch, cfg); err != nil {
		return err
	}
	sched.Start()

	messages := make(chan chat.IncomingMessage, 16)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- client.Stream(ctx, messages, func(room chat.RoomInfo, history []chat.RoomMessage) {
			orch.PrimeHistory(room, history, cfg.Chat.Username)
		})
	}()

	log.Info().Str("user", cfg.Chat.Username).Msg("steward is listening")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case err := <-streamErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("message stream ended: %w", err)
		case msg, ok := <-messages:
			if !ok {
				// Stream closed the channel; wait on streamErr.
				messages = nil
				continue
			}
			go handleMessage(ctx, orch, client, msg)
		}
	}
}

// handleMessage runs one orchestration and delivers the reply. Rooms
// serialize internally, so concurrent messages are safe to hand off.
func handleMessage(ctx context.Context, orch *session.Orchestrator, client *chat.Client, msg chat.IncomingMessage) {
	log := logging.For("main")

	reply, err := orch.Process(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("room", msg.RoomID).Msg("message processing failed")
		return
	}
	if reply == "" {
		return
	}
	if err := client.SendMessage(ctx, msg.RoomID, reply, msg.ThreadID); err != nil {
		log.Error().Err(err).Str("room", msg.RoomID).Msg("reply delivery failed")
	}
}

// registerCycles schedules reverie and consolidation.
func registerCycles(ctx context.Context, sched *scheduler.Scheduler, orch *session.Orchestrator, cfg *config.Config) error {
	log := logging.For("cycles")

	runCycle := func(name string) {
		cycleCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := orch.RunCycle(cycleCtx, name); err != nil {
			log.Warn().Err(err).Str("cycle", name).Msg("cycle failed")
		}
	}

	if interval := cfg.Cycles.ReverieInterval.Std(); interval > 0 {
		spec := fmt.Sprintf("@every %s", interval)
		if err := sched.Every(spec, func() { runCycle(session.CycleReverie) }); err != nil {
			return err
		}
	}
	if cfg.Cycles.ConsolidationCron != "" {
		if err := sched.Every(cfg.Cycles.ConsolidationCron, func() { runCycle(session.CycleConsolidation) }); err != nil {
			return err
		}
	}
	return nil
}

// subscribeEventLog mirrors bus traffic into the operational log.
func subscribeEventLog(bus *event.Bus) {
	log := logging.For("event")
	bus.SubscribeAll(func(ev event.Event) {
		log.Debug().Str("type", string(ev.Type)).Interface("data", ev.Data).Msg("event")
	})
}
