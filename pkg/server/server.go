// Package server wires the Warden control plane: store, policy, skill
// runner, audit chain, worker queue, retention janitor and the control loop
// behind one HTTP handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wardenhq/warden/control-plane/internal/api"
	"github.com/wardenhq/warden/control-plane/internal/api/handlers"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/config"
	"github.com/wardenhq/warden/control-plane/internal/controlplane"
	"github.com/wardenhq/warden/control-plane/internal/notify"
	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/internal/process"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/retention"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store  store.Store
	Runner *skills.Runner
	Queue  *queue.Queue
	Chain  *audit.Chain
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	telemetryShutdown func(context.Context) error
	notifiers         []contracts.TaskNotifier
	wake              *queue.WatermillNotifier
	workerCfg         *queue.WorkerConfig
	worker            *queue.Worker
	janitor           *retention.Janitor
	loop              *controlplane.Loop
	cancel            context.CancelFunc
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
// Nothing runs in the background until Start.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	mode, err := models.ParseExecutionMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s := &Server{Config: cfg, Port: cfg.Port, telemetryShutdown: shutdown}

	// Store
	s.Store, err = store.Open(ctx, cfg.Database.URL, cfg.Database.DataDir, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Store.Migrate(ctx); err != nil {
		s.Store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	log.Info().Str("backend", s.Store.Backend()).Msg("✅ Store initialized")

	// Skills + policy
	catalog, err := skills.LoadCatalog(cfg.Skills.File)
	if err != nil {
		s.Store.Close()
		return nil, fmt.Errorf("load skill catalog: %w", err)
	}
	provider, err := policy.NewProvider(mode, policy.WithTraits(catalog.Traits))
	if err != nil {
		s.Store.Close()
		return nil, fmt.Errorf("init policy: %w", err)
	}
	log.Info().Str("mode", string(mode)).Int("skills", catalog.Len()).Msg("✅ Policy engine initialized")

	// Alerts
	alerts := notify.NewService()
	if cfg.Alerts.WebhookURL != "" {
		alerts.RegisterDriver(notify.NewWebhookChannelDriver(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookSecret))
	}

	// Audit chain + runner
	s.Chain = audit.NewChain(s.Store)
	adapters := buildAdapters(mode, cfg.Adapters)
	s.Runner, err = skills.NewRunner(catalog, provider, adapters, s.Chain, s.Store, skills.Options{
		Timeout:    cfg.Skills.Timeout,
		RetryDelay: cfg.Skills.RetryDelay,
		LogLimit:   cfg.Skills.LogLimit,
		Alerter:    alerts,
	})
	if err != nil {
		s.Store.Close()
		return nil, fmt.Errorf("init runner: %w", err)
	}

	// Queue. The in-process bus always wakes the local worker; Redis fans
	// task notifications out to remote site workers.
	s.wake = queue.NewWatermillNotifier("warden.tasks")
	s.notifiers = append(s.notifiers, s.wake)
	if cfg.Redis.URL != "" {
		rn, err := queue.NewRedisNotifier(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, remote workers will rely on polling")
		} else {
			s.notifiers = append(s.notifiers, rn)
			log.Info().Str("channel", cfg.Redis.Channel).Msg("✅ Redis task notifications enabled")
		}
	}
	opts := []queue.Option{queue.WithAlerter(alerts)}
	for _, n := range s.notifiers {
		opts = append(opts, queue.WithNotifier(n))
	}
	s.Queue = queue.New(s.Store, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		StaleAfter:  cfg.Queue.StaleAfter,
	}, opts...)

	// Retention
	var exporter handlers.Exporter
	if cfg.Audit.ExportPath != "" {
		archiver := retention.NewLocalFileArchiver(cfg.Audit.ExportPath, cfg.Audit.Compress)
		s.janitor, err = retention.NewJanitor(s.Chain, archiver, cfg.Audit.ExportSchedule)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("init retention: %w", err)
		}
		exporter = s.janitor
	}

	// Control loop
	if cfg.Loop.Enabled && len(cfg.Loop.Targets) > 0 {
		detector, err := controlplane.NewInspectDetector(adapters, cfg.Loop.Targets)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		loopOpts := []controlplane.LoopOption{controlplane.WithReclaimer(s.Queue)}
		if cfg.Queue.LocalWorker {
			loopOpts = append(loopOpts, controlplane.WithDispatch(s.Queue))
		}
		s.loop = controlplane.NewLoop(detector, controlplane.NewRulePlanner(nil, catalog), s.Runner, cfg.Loop.TickInterval, loopOpts...)
	}

	if cfg.Queue.LocalWorker {
		s.workerCfg = &queue.WorkerConfig{
			ID:       cfg.Queue.WorkerID,
			Site:     "local",
			Handlers: map[string]queue.Handler{controlplane.SkillTaskType: controlplane.NewSkillTaskHandler(s.Runner)},
		}
	}

	h := handlers.New(s.Runner, provider, s.Chain, s.Queue, exporter)
	s.Handler = api.NewRouter(cfg, h, s.Store)
	return s, nil
}

// Start launches the background components: local worker, retention
// janitor and control loop.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.workerCfg != nil {
		wake, err := s.wake.Wake(ctx)
		if err != nil {
			return fmt.Errorf("subscribe worker wake-ups: %w", err)
		}
		wcfg := *s.workerCfg
		wcfg.Wake = wake
		if s.worker, err = queue.NewWorker(s.Queue, wcfg); err != nil {
			return err
		}
		if err := s.worker.Start(ctx); err != nil {
			return fmt.Errorf("start local worker: %w", err)
		}
	}
	if s.janitor != nil {
		go s.janitor.Start(ctx)
	}
	if s.loop != nil {
		s.loop.Start(ctx)
	}
	return nil
}

// Close stops background work and releases resources in reverse order.
func (s *Server) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	var errs []error
	for _, n := range s.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildAdapters picks mock adapters in mock mode and real backends
// otherwise. Proxmox is only registered when an API URL is configured.
func buildAdapters(mode models.ExecutionMode, cfg config.AdapterConfig) *process.Manager {
	if mode == models.ModeMock {
		return process.NewManager(
			process.NewMockAdapter(models.SchemeDocker),
			process.NewMockAdapter(models.SchemeProxmox),
		)
	}
	m := process.NewManager(process.NewDockerAdapter(cfg.DockerBinary))
	if cfg.ProxmoxURL != "" {
		m.Register(process.NewProxmoxAdapter(cfg.ProxmoxURL, cfg.ProxmoxToken, cfg.ProxmoxInsecure))
	}
	return m
}
