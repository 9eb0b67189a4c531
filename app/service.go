// Package app assembles the daemon from its configuration: storage, the
// optimizer client, the run orchestrator, the dispatch engine and the
// optional metrics, MQTT and API surfaces.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemsd/hemsd/api"
	"github.com/hemsd/hemsd/config"
	"github.com/hemsd/hemsd/core/dispatch"
	coremetrics "github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/core/orchestrator"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/core/repository/memory"
	"github.com/hemsd/hemsd/infra/logger"
	"github.com/hemsd/hemsd/infra/metrics"
	"github.com/hemsd/hemsd/infra/mqtt"
	"github.com/hemsd/hemsd/infra/optimizer"
	"github.com/hemsd/hemsd/infra/store/sqlite"
	"github.com/hemsd/hemsd/infra/webhook"
	"github.com/hemsd/hemsd/internal/eventbus"
)

// repos bundles the repository interfaces regardless of backend.
type repos struct {
	runs         repository.Runs
	artifacts    repository.Artifacts
	instructions repository.Instructions
	targets      repository.Targets
	events       repository.DispatchEvents
	power        repository.PowerSamples
	powerWriter  repository.PowerSampleWriter
	close        func() error
}

// Service wires the orchestrator and dispatch engine with their adapters.
type Service struct {
	Orchestrator *orchestrator.Orchestrator
	Engine       *dispatch.Engine
	Targets      repository.Targets
	Runs         repository.Runs

	cfg       *config.Config
	bus       eventbus.EventBus
	apiServer *api.Server
	mirror    *mqtt.Mirror
	storeDone func() error
	log       logger.Logger
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logger.SetGlobalLevel(cfg.Logging.Level)
	logg := logger.New("service")

	rep, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := optimizer.New(cfg.Optimizer, logger.New("optimizer_client"))
	if err != nil {
		_ = rep.close()
		return nil, fmt.Errorf("optimizer client: %w", err)
	}

	sink, err := buildSink(cfg.Metrics)
	if err != nil {
		_ = rep.close()
		return nil, err
	}

	bus := eventbus.New()

	orch, err := orchestrator.New(cfg.Orchestrator, client, rep.runs, rep.artifacts, rep.instructions, rep.power, logger.New("orchestrator"), sink, bus)
	if err != nil {
		_ = rep.close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	guard := dispatch.NewGuard(cfg.Dispatch.Guard, rep.power)
	sender := webhook.New(cfg.Webhook, logger.New("webhook"))
	engine, err := dispatch.New(cfg.Dispatch, rep.runs, rep.instructions, rep.targets, rep.events, guard, sender, logger.New("dispatch"), sink, bus)
	if err != nil {
		_ = rep.close()
		return nil, fmt.Errorf("dispatch engine: %w", err)
	}

	svc := &Service{
		Orchestrator: orch,
		Engine:       engine,
		Targets:      rep.targets,
		Runs:         rep.runs,
		cfg:          cfg,
		bus:          bus,
		storeDone:    rep.close,
		log:          logg,
	}

	if cfg.MQTT.Enabled {
		mirror, err := mqtt.NewMirror(cfg.MQTT, bus, rep.powerWriter)
		if err != nil {
			_ = rep.close()
			return nil, fmt.Errorf("mqtt mirror: %w", err)
		}
		svc.mirror = mirror
	}
	if cfg.API.Enabled {
		svc.apiServer = api.NewServer(cfg.API.Addr, orch, engine, rep.targets, rep.events)
	}
	return svc, nil
}

func openStore(cfg config.StoreConfig) (*repos, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &repos{
			runs:         st.Runs,
			artifacts:    st.Artifacts,
			instructions: st.Instructions,
			targets:      st.Targets,
			events:       st.Events,
			power:        st.Power,
			powerWriter:  st.Power,
			close:        st.Close,
		}, nil
	case "memory", "":
		st := memory.New()
		return &repos{
			runs:         st.Runs,
			artifacts:    st.Artifacts,
			instructions: st.Instructions,
			targets:      st.Targets,
			events:       st.Events,
			power:        st.Power,
			powerWriter:  st.Power,
			close:        func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %s", cfg.Backend)
	}
}

func buildSink(cfg config.MetricsConfig) (coremetrics.Sink, error) {
	var sinks []coremetrics.Sink
	if cfg.PromEnabled {
		sink, err := metrics.NewPromSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.Influx))
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return metrics.NewMultiSink(sinks...), nil
	}
}

// seedTargets writes the configured output targets into the store so the
// file stays authoritative across restarts.
func (s *Service) seedTargets(ctx context.Context) error {
	for i := range s.cfg.Targets {
		tgt := s.cfg.Targets[i]
		if err := s.Targets.Upsert(ctx, &tgt); err != nil {
			return fmt.Errorf("seed target %s: %w", tgt.ResourceID, err)
		}
	}
	return nil
}

// ApplyConfig applies a reloaded configuration. Only the runtime-tunable
// parts take effect without a restart.
func (s *Service) ApplyConfig(ctx context.Context, cfg *config.Config) {
	logger.SetGlobalLevel(cfg.Logging.Level)
	s.Orchestrator.SetAutoRun(cfg.Orchestrator.AutoRun)
	s.Orchestrator.UpdateSchedule(cfg.Orchestrator.Slots, cfg.Orchestrator.SlotDelaySeconds, cfg.Orchestrator.AlignedEnabled)
	s.cfg.Targets = cfg.Targets
	if err := s.seedTargets(ctx); err != nil {
		s.log.Errorf("apply reloaded targets: %v", err)
	}
	s.log.Infof("runtime configuration applied")
}

// Run starts all loops and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.seedTargets(ctx); err != nil {
		return err
	}

	// Orchestrator.Run reconciles stale runs before starting its loops.
	go func() {
		if err := s.Orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("orchestrator stopped: %v", err)
		}
	}()
	go func() {
		if err := s.Engine.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("dispatch engine stopped: %v", err)
		}
	}()
	if s.cfg.Metrics.PromEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PromAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	if s.apiServer != nil {
		go func() {
			if err := s.apiServer.Start(ctx); err != nil {
				s.log.Errorf("api server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.mirror != nil {
		s.mirror.Close()
	}
	s.bus.Close()
	return s.storeDone()
}
