package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"privroute/internal/agent"
	"privroute/internal/attributes"
	"privroute/internal/bus"
	"privroute/internal/config"
	"privroute/internal/detector"
	"privroute/internal/domain"
	"privroute/internal/memory"
	"privroute/internal/provider"
	"privroute/internal/redact"
)

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg       *config.Config
	store     *memory.SQLiteStore
	personas  *config.Personas
	factory   *provider.Factory
	detector  *detector.Client // nil when disabled
	extractor *attributes.Client
	redactor  *redact.Engine
	events    *bus.EventBus
	closeLog  func()
}

func newApp() (*app, error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, closeLog: closeLog, events: bus.NewEventBus(logger)}

	if err := os.MkdirAll(filepath.Dir(cfg.Memory.DBPath), 0o700); err != nil {
		closeLog()
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	a.store, err = memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("memory store: %w", err)
	}

	a.personas, err = config.LoadPersonas(cfg.PersonasDir, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.factory = provider.NewFactory(cfg, logger)

	engineCfg := redact.EngineConfig{Terms: a.store, MinConfidence: cfg.Detector.MinConfidence, Logger: logger}
	if cfg.Detector.Enabled {
		a.detector = detector.New(detector.Config{
			URL:           cfg.Detector.URL,
			Timeout:       time.Duration(cfg.Detector.TimeoutMs) * time.Millisecond,
			MinConfidence: cfg.Detector.MinConfidence,
			Logger:        logger.With("component", "detector"),
		})
		engineCfg.Detector = a.detector
	}
	a.redactor = redact.NewEngine(engineCfg)

	if cfg.Attributes.Enabled {
		a.extractor = attributes.NewClient(attributes.ClientConfig{
			URL:     cfg.Attributes.URL,
			Timeout: time.Duration(cfg.Attributes.TimeoutMs) * time.Millisecond,
			Logger:  logger.With("component", "attributes"),
		})
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	a.closeLog()
}

func (a *app) capabilities() domain.Capabilities {
	local := a.cfg.LocalModelID()
	return domain.Capabilities{
		DetectorAvailable:    a.redactor.DetectorAvailable(),
		AttributesAvailable:  a.extractor != nil,
		LocalModelConfigured: local != "",
		LocalModel:           local,
	}
}

// orchestrator wires one conversation. exec carries the summary side
// channel and must be waited on before the store closes.
func (a *app) orchestrator(convID string, exec *agent.BackgroundExecutor) (*agent.Orchestrator, error) {
	cfg := a.cfg
	sessions := agent.NewSessionManager(a.store, logger)

	var local domain.LocalRuntime
	var remediate func(error, string) string
	if ollama := a.factory.Local(); ollama != nil {
		local = ollama
		remediate = provider.Remediation
	}

	var mem domain.MemoryStore
	if cfg.Memory.Enabled {
		mem = a.store
	}

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Local:      local,
		Cloud:      a.factory,
		Usage:      a.store,
		Memory:     mem,
		Remediate:  remediate,
		Retries:    cfg.Dispatch.LocalRetries,
		Backoff:    time.Duration(cfg.Dispatch.LocalBackoffMs) * time.Millisecond,
		BackoffMax: time.Duration(cfg.Dispatch.LocalBackoffMaxMs) * time.Millisecond,
		MaxTokens:  cfg.Dispatch.MaxTokens,
		Events:     a.events,
		Logger:     logger.With("component", "dispatch"),
	})

	var summarizer *agent.Summarizer
	if local != nil && mem != nil && cfg.General.SummaryEvery > 0 {
		summarizer = agent.NewSummarizer(agent.SummarizerConfig{
			Local:    local,
			Model:    cfg.LocalModelID(),
			Memory:   mem,
			Sessions: sessions,
			Executor: exec,
			Events:   a.events,
			Logger:   logger.With("component", "summarizer"),
		})
	}

	var extractor domain.AttributeExtractor
	if a.extractor != nil {
		extractor = a.extractor
	}

	return agent.NewOrchestrator(agent.OrchestratorConfig{
		ConversationID:    convID,
		Personas:          a.personas,
		Models:            cfg,
		Mode:              domain.Backend(cfg.General.PrivacyMode),
		ActivePersona:     cfg.General.ActivePersona,
		DefaultModel:      cfg.General.DefaultModel,
		LocalModel:        cfg.LocalModelID(),
		ReviewEnabled:     cfg.General.ReviewEnabled,
		Router:            agent.NewRouter(logger),
		Redactor:          a.redactor,
		Extractor:         extractor,
		Dispatcher:        dispatcher,
		Sessions:          sessions,
		Memory:            mem,
		Gate:              agent.NewReviewGate(agent.ReviewGateConfig{Audit: a.store, Events: a.events, Logger: logger}),
		Summarizer:        summarizer,
		Events:            a.events,
		Logger:            logger,
		MemorySearchLimit: cfg.Memory.SearchLimit,
		SummaryEvery:      cfg.General.SummaryEvery,
		LocalHistoryTurns: cfg.Dispatch.LocalHistoryTurns,
		LocalCharBudget:   cfg.Dispatch.LocalCharBudget,
		CloudHistoryLimit: cfg.Dispatch.CloudHistoryLimit,
	})
}

// loadAttachments reads the text documents in dir. Parsing other formats
// happens outside privroute.
func loadAttachments(ctx context.Context, dir string) ([]domain.Attachment, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachments: %w", err)
	}
	var out []domain.Attachment
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".txt" && ext != ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", e.Name(), err)
		}
		out = append(out, domain.Attachment{Name: e.Name(), Content: string(data)})
	}
	return out, nil
}
