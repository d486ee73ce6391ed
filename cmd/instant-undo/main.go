package main

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/Devyani-Patil2/Instant-Undo-System/internal/config"
	"github.com/Devyani-Patil2/Instant-Undo-System/internal/httpapi"
	"github.com/Devyani-Patil2/Instant-Undo-System/internal/undo"
)

func main() {
	log := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "instant-undo").
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := undo.BuildStoreFromDSN(cfg.StoreDSN, log)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.StoreDSN).Msg("failed to build store")
	}
	if _, ok := store.(*undo.MemoryStore); ok {
		log.Warn().Msg("using in-memory store, data will not persist across restarts")
	}

	settings, err := undo.NewSettingsStore(undo.SettingsOptions{
		Path:   cfg.SettingsFile,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SettingsFile).Msg("failed to open settings store")
	}

	hub := httpapi.NewHub(log)
	engine, err := undo.NewEngine(undo.EngineOptions{
		Store:     store,
		Executors: undo.NewRegistry(undo.RegistryOptions{SimulateLatency: cfg.SimulateLatency, Logger: log}),
		Settings:  settings,
		Notifier:  hub,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}
	defer engine.Close()

	server, err := httpapi.NewServer(engine, hub, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("instant-undo listening")
	if err := http.ListenAndServe(cfg.HTTPAddr, server); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
