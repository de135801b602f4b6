package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/pacs-relay/pkg/common/config"
	"github.com/synaptica-ai/pacs-relay/pkg/common/database"
	"github.com/synaptica-ai/pacs-relay/pkg/common/kafka"
	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/dicom"
	"github.com/synaptica-ai/pacs-relay/pkg/dicomweb"
	"github.com/synaptica-ai/pacs-relay/pkg/dimse"
	"github.com/synaptica-ai/pacs-relay/pkg/ledger"
	"github.com/synaptica-ai/pacs-relay/pkg/receiver"
	"github.com/synaptica-ai/pacs-relay/pkg/relay"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.FileErr(); err != nil {
		logger.Log.WithError(err).Fatal("failed to load config file")
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Log.WithError(err).Fatal("failed to create output directory")
	}

	led := buildLedger(cfg)

	tracker := receiver.NewTracker()
	recv := receiver.New(dicom.NewParser(), cfg.OutputDir, tracker)

	var producer *kafka.Producer
	if cfg.RelayEventTopic != "" {
		producer = kafka.NewProducer(cfg.RelayEventTopic)
		defer producer.Close()
	}

	var repo *relay.Repository
	if cfg.JournalEnabled {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		repo = relay.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate relay journal")
		}
	}

	lister, relayer := buildStrategies(cfg, recv, tracker)
	engine := relay.NewEngine(relayer, led, repo, producer)
	poller := relay.NewPoller(lister, engine, led, cfg.PollInterval, cfg.StudyPause)

	handler := relay.NewHandler(engine, led, recv, repo, cfg.RelayMode, cfg.MaxBodyBytes)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
			"mode": cfg.RelayMode,
		}).Info("Relay Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go poller.Run(ctx)

	if cfg.RelayRequestTopic != "" {
		consumer := kafka.NewConsumer(cfg.RelayRequestTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			if err := consumer.Consume(ctx, engine.HandleRequest); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("relay request consumer stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Relay Service...")
	cancel()

	if assoc, ok := dimse.Engine(); ok {
		if err := assoc.StopListener(); err != nil {
			logger.Log.WithError(err).Error("failed to stop inbound listener")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Relay Service stopped")
}

func buildLedger(cfg *config.Config) ledger.Ledger {
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		return ledger.NewRedisLedger(database.GetRedis(), "")
	case config.LedgerFile:
		return ledger.NewFileLedger(cfg.LedgerPath)
	default:
		logger.Log.WithField("backend", cfg.LedgerBackend).Fatal("unknown ledger backend")
		return nil
	}
}

// buildStrategies wires the discovery lister and the relayer for the
// configured mode. Modes that touch the DIMSE wire require a registered
// association engine and refuse to start without one.
func buildStrategies(cfg *config.Config, recv *receiver.Receiver, tracker *receiver.Tracker) (relay.Lister, relay.Relayer) {
	sourceWeb := &relay.WebSource{Client: newWebClient(cfg, cfg.SourceWebURL)}

	switch cfg.RelayMode {
	case config.ModeWebToWeb:
		dest := &relay.WebDestination{Client: newWebClient(cfg, cfg.DestWebURL)}
		return sourceWeb, relay.NewPipeline(sourceWeb, dest)

	case config.ModeWebToDimse:
		engine := requireDimse(cfg.RelayMode)
		dest := &relay.DimseDestination{
			Service: engine,
			Peer:    dimse.Endpoint{AETitle: cfg.DestAETitle, Host: cfg.DestHost, Port: cfg.DestDimsePort},
		}
		return sourceWeb, relay.NewPipeline(sourceWeb, dest)

	case config.ModeDimsePull:
		engine := requireDimse(cfg.RelayMode)
		engine.RegisterInboundHandler(recv.HandleObject)
		if err := engine.StartListener(cfg.ListenerPort); err != nil {
			logger.Log.WithError(err).Fatal("failed to start inbound listener")
		}
		logger.Log.WithFields(map[string]interface{}{
			"ae_title": cfg.LocalAETitle,
			"port":     cfg.ListenerPort,
		}).Info("Inbound listener started")

		source := dimse.Endpoint{AETitle: cfg.SourceAETitle, Host: cfg.SourceHost, Port: cfg.SourceDimsePort}
		relayer := &relay.MoveRelayer{
			Service:       engine,
			Source:        source,
			DestinationAE: cfg.LocalAETitle,
			Tracker:       tracker,
			Quiescence:    cfg.ReceiveQuiescence,
			Timeout:       cfg.MoveTimeout,
		}

		// Prefer the REST listing when the source exposes one; fall back to a
		// wildcard C-FIND otherwise.
		var lister relay.Lister = sourceWeb
		if cfg.SourceWebURL == "" {
			lister = &relay.DimseSource{Service: engine, Peer: source}
		}
		return lister, relayer

	default:
		logger.Log.WithField("mode", cfg.RelayMode).Fatal("unknown relay mode")
		return nil, nil
	}
}

func requireDimse(mode string) dimse.Service {
	engine, ok := dimse.Engine()
	if !ok {
		logger.Log.WithField("mode", mode).Fatal("relay mode requires a registered DIMSE association engine")
	}
	return engine
}

func newWebClient(cfg *config.Config, base string) *dicomweb.Client {
	opts := []dicomweb.Option{dicomweb.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay)}
	if cfg.OAuthTokenURL != "" {
		opts = append(opts, dicomweb.WithClientCredentials(
			context.Background(), cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret))
	}
	return dicomweb.New(base, cfg.HTTPTimeout, opts...)
}
