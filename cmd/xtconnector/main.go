package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/xtconnector/api"
	"github.com/Aidin1998/xtconnector/internal/connector"
	"github.com/Aidin1998/xtconnector/internal/exchange/xt"
	"github.com/Aidin1998/xtconnector/internal/infrastructure/config"
	"github.com/Aidin1998/xtconnector/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/xtconnector/internal/persistence"
	"github.com/Aidin1998/xtconnector/internal/trading/events"
	"github.com/Aidin1998/xtconnector/internal/userstream"
	"github.com/Aidin1998/xtconnector/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("XTCONN_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("Connector exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gate := ratelimit.NewGate(cfg.RateLimit.Default, cfg.RateLimitOverrides())
	var auth *xt.Auth
	if cfg.Exchange.APIKey != "" {
		auth = xt.NewAuth(cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
	}
	client := xt.NewClient(cfg.Exchange.RESTURL, cfg.Polling.APITimeout, auth, gate, zapLogger)

	// Event sinks: in-process bus, log, optional Kafka.
	bus := events.NewInMemoryBus(zapLogger)
	sinks := []events.Sink{bus, events.NewLogSink(zapLogger)}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, events.DefaultKafkaSinkConfig(), zapLogger)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	emitter := events.NewEmitter(zapLogger, sinks...)

	conn := connector.New(connector.Config{
		TradingPairs:         cfg.Exchange.TradingPairs,
		TradingRequired:      cfg.Exchange.TradingRequired,
		PollInterval:         cfg.Polling.PollInterval,
		TradingRulesInterval: cfg.Polling.TradingRulesInterval,
		ErrorBackoff:         cfg.Polling.ErrorBackoff,
		TradeLookback:        cfg.Polling.TradeLookback,
		OrderBatchSize:       cfg.Polling.OrderBatchSize,
		ExchangeIDTimeout:    cfg.Polling.ExchangeIDTimeout,
		CancelPacing:         cfg.Polling.CancelPacing,
		CancelSettle:         cfg.Polling.CancelSettle,
		OpenOrdersPageSize:   cfg.Polling.OpenOrdersPageSize,
	}, client, emitter, zapLogger)

	store, err := persistence.Open(persistence.Options{
		Backend:       cfg.Persistence.Backend,
		Path:          cfg.Persistence.Path,
		RedisAddr:     cfg.Persistence.RedisAddr,
		RedisPassword: cfg.Persistence.RedisPassword,
		RedisDB:       cfg.Persistence.RedisDB,
		RedisKey:      cfg.Persistence.RedisKey,
	})
	if err != nil {
		return err
	}
	var checkpointer *persistence.Checkpointer
	if store != nil {
		defer store.Close()
		saved, err := store.Load(ctx)
		if err != nil {
			return err
		}
		conn.RestoreTrackingStates(saved)
		checkpointer = persistence.NewCheckpointer(store, conn, cfg.Persistence.CheckpointInterval, zapLogger)
		for _, kind := range events.AllKinds() {
			if kind == events.KindOrderFilled {
				continue
			}
			bus.Subscribe(kind, func(events.Event) { checkpointer.Trigger() })
		}
	}

	status, err := conn.CheckNetwork(ctx)
	if err != nil {
		return err
	}
	if status != connector.NetworkConnected {
		zapLogger.Warn("Exchange not reachable at startup, loops will keep retrying")
	}

	conn.Start(ctx)

	background, cancelBackground := context.WithCancel(context.Background())
	done := make(chan struct{})
	var waits []<-chan struct{}
	spawn := func(fn func()) {
		ch := make(chan struct{})
		waits = append(waits, ch)
		go func() {
			defer close(ch)
			fn()
		}()
	}

	// external clock driving the poll notifier
	spawn(func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				conn.Tick(now)
			}
		}
	})

	if cfg.Exchange.UserStreamEnabled {
		listener := userstream.NewListener(userstream.Config{
			URL:          cfg.Exchange.WSURL,
			ListenKey:    cfg.Exchange.ListenKey,
			PingInterval: 20 * time.Second,
		}, conn, zapLogger)
		spawn(func() { _ = listener.Run(background) })
	}
	if checkpointer != nil {
		spawn(func() { checkpointer.Run(background) })
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(zapLogger, conn)
		go func() {
			if err := server.Start(cfg.API.Listen); err != nil {
				zapLogger.Error("API server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	zapLogger.Info("Shutting down connector")

	if cfg.Shutdown.CancelAll {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.CancelAllTimeout)
		results, err := conn.CancelAll(cancelCtx, cfg.Shutdown.CancelAllTimeout)
		cancel()
		if err != nil {
			zapLogger.Warn("Cancel all on shutdown failed", zap.Error(err))
		}
		for _, r := range results {
			if !r.Success {
				zapLogger.Warn("Order cancellation unconfirmed", zap.String("client_order_id", r.ClientOrderID))
			}
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("API server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	conn.Stop()
	close(done)
	// the checkpointer saves the final state as it exits
	cancelBackground()
	for _, w := range waits {
		<-w
	}
	zapLogger.Info("Connector stopped cleanly")
	return nil
}
