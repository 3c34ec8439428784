package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/clock"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/eventbus"
	"parley/internal/http"
	"parley/internal/lifecycle"
	"parley/internal/logging"
	"parley/internal/notify"
	"parley/internal/presence"
	"parley/internal/signaling"
	"parley/internal/storage"
	"parley/internal/typing"
	"parley/internal/ws"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	addUser := flags.String("add-user", "", "Username to register through the admin API of a running server")
	if err := flags.Parse(args); err != nil {
		return err
	}

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logCloser := logging.Init(cfg.LogLevel, cfg.LogSink)
	defer func() { _ = logCloser.Close() }()

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg, os.Stdout)
	}

	bbStorage, err := storage.NewBboltStorage(ctx, cfg.DBFile, cfg.CacheTTL)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	clk := clock.Real()
	registry := presence.New(bbStorage, clk, cfg.StoreTimeout)
	tracker := typing.New(registry, clk, cfg.TypingTimeout)
	engine := lifecycle.New(bbStorage, bbStorage, registry, tracker, clk, lifecycle.Config{
		EditWindow:   cfg.EditWindow,
		StoreTimeout: cfg.StoreTimeout,
		HistoryLimit: cfg.HistoryLimit,
	})

	if cfg.PushEnabled() {
		engine.SetNotifier(notify.NewWebPush(bbStorage, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber))
		slog.Info("web push enabled")
	}

	if cfg.AMQPURL != "" {
		publisher, err := eventbus.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		engine.SetPublisher(publisher)
		slog.Info("publishing message events", "exchange", cfg.AMQPExchange)
	}

	relay := signaling.New(registry)
	hub := ws.NewHub(bbStorage, registry, tracker, engine, relay, cfg.StoreTimeout)

	apiServer := http.NewAPIServer(
		ws.NewServer(hub, cfg.MessageRate),
		api.New(engine, bbStorage, registry, clk, cfg.StoreTimeout),
		cfg.APIAddr,
	)
	adminServer := http.NewAdminServer(api.NewAdminHandler(bbStorage, cfg.StoreTimeout), cfg.AdminAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
