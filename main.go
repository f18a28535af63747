package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aidss/lisbridge/api"
	"github.com/aidss/lisbridge/api/ack"
	"github.com/aidss/lisbridge/api/annotation"
	"github.com/aidss/lisbridge/api/engine"
	"github.com/aidss/lisbridge/api/ledger"
	"github.com/aidss/lisbridge/api/mllp"
	"github.com/aidss/lisbridge/api/normalize"
	"github.com/aidss/lisbridge/api/outbox"
	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/api/registry"
	"github.com/aidss/lisbridge/api/slide"
	"github.com/aidss/lisbridge/config"
	"go.uber.org/zap"
)

const envFile = "aidss.env"

var (
	// set at build time with -ldflags "-X main.version=..."
	version   = "unset"
	timestamp = "unset"
)

func main() {
	// Load environment
	env, err := config.Load(envFile)
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	var logger *zap.Logger
	switch env.Mode {
	case "dev":
		logger, err = zap.NewDevelopment()
	case "prod":
		logger, err = zap.NewProduction()

	default:
		err = fmt.Errorf("Invalid 'mode' flag: %s", env.Mode)
	}
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	cfg := config.Config{
		Logger:      sugar,
		Environment: env,
	}

	// Log version
	sugar.Infof("Version: %s Timestamp: %s", version, timestamp)

	// Log config
	sugar.Info(env)

	// The registry is loaded once and never reloaded while running
	models, err := registry.Load(env.ModelTable)
	if err != nil {
		sugar.Fatal(err)
	}
	sugar.Infof("Loaded %d models from %s", models.Len(), models.Source())

	resolver, err := slide.NewArchiveResolver(&cfg)
	if err != nil {
		sugar.Fatal(err)
	}
	janitor := slide.NewJanitor(&cfg, resolver)

	var executor engine.Executor
	switch env.EngineBackend {
	case config.BackendPrefect:
		executor = engine.NewFlowExecutor(&cfg)
	default:
		executor = engine.NewCommandExecutor(&cfg)
	}

	jobs, err := ledger.Open(env.LedgerDir)
	if err != nil {
		sugar.Fatal(err)
	}
	defer jobs.Close()

	dispatcher := pipeline.NewDispatcher(&cfg, models, resolver, engine.NewAdapters(&cfg, executor),
		normalize.New(&cfg), annotation.NewBuilder(&cfg), jobs)

	// Results are only delivered when the LIS address is known
	var box *outbox.Outbox
	if env.LisAddr != "" {
		box, err = outbox.New(&cfg, mllp.NewClient(&cfg, env.LisAddr))
		if err != nil {
			sugar.Fatal(err)
		}
	}

	orders := api.NewOrderService(&cfg, dispatcher, ack.NewResponder(&cfg), box)
	listener := mllp.NewServer(&cfg, orders)

	// Setup router
	r, err := api.NewRouter(cfg, api.Services{
		Dispatcher: dispatcher,
		Ledger:     jobs,
		Orders:     orders,
		Outbox:     box,
		Models:     models.Len(),
	})
	if err != nil {
		sugar.Fatal(err)
	}
	server := &http.Server{Addr: env.Addr, Handler: r}

	// Start processing
	janitor.Start()
	dispatcher.Start()
	if box != nil {
		box.Start()
	}
	if err := listener.Start(env.MllpAddr); err != nil {
		sugar.Fatal(err)
	}

	go func() {
		sugar.Infof("Listening on %s", env.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatal(err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	sugar.Infof("Received %s, shutting down", sig)

	// Stop taking orders, then let running jobs finish within the grace period
	listener.Shutdown()
	dispatcher.Shutdown(env.ShutdownGrace())
	orders.Wait()
	janitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		sugar.Warn(err)
	}
	if box != nil {
		if err := box.Close(); err != nil {
			sugar.Warn(err)
		}
	}
}
