// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/bellwether/cmd/bellwether/config"
	"github.com/AleutianAI/bellwether/pkg/logging"
	"github.com/AleutianAI/bellwether/services/experiment/aggregator"
	"github.com/AleutianAI/bellwether/services/experiment/allocation"
	"github.com/AleutianAI/bellwether/services/experiment/decay"
	"github.com/AleutianAI/bellwether/services/experiment/guardrail"
	"github.com/AleutianAI/bellwether/services/experiment/lifecycle"
	"github.com/AleutianAI/bellwether/services/experiment/observability"
	"github.com/AleutianAI/bellwether/services/experiment/routes"
	"github.com/AleutianAI/bellwether/services/experiment/scheduler"
	badgerstore "github.com/AleutianAI/bellwether/services/experiment/storage/badger"
	"github.com/AleutianAI/bellwether/services/experiment/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bellwether",
	Short: "Bellwether A/B experimentation engine",
	Long: `Bellwether runs controlled experiments over outcome event streams:
aggregation, significance testing, guardrails, traffic allocation, and
winner lifecycle management.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experimentation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to bellwether.yaml (default ~/.bellwether/bellwether.yaml)")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// initTracer wires the OTLP gRPC exporter. Returns a shutdown func, or a
// no-op when no collector endpoint is configured.
func initTracer(endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("bellwether-engine")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func serve(ctx context.Context) error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg := config.Global

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.File,
		Service: "bellwether",
		JSON:    cfg.Logging.Format == "json",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer(cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	dbCfg := badgerstore.DefaultConfig(cfg.Storage.Path)
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.SyncWrites = cfg.Storage.SyncWrites
	st, err := store.NewBadgerStore(dbCfg, logger.Slog())
	if err != nil {
		return err
	}
	defer st.Close()

	gcCtx, cancelGC := context.WithCancel(context.Background())
	defer cancelGC()
	go st.RunGC(gcCtx, dbCfg)

	banditSeed := cfg.Engine.BanditSeed
	if banditSeed == 0 {
		banditSeed = time.Now().UnixNano()
	}

	registry := aggregator.NewRegistry()
	guard := guardrail.New(guardrail.Config{Alpha: cfg.Engine.Alpha}, logger.Slog())
	allocMgr := allocation.NewManager(st, logger.Slog(),
		allocation.WithMetrics(metrics))
	controller := lifecycle.NewController(st, registry, guard, allocMgr,
		lifecycle.Config{BanditSeed: banditSeed}, logger.Slog(),
		lifecycle.WithMetrics(metrics))
	decaySched := decay.New(decay.DefaultBands())

	sched := scheduler.New(controller, st, metrics, logger.Slog(), scheduler.Config{
		EvaluationInterval: cfg.Scheduler.EvaluationInterval,
		AllocationInterval: cfg.Scheduler.AllocationInterval,
		MaxConcurrent:      cfg.Scheduler.MaxConcurrent,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	router := gin.Default()
	router.Use(otelgin.Middleware("bellwether-engine"))
	routes.SetupRoutes(router, st, registry, controller, decaySched, metrics)

	logger.Info("starting the bellwether server", "port", cfg.Server.Port)
	return router.Run(":" + cfg.Server.Port)
}
