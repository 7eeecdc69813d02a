// Command dispatchd is the entry point: loads config, wires every store
// and service, starts the HTTP server and background schedulers.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"dispatch/internal/cachestore"
	"dispatch/internal/config"
	"dispatch/internal/eventbus"
	"dispatch/internal/fcmoutbox"
	"dispatch/internal/fleet"
	"dispatch/internal/hold"
	"dispatch/internal/httpapi"
	"dispatch/internal/infra"
	"dispatch/internal/lockmanager"
	"dispatch/internal/logging"
	"dispatch/internal/matchindex"
	"dispatch/internal/order"
	"dispatch/internal/routeprogress"
	"dispatch/internal/scheduler"
)

func main() {
	logger := logging.Must(os.Getenv("DISPATCH_ENV") != "production")
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("config load failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		logger.Fatal("FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Fatalw("firebase verifier init failed", "error", err)
	}

	fcmClient, err := newFCMClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Fatalw("firebase messaging init failed", "error", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.Postgres.DSN())
	if err != nil {
		logger.Fatalw("postgres connect failed", "error", err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(infra.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	cache := cachestore.New(redisClient)
	locks := lockmanager.New(redisClient)
	bus := eventbus.New(redisClient, logger)
	matchIdx := matchindex.New(redisClient, cfg.Dispatch.MatchIndexTTL)
	sched := scheduler.New()
	defer sched.StopAll()
	outbox := fcmoutbox.New(fcmClient, logger)

	orderStore := order.NewStore(dbPool)
	fleetStore := fleet.NewStore(dbPool)
	holdStore := hold.NewStore(cache)

	orderSvc := order.NewService(order.Deps{
		Store:               orderStore,
		FleetStore:          fleetStore,
		Cache:               cache,
		MatchIndex:          matchIdx,
		Bus:                 bus,
		Outbox:              outbox,
		Scheduler:           sched,
		Logger:              logger,
		CreateRatePerWindow: cfg.Dispatch.CreateRatePerWindow,
		CreateRateWindow:    cfg.Dispatch.CreateRateWindow,
		BroadcastTimeout:    cfg.Dispatch.BroadcastTimeout,
		IdempotencyTTL:      cfg.Dispatch.IdempotencyTTL,
	})

	holdSvc := hold.NewService(hold.Deps{
		Store:           holdStore,
		OrderStore:      orderStore,
		FleetStore:      fleetStore,
		Cache:           cache,
		Locks:           locks,
		MatchIndex:      matchIdx,
		Bus:             bus,
		Outbox:          outbox,
		Scheduler:       sched,
		Logger:          logger,
		HoldDuration:    cfg.Dispatch.HoldDuration,
		HoldTimeout:     cfg.Dispatch.HoldTimeout,
		MaxHoldQuantity: cfg.Dispatch.MaxHoldQuantity,
	})

	routeSvc := routeprogress.NewService(orderStore, fleetStore, bus, logger)

	router := httpapi.NewRouter(httpapi.Services{
		Order:         orderSvc,
		Hold:          holdSvc,
		RouteProgress: routeSvc,
		Fleet:         fleetStore,
		Verifier:      verifier,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go runExpirySweep(ctx, orderSvc, cfg.Dispatch.HoldCleanupInterval, logger)

	go func() {
		logger.Infow("dispatchd listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}
}

// runExpirySweep is the backstop that catches any order whose in-process
// scheduler timer was lost to a restart.
func runExpirySweep(ctx context.Context, orderSvc *order.Service, interval time.Duration, logger interface {
	Warnw(string, ...interface{})
}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := orderSvc.ExpireOverdueOrders(ctx); err != nil {
				logger.Warnw("expire overdue orders sweep failed", "error", err)
			} else if n > 0 {
				logger.Warnw("expire overdue orders sweep caught lapsed orders", "count", n)
			}
		}
	}
}

func newFCMClient(ctx context.Context, projectID, credentialsFile string) (*messaging.Client, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, err
	}
	return app.Messaging(ctx)
}
