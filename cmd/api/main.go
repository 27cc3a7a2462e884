package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibewell/bookingops/internal/api"
	"github.com/vibewell/bookingops/internal/config"
	"github.com/vibewell/bookingops/internal/gateway"
	"github.com/vibewell/bookingops/internal/idempotency"
	"github.com/vibewell/bookingops/internal/kv"
	"github.com/vibewell/bookingops/internal/payment"
	"github.com/vibewell/bookingops/internal/ratelimit"
	"github.com/vibewell/bookingops/internal/reservation"
	"github.com/vibewell/bookingops/internal/retry"
	"github.com/vibewell/bookingops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	var kvStore kv.Store
	if cfg.KVPath != "" {
		boltStore, err := kv.OpenBolt(cfg.KVPath)
		if err != nil {
			log.Fatalf("Unable to open KV store: %v", err)
		}
		defer boltStore.Close()
		kvStore = boltStore
	} else {
		kvStore = kv.NewMemory()
	}

	// Initialize Layers
	limiter := ratelimit.New(kvStore, ratelimit.DefaultRules(), cfg.FailOpen)
	engine := reservation.NewEngine(db.Db, cfg.HoldDuration)
	idem := idempotency.NewService(idempotency.NewPGRecorder(db.Db))
	gw := gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
	coordinator := payment.NewCoordinator(engine, db, gw, idem, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	})
	handler := api.NewHandler(engine, coordinator)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()

	reservations := apiV1.PathPrefix("/reservations").Subrouter()
	reservations.Use(api.RateLimit(limiter, "api"))
	reservations.HandleFunc("", handler.CreateReservationHandler).Methods("POST")
	reservations.HandleFunc("/{id}", handler.GetReservationHandler).Methods("GET")
	reservations.HandleFunc("/{id}", handler.CancelReservationHandler).Methods("DELETE")
	reservations.HandleFunc("/{id}/confirm", handler.ConfirmReservationHandler).Methods("POST")

	payments := apiV1.PathPrefix("/payments").Subrouter()
	payments.Use(api.RateLimit(limiter, "payment"))
	payments.HandleFunc("", handler.CreatePaymentHandler).Methods("POST")
	payments.HandleFunc("/{id}", handler.GetPaymentHandler).Methods("GET")
	payments.HandleFunc("/{id}/refund", handler.RefundPaymentHandler).Methods("POST")

	apiV1.HandleFunc("/admin/ratelimit/reset", api.AdminResetHandler(limiter, cfg.AdminToken)).Methods("POST")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.Run(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
