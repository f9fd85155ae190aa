// corebankd wires the payment core to its surfaces: Postgres (or an in-memory
// store for development), the AMQP ledger-event exchange, the expiry sweep
// schedule, and the HTTP API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/harborpay/corebank/internal/bank/eligibility"
	"github.com/harborpay/corebank/internal/bank/ledger"
	"github.com/harborpay/corebank/internal/bank/payment"
	"github.com/harborpay/corebank/internal/bank/pinauth"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/bank/txlog"
	"github.com/harborpay/corebank/internal/platform/audit"
	"github.com/harborpay/corebank/internal/platform/auth"
	"github.com/harborpay/corebank/internal/platform/clock"
	"github.com/harborpay/corebank/internal/platform/config"
	"github.com/harborpay/corebank/internal/platform/metrics"
	"github.com/harborpay/corebank/internal/platform/server"
)

// logCodeSender is the development delivery transport: the code lands in the
// daemon log instead of an SMS or email gateway.
type logCodeSender struct{}

func (logCodeSender) Send(_ context.Context, userID, code string) (string, error) {
	log.Printf("level=info component=code_sender msg=\"one-time code issued\" user_id=%s code=%s", userID, code)
	return "configured delivery channel", nil
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting corebankd\" port=%s", cfg.ServerPort)

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database open failed\" err=%v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
		}
		st = pg
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	} else {
		st = store.NewMemoryStore()
		log.Println("level=warn component=bootstrap msg=\"no database url configured; using in-memory store\"")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	auditLog := audit.NewLog()
	clk := clock.RealClock{}

	var sink txlog.Sink = txlog.NewMemorySink()
	if cfg.RabbitMQURL != "" {
		amqpSink, err := txlog.NewAMQPSink(cfg.RabbitMQURL, cfg.LedgerEventExchange)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq unavailable; ledger events stay in memory\" err=%v", err)
		} else {
			defer amqpSink.Close()
			sink = amqpSink
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	notifier := &txlog.Notifier{Sink: sink, Metrics: m, Audit: auditLog}

	engine := &ledger.Engine{
		Accounts:     st,
		Transactions: st,
		Clock:        clk,
		Metrics:      m,
		Audit:        auditLog,
		MaxAttempts:  cfg.DebitMaxAttempts,
	}
	gate := &eligibility.Gate{Profiles: st}
	pins := &pinauth.Service{
		Profiles:    st,
		Accounts:    st,
		Clock:       clk,
		Metrics:     m,
		Audit:       auditLog,
		MaxFailures: cfg.PINMaxFailures,
		LockoutTTL:  time.Duration(cfg.PINLockoutSeconds) * time.Second,
	}
	payments := &payment.Coordinator{
		Store:      st,
		Gate:       gate,
		PINs:       pins,
		Engine:     engine,
		Sender:     logCodeSender{},
		Notifier:   notifier,
		Clock:      clk,
		Metrics:    m,
		Audit:      auditLog,
		CodeTTL:    time.Duration(cfg.CodeTTLSeconds) * time.Second,
		CodeLength: cfg.CodeLength,
		SweepGrace: time.Duration(cfg.SweepGraceSeconds) * time.Second,
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := payments.SweepExpired(ctx); err != nil {
			log.Printf("level=error component=sweep msg=\"expired transaction sweep failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep schedule invalid\" cron=%q err=%v", cfg.SweepCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &server.Server{
		Store:    st,
		Gate:     gate,
		PINs:     pins,
		Payments: payments,
		Verifier: auth.NewJWTVerifier(cfg.JWTSecret),
		Gatherer: reg,
	}

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	notifier.Flush()
	log.Println("level=info component=http msg=\"shutdown complete\"")
}
