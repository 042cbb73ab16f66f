package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"campusfood/internal/auth"
	"campusfood/internal/catalog"
	"campusfood/internal/config"
	"campusfood/internal/httpx"
	kafkax "campusfood/internal/kafka"
	"campusfood/internal/orders"
	"campusfood/internal/payments"
	"campusfood/internal/postgres"
	"campusfood/internal/redisx"
	"campusfood/internal/stock"
	"campusfood/internal/sweeper"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderEvents, 1024, log)
	go prod.Start(ctx)

	cat := &catalog.Repo{DB: db}
	ledger := &stock.Ledger{DB: db}
	repo := &orders.Repo{DB: db}

	engine := &orders.Engine{
		Store:   repo,
		Ledger:  ledger,
		Catalog: cat,
		Events:  prod,
		Log:     log,
		Service: cfg.ServiceName,
	}

	provider := &payments.Client{
		AccessToken: cfg.MPAccessToken,
		PublicKey:   cfg.MPPublicKey,
		BaseURL:     cfg.MPBaseURL,
		HTTP:        &http.Client{Timeout: 15 * time.Second},
	}
	bridge := &payments.Bridge{
		Provider: provider,
		Engine:   engine,
		Orders:   repo,
		Log:      log,
	}

	sw := &sweeper.Sweeper{
		Engine:   engine,
		Orders:   repo,
		Interval: cfg.SweepInterval,
		TTL:      cfg.PendingTTL,
		Log:      log,
	}
	go sw.Run(ctx)

	verifier := &auth.Verifier{Secret: []byte(cfg.JWTSecret)}

	r := httpx.NewRouter()
	(&httpx.OrdersHandler{Engine: engine, Catalog: cat, Auth: verifier, Redis: rdb, Log: log}).Register(r)
	(&httpx.PaymentsHandler{Bridge: bridge, Provider: provider, Redis: rdb, Log: log}).Register(r)
	(&httpx.StockHandler{Ledger: ledger, Log: log}).Register(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	// Stop accepting events, flush what is buffered, then cancel the
	// producer's context.
	prod.Close()
	prod.WaitClosed()
	cancel()

	log.Info("bye")
}
