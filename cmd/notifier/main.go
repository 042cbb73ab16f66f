package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"campusfood/internal/config"
	kafkax "campusfood/internal/kafka"
	"campusfood/internal/notify"
	"campusfood/internal/orders"
	"campusfood/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(zap.String("service", "notifier"))

	group := envOr("NOTIFIER_GROUP", "notifier")
	workers := envInt("NOTIFIER_WORKERS", 4)

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{Redis: rdb, Log: log}
	consumer := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicOrderEvents, workers, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stopCh := make(chan os.Signal, 1)
		signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
		<-stopCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("consuming order events",
		zap.String("group", group), zap.Int("workers", workers))
	if err := consumer.Start(ctx, svc.HandleOrderEvent); err != nil {
		log.Fatal("consumer stopped", zap.Error(err))
	}
	log.Info("bye")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
