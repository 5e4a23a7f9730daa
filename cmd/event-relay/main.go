package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/therapy-clinic-scheduling/internal/config"
	"github.com/hackgods/therapy-clinic-scheduling/internal/db"
	"github.com/hackgods/therapy-clinic-scheduling/internal/events"
	"github.com/hackgods/therapy-clinic-scheduling/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("event-relay", "prod", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New("event-relay", cfg.Env, cfg.LogLevel)

	if err := cfg.RequirePostgres(); err != nil {
		log.Fatal().Err(err).Msg("event-relay needs a database")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.RelayInterval).Int("batch", cfg.RelayBatchSize).Msg("event-relay starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2, MinConns: 1, AppName: "event-relay"})
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pool.Close()
	log.Info().Msg("connected to Postgres")

	var pub events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing to Kafka")
	} else {
		pub = events.NewLogPublisher(log)
		log.Warn().Msg("KAFKA_BROKERS not set; events are only logged")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing publisher")
		}
	}()

	relay := events.NewRelay(events.NewPgOutbox(pool), pub, log, cfg.RelayBatchSize)
	relay.Run(rootCtx, cfg.RelayInterval)

	log.Info().Msg("event-relay stopped")
}
