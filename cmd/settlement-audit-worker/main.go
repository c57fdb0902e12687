package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/audit-worker/consumer"
	"github.com/radieske/crash-game-server/internal/audit-worker/repository"
	"github.com/radieske/crash-game-server/internal/shared/config"
	"github.com/radieske/crash-game-server/internal/shared/db"
	"github.com/radieske/crash-game-server/internal/shared/kafka"
	"github.com/radieske/crash-game-server/internal/shared/logger"
	"github.com/radieske/crash-game-server/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Conexão com Postgres para a trilha de auditoria
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	// Consumers Kafka (consumer group settlement-audit)
	wagerReader := kafka.NewReader(cfg.KafkaBrokers, cfg.TopicWagerSettled, "settlement-audit")
	defer wagerReader.Close()
	roundReader := kafka.NewReader(cfg.KafkaBrokers, cfg.TopicRoundFinished, "settlement-audit")
	defer roundReader.Close()

	var dlqWriter *kafka.Writer
	if cfg.TopicWagerSettledDLQ != "" {
		dlqWriter = kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicWagerSettledDLQ)
		defer dlqWriter.Close()
	}

	// Métricas Prometheus do consumo e da persistência
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "audit_messages_consumed_total", Help: "mensagens consumidas"}, []string{"topic"})
	persisted := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "audit_rows_persisted_total", Help: "linhas de auditoria gravadas"}, []string{"topic"})
	errorsBy := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "audit_errors_total", Help: "erros por estágio"}, []string{"stage"})
	prometheus.MustRegister(consumed, persisted, errorsBy)

	proc := &consumer.Processor{
		Log:        log,
		Wagers:     wagerReader,
		Rounds:     roundReader,
		DLQ:        dlqWriter,
		Repo:       &repository.PostgresRepo{DB: pg},
		OnConsumed: func(topic string) { consumed.WithLabelValues(topic).Inc() },
		OnPersist:  func(topic string) { persisted.WithLabelValues(topic).Inc() },
		OnError:    func(stage string) { errorsBy.WithLabelValues(stage).Inc() },
	}

	// Servidor de métricas e health
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func(hctx context.Context) error {
		if err := pg.PingContext(hctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})
	log.Info("metrics/health listening", zap.String("addr", metricsSrv.Addr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("settlement-audit-worker started",
		zap.String("wagers", cfg.TopicWagerSettled),
		zap.String("rounds", cfg.TopicRoundFinished),
	)

	go func() {
		if err := proc.RunRounds(ctx); err != nil && ctx.Err() == nil {
			log.Error("round consumer stopped with error", zap.Error(err))
		}
	}()
	if err := proc.RunWagers(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("wager consumer stopped with error", zap.Error(err))
	}
	log.Info("settlement-audit-worker stopped")
}
