package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/game-server/auth"
	"github.com/radieske/crash-game-server/internal/game-server/machine"
	"github.com/radieske/crash-game-server/internal/game-server/odds"
	"github.com/radieske/crash-game-server/internal/game-server/pubsub"
	"github.com/radieske/crash-game-server/internal/game-server/repo"
	"github.com/radieske/crash-game-server/internal/game-server/settle"
	"github.com/radieske/crash-game-server/internal/game-server/ws"
	"github.com/radieske/crash-game-server/internal/shared/cache"
	"github.com/radieske/crash-game-server/internal/shared/config"
	"github.com/radieske/crash-game-server/internal/shared/db"
	"github.com/radieske/crash-game-server/internal/shared/kafka"
	"github.com/radieske/crash-game-server/internal/shared/logger"
	"github.com/radieske/crash-game-server/internal/shared/metrics"
)

func main() {
	// carrega config
	cfg := config.Load()

	// inicia logger
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	// conecta com db Postgres
	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	log.Info("postgres connected")

	// conecta com Redis (cache da tabela de chances + Broadcast Bus)
	redisClient, err := cache.ConnectRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close()
	log.Info("redis connected")

	// writers Kafka da trilha de auditoria
	wagerWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicWagerSettled)
	defer wagerWriter.Close()
	roundWriter := kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicRoundFinished)
	defer roundWriter.Close()
	log.Info("kafka writers ready",
		zap.String("wagers", cfg.TopicWagerSettled),
		zap.String("rounds", cfg.TopicRoundFinished),
	)

	// Métricas Prometheus do ciclo de jogo e do gateway
	roundsStarted := prometheus.NewCounter(prometheus.CounterOpts{Name: "game_rounds_started_total", Help: "rodadas iniciadas"})
	roundsCrashed := prometheus.NewCounter(prometheus.CounterOpts{Name: "game_rounds_crashed_total", Help: "rodadas encerradas (crash)"})
	betsPlaced := prometheus.NewCounter(prometheus.CounterOpts{Name: "game_bets_placed_total", Help: "apostas aceitas"})
	cashouts := prometheus.NewCounter(prometheus.CounterOpts{Name: "game_cashouts_total", Help: "cashouts aceitos"})
	settleErrs := prometheus.NewCounter(prometheus.CounterOpts{Name: "game_settle_errors_total", Help: "liquidações de aposta falhas (reconciliar)"})
	wsConns := prometheus.NewGauge(prometheus.GaugeOpts{Name: "game_ws_connections", Help: "conexões WebSocket ativas"})
	prometheus.MustRegister(roundsStarted, roundsCrashed, betsPlaced, cashouts, settleErrs, wsConns)

	store := repo.NewPostgres(pg)
	bus := pubsub.NewRedisBroadcaster(redisClient)
	chances := odds.NewSource(redisClient, cfg.ChancesCache, log)

	// Máquina de estados da rodada autoritativa
	m := machine.New(machine.Config{
		BetDuration:  cfg.BetDuration,
		FlightMax:    cfg.FlightMax,
		RestartDelay: cfg.RestartDelay,
		RoundCheck:   cfg.RoundCheck,
		LobbyChannel: cfg.ChannelLobby,
	}, store, bus, chances, log)
	m.OnRoundStarted = func() { roundsStarted.Inc() }
	m.OnRoundCrashed = func() { roundsCrashed.Inc() }

	// Motor de liquidação, com auditoria via Kafka
	audit := settle.NewAuditPublisher(wagerWriter, roundWriter)
	engine := settle.NewEngine(log, store, m, bus, cfg.ChannelLobby, audit)
	engine.OnBet = func() { betsPlaced.Inc() }
	engine.OnCashout = func() { cashouts.Inc() }
	engine.OnSettleFailure = func() { settleErrs.Inc() }
	m.Settle = engine.SettleRound

	// Gateway WebSocket
	verifier := &auth.Verifier{
		BotToken:      cfg.BotToken,
		AdminBotToken: cfg.AdminBotToken,
		AllowDev:      cfg.DevAuth,
	}
	hub := ws.NewHub(log, ws.Config{
		InitialBalance: cfg.InitialBalance,
		DevBalance:     cfg.DevBalance,
		HistorySize:    cfg.HistorySize,
		PingInterval:   cfg.PingInterval,
		LobbyChannel:   cfg.ChannelLobby,
		ChatChannel:    cfg.ChannelChat,
	}, verifier, store, m, engine, bus)
	hub.OnConnect = func() { wsConns.Inc() }
	hub.OnDisconnect = func() { wsConns.Dec() }

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Assinante do Broadcast Bus: todo evento de jogo/chat chega a todas
	// as conexões deste processo por aqui
	ws.StartRedisSubscriber(ctx, redisClient, hub, cfg.ChannelLobby, cfg.ChannelChat)

	// Servidor de métricas e health em porta separada
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func(hctx context.Context) error {
		if err := pg.PingContext(hctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := redisClient.Ping(hctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})
	log.Info("metrics/health listening", zap.String("addr", metricsSrv.Addr))

	// Servidor público do gateway (/ws)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: mux,
	}
	go func() {
		log.Info("ws gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ws gateway failed", zap.Error(err))
		}
	}()

	// Pings de liveness das conexões
	go hub.Run(ctx)

	// Ciclo de rodadas: bloqueia até o shutdown
	log.Info("game-server started")
	m.Run(ctx)
	m.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("game-server stopped")
}
