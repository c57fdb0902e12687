package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/audit-worker/repository"
	skafka "github.com/radieske/crash-game-server/internal/shared/kafka"
	"github.com/radieske/crash-game-server/pkg/contracts/events"
)

// Processor consome os eventos de liquidação (wager_settled e
// round_finished) e grava a trilha de auditoria no Postgres. Eventos de
// aposta que falham na persistência vão pra DLQ em vez de travar o
// consumo. Callbacks de métricas podem ser usadas para monitoramento de
// cada etapa.
type Processor struct {
	Log    *zap.Logger
	Wagers *kafka.Reader
	Rounds *kafka.Reader
	DLQ    *kafka.Writer // opcional
	Repo   *repository.PostgresRepo

	OnConsumed func(string) // métricas (counter++) por tópico
	OnPersist  func(string) // métricas
	OnError    func(string) // métricas por fase
}

// RunWagers é o loop de consumo de wager_settled
func (p *Processor) RunWagers(ctx context.Context) error {
	for {
		m, err := p.Wagers.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() // encerra se o contexto for cancelado
			}
			p.Log.Warn("kafka read failed", zap.Error(err))
			if p.OnError != nil {
				p.OnError("read")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if p.OnConsumed != nil {
			p.OnConsumed("wager_settled")
		}

		var ev events.WagerSettled
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			p.Log.Warn("invalid message", zap.Error(err))
			if p.OnError != nil {
				p.OnError("decode")
			}
			continue
		}

		if err := p.Repo.InsertWagerSettled(ctx, ev); err != nil {
			p.Log.Warn("db insert failed", zap.Error(err), zap.String("wager_id", ev.WagerID))
			if p.OnError != nil {
				p.OnError("db_insert")
			}
			p.deadLetter(ctx, ev.WagerID, m.Value)
			continue
		}
		if p.OnPersist != nil {
			p.OnPersist("wager_settled")
		}
	}
}

// RunRounds é o loop de consumo de round_finished
func (p *Processor) RunRounds(ctx context.Context) error {
	for {
		m, err := p.Rounds.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Log.Warn("kafka read failed", zap.Error(err))
			if p.OnError != nil {
				p.OnError("read")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if p.OnConsumed != nil {
			p.OnConsumed("round_finished")
		}

		var ev events.RoundFinished
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			p.Log.Warn("invalid message", zap.Error(err))
			if p.OnError != nil {
				p.OnError("decode")
			}
			continue
		}

		if err := p.Repo.InsertRoundFinished(ctx, ev); err != nil {
			p.Log.Warn("db insert failed", zap.Error(err), zap.String("session_id", ev.SessionID))
			if p.OnError != nil {
				p.OnError("db_insert")
			}
			continue
		}
		if p.OnPersist != nil {
			p.OnPersist("round_finished")
		}
	}
}

// deadLetter repassa o payload bruto pra DLQ; se a própria DLQ falhar,
// só loga — o evento fica recuperável pelo offset do tópico de origem.
func (p *Processor) deadLetter(ctx context.Context, key string, payload []byte) {
	if p.DLQ == nil {
		return
	}
	if err := skafka.WriteJSON(ctx, p.DLQ, key, payload); err != nil {
		p.Log.Error("dlq write failed", zap.Error(err), zap.String("key", key))
	}
}
