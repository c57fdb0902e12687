package settle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/radieske/crash-game-server/pkg/contracts/events"
)

// AuditPublisher envia os eventos de liquidação pro Kafka; o
// settlement-audit-worker consome e materializa o histórico de
// auditoria. A chave é o sessionId pra preservar a ordem por rodada
// dentro da partição.
type AuditPublisher struct {
	Wagers *kafka.Writer
	Rounds *kafka.Writer
}

func NewAuditPublisher(wagers, rounds *kafka.Writer) *AuditPublisher {
	return &AuditPublisher{Wagers: wagers, Rounds: rounds}
}

func (p *AuditPublisher) WagerSettled(ctx context.Context, e events.WagerSettled) error {
	e.TsUnixMs = time.Now().UnixMilli()
	b, _ := json.Marshal(e)
	return p.Wagers.WriteMessages(ctx, kafka.Message{Key: []byte(e.SessionID), Value: b})
}

func (p *AuditPublisher) RoundFinished(ctx context.Context, e events.RoundFinished) error {
	e.TsUnixMs = time.Now().UnixMilli()
	b, _ := json.Marshal(e)
	return p.Rounds.WriteMessages(ctx, kafka.Message{Key: []byte(e.SessionID), Value: b})
}
