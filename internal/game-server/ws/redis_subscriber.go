package ws

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// StartRedisSubscriber inicia uma goroutine que escuta os canais do
// Broadcast Bus (lobby e chat) e repassa cada mensagem recebida para
// todas as conexões WebSocket deste processo via Hub
//
// Funcionamento:
// - Recebe mensagens JSON dos canais Redis
// - Repassa o payload bruto pro hub, que anota o canal de origem
// - Entrega é at-least-once; clientes deduplicam por sessionId+phase
func StartRedisSubscriber(ctx context.Context, r *redis.Client, hub *Hub, channels ...string) {
	sub := r.Subscribe(ctx, channels...)
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close() // encerra a inscrição ao finalizar o contexto
				return
			case msg := <-ch:
				if msg == nil {
					continue
				}
				hub.Broadcast(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}
