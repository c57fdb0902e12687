package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis abre um cliente Redis e valida a conexão.
// O mesmo cliente serve comandos normais e Pub/Sub (go-redis separa a
// conexão de subscriber internamente).
func ConnectRedis(addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}
