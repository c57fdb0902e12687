package odds

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKey guarda a tabela de probabilidades editável em runtime
// (JSON: [{"range":[1.0,1.1],"chance":0.15}, ...])
const RedisKey = "crash:chances"

// Bucket é uma faixa [min,max) da tabela de probabilidades com a chance
// de o crash point cair nela. As chances devem somar ~1.0; tolerância é
// tratada pelo GenerateCrashPoint, nunca rejeitada aqui.
type Bucket struct {
	Range  [2]float64 `json:"range"`
	Chance float64    `json:"chance"`
}

func (b Bucket) valid() bool {
	return b.Chance > 0 && b.Range[0] > 0 && b.Range[1] >= b.Range[0]
}

// DefaultTable é o fallback embutido quando o Redis está indisponível ou
// a chave não existe. Distribuição com predominância de multiplicadores
// baixos.
var DefaultTable = []Bucket{
	{Range: [2]float64{1.00, 1.10}, Chance: 0.15},
	{Range: [2]float64{1.10, 1.25}, Chance: 0.25},
	{Range: [2]float64{1.25, 1.50}, Chance: 0.20},
	{Range: [2]float64{1.50, 2.00}, Chance: 0.15},
	{Range: [2]float64{2.00, 3.00}, Chance: 0.10},
	{Range: [2]float64{3.00, 5.00}, Chance: 0.08},
	{Range: [2]float64{5.00, 10.00}, Chance: 0.05},
	{Range: [2]float64{10.00, 50.00}, Chance: 0.015},
	{Range: [2]float64{50.00, 100.00}, Chance: 0.005},
}

// Source resolve a tabela de probabilidades corrente: Redis com cache
// local curto, fallback pra DefaultTable. O TTL curto faz a edição via
// Redis valer pra rodada seguinte sem reiniciar o servidor.
type Source struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger

	mu       sync.Mutex
	cached   []Bucket
	cachedAt time.Time
}

func NewSource(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Source {
	return &Source{rdb: rdb, ttl: ttl, log: log}
}

// Chances retorna a tabela corrente. Nunca retorna vazio.
func (s *Source) Chances(ctx context.Context) []Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.cachedAt) < s.ttl {
		return s.cached
	}

	if table := s.fetch(ctx); table != nil {
		s.cached = table
		s.cachedAt = time.Now()
		return table
	}

	s.cached = DefaultTable
	s.cachedAt = time.Now()
	return DefaultTable
}

// fetch lê e valida a tabela do Redis; nil quando indisponível/inválida
func (s *Source) fetch(ctx context.Context) []Bucket {
	if s.rdb == nil {
		return nil
	}

	data, err := s.rdb.Get(ctx, RedisKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("redis crash chances read failed", zap.Error(err))
		}
		return nil
	}

	var raw []Bucket
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		s.log.Warn("crash chances payload invalid", zap.Error(err))
		return nil
	}

	table := make([]Bucket, 0, len(raw))
	for _, b := range raw {
		if b.valid() {
			table = append(table, b)
		}
	}
	if len(table) == 0 {
		return nil
	}
	return table
}
