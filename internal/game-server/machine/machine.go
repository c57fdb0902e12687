package machine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/game-server/dto"
	"github.com/radieske/crash-game-server/internal/game-server/odds"
)

// Phase é a fase em memória da rodada corrente. No banco, flying é
// persistido como "playing".
type Phase string

const (
	PhaseBetting Phase = "betting"
	PhaseFlying  Phase = "flying"
	PhaseCrashed Phase = "crashed"
)

var (
	ErrNotBetting = errors.New("Betting phase is over")
	ErrNotFlying  = errors.New("Not in flying phase")
)

// Store é o subconjunto do Session Store que a máquina usa
type Store interface {
	CreateSession(ctx context.Context, seed int64, betEnd time.Time) (string, error)
	MarkFlying(ctx context.Context, sessionID string, crashPoint float64, startedAt time.Time) error
	MarkCrashed(ctx context.Context, sessionID string, endedAt time.Time, durationMs int64) error
}

// Broadcaster publica eventos no Broadcast Bus (Redis Pub/Sub)
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ChanceSource resolve a tabela de probabilidades da rodada
type ChanceSource interface {
	Chances(ctx context.Context) []odds.Bucket
}

type Config struct {
	BetDuration  time.Duration // janela de apostas
	FlightMax    time.Duration // teto do voo (clamp do crashTime)
	RestartDelay time.Duration // pausa entre crash e rodada seguinte
	RoundCheck   time.Duration // supervisor
	LobbyChannel string
}

// BetTotal é o agregado em memória das apostas de um usuário na rodada.
// Apostas somam, nunca substituem: várias chamadas de bet na mesma
// janela viram uma posição lógica só (linhas de wager distintas no banco
// pra auditoria).
type BetTotal struct {
	UserID   string
	Username string
	Total    int64
	Count    int
}

// round é o estado da rodada corrente, de posse exclusiva da máquina.
// O timer da próxima transição fica aqui pra rodada poder ser abortada
// (shutdown) sem vazar timers.
type round struct {
	sessionID  string
	seed       int64
	phase      Phase
	crashPoint float64
	crashTime  int64     // ms; zero até a decolagem
	startTime  time.Time // início do voo; durante apostas, = betEnd
	betEnd     time.Time
	duration   int64 // teto planejado, ms
	bets       map[string]*BetTotal
	timer      *time.Timer
}

// Snapshot é a visão read-only da rodada pro quadro sync do gateway
type Snapshot struct {
	Phase         Phase
	SessionID     string
	Seed          int64
	CrashPoint    float64
	HasCrashPoint bool
	CrashTime     int64
	StartTime     time.Time
	BetEndTime    time.Time
	Duration      int64
}

// Machine dirige a rodada autoritativa única: betting → flying → crashed
// → (próxima). As transições são timers agendados; um supervisor religa o
// ciclo se nenhuma rodada estiver ativa e nenhum timer pendente.
type Machine struct {
	cfg     Config
	store   Store
	bus     Broadcaster
	chances ChanceSource
	log     *zap.Logger

	mu       sync.RWMutex
	rnd      *rand.Rand
	round    *round
	restart  *time.Timer
	starting bool
	stopped  bool

	// Settle é chamado no crash, antes do broadcast de game-crash
	Settle func(ctx context.Context, res RoundResult)

	// métricas (counter++), ligadas no main
	OnRoundStarted func()
	OnRoundCrashed func()
}

// RoundResult é o que a liquidação de fim de rodada precisa saber
type RoundResult struct {
	SessionID  string
	Seed       int64
	CrashPoint float64
	DurationMs int64
}

func New(cfg Config, store Store, bus Broadcaster, chances ChanceSource, log *zap.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		chances: chances,
		log:     log,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run inicia a primeira rodada e mantém o supervisor: se não há rodada
// nem timer pendente (processo perdeu um agendamento), religa o ciclo.
// Bloqueia até o ctx encerrar.
func (m *Machine) Run(ctx context.Context) {
	m.StartRound(ctx)

	t := time.NewTicker(m.cfg.RoundCheck)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-t.C:
			m.mu.RLock()
			idle := m.round == nil && m.restart == nil && !m.starting && !m.stopped
			m.mu.RUnlock()
			if idle {
				m.log.Warn("no active round, supervisor restarting cycle")
				m.StartRound(ctx)
			}
		}
	}
}

// Stop cancela os timers pendentes; a rodada corrente não é liquidada
// (reconciliada pelo supervisor do próximo processo)
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.round != nil && m.round.timer != nil {
		m.round.timer.Stop()
	}
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
}

// StartRound abre uma rodada nova em fase de apostas. No-op se já existe
// rodada ativa (invariante de rodada única).
func (m *Machine) StartRound(ctx context.Context) {
	m.mu.Lock()
	if m.round != nil || m.starting || m.stopped {
		m.mu.Unlock()
		return
	}
	m.starting = true
	seed := m.rnd.Int63n(1_000_000)
	m.mu.Unlock()

	dbctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	betEnd := time.Now().Add(m.cfg.BetDuration)
	id, err := m.store.CreateSession(dbctx, seed, betEnd)

	m.mu.Lock()
	m.starting = false
	if err != nil {
		m.mu.Unlock()
		// supervisor tenta de novo no próximo tick
		m.log.Error("create session failed", zap.Error(err))
		return
	}
	if m.stopped {
		m.mu.Unlock()
		return
	}
	r := &round{
		sessionID: id,
		seed:      seed,
		phase:     PhaseBetting,
		startTime: betEnd,
		betEnd:    betEnd,
		duration:  m.cfg.FlightMax.Milliseconds(),
		bets:      make(map[string]*BetTotal),
	}
	r.timer = time.AfterFunc(m.cfg.BetDuration, m.takeOff)
	m.round = r
	m.mu.Unlock()

	if m.OnRoundStarted != nil {
		m.OnRoundStarted()
	}
	m.log.Info("round started",
		zap.String("session_id", id),
		zap.Int64("seed", seed),
	)

	m.publish(dto.GameStart{
		Type:        "game-start",
		Phase:       string(PhaseBetting),
		SessionID:   id,
		Seed:        seed,
		BetDuration: m.cfg.BetDuration.Milliseconds(),
		StartTime:   betEnd.UnixMilli(),
		BetEndTime:  betEnd.UnixMilli(),
		Duration:    r.duration,
	})
}

// takeOff fecha a janela de apostas: só AGORA o crash point é sorteado e
// persistido (antes disso ele não existe em lugar nenhum, então não há o
// que vazar pra front-running), e o timer do crash é agendado.
func (m *Machine) takeOff() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.mu.RLock()
	r := m.round
	m.mu.RUnlock()
	if r == nil || r.phase != PhaseBetting {
		return
	}

	table := m.chances.Chances(ctx)
	cp := odds.GenerateCrashPoint(r.seed, table)
	ct := odds.CrashTimeMs(cp, m.cfg.FlightMax.Milliseconds())
	start := time.Now()

	if err := m.store.MarkFlying(ctx, r.sessionID, cp, start); err != nil {
		// a rodada não pode travar por falha de persistência; o crash
		// point segue válido em memória e vai de novo no MarkCrashed
		m.log.Error("mark flying failed", zap.Error(err), zap.String("session_id", r.sessionID))
	}

	m.mu.Lock()
	if m.round != r || r.phase != PhaseBetting || m.stopped {
		m.mu.Unlock()
		return
	}
	r.phase = PhaseFlying
	r.crashPoint = cp
	r.crashTime = ct
	r.startTime = start
	r.timer = time.AfterFunc(time.Duration(ct)*time.Millisecond, m.endRound)
	m.mu.Unlock()

	m.log.Info("round flying",
		zap.String("session_id", r.sessionID),
		zap.Float64("crash_point", cp),
		zap.Int64("crash_time_ms", ct),
	)

	m.publish(dto.GameFlying{
		Type:       "game-flying",
		Phase:      string(PhaseFlying),
		SessionID:  r.sessionID,
		Seed:       r.seed,
		CrashPoint: cp,
		CrashTime:  ct,
		StartTime:  start.UnixMilli(),
		Duration:   r.duration,
	})
}

// endRound dispara exatamente crashTime ms após a decolagem. A fase vira
// crashed ANTES de qualquer liquidação: a partir daí MultiplierNow nega
// cashout, então a corrida cashout-vs-crash resolve sempre pra rejeição.
func (m *Machine) endRound() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	r := m.round
	if r == nil || r.phase != PhaseFlying {
		m.mu.Unlock()
		return
	}
	r.phase = PhaseCrashed
	m.mu.Unlock()

	now := time.Now()
	durMs := now.Sub(r.startTime).Milliseconds()

	if err := m.store.MarkCrashed(ctx, r.sessionID, now, durMs); err != nil {
		m.log.Error("mark crashed failed", zap.Error(err), zap.String("session_id", r.sessionID))
	}

	if m.Settle != nil {
		m.Settle(ctx, RoundResult{
			SessionID:  r.sessionID,
			Seed:       r.seed,
			CrashPoint: r.crashPoint,
			DurationMs: durMs,
		})
	}

	m.publish(dto.GameCrash{
		Type:       "game-crash",
		Phase:      string(PhaseCrashed),
		SessionID:  r.sessionID,
		Seed:       r.seed,
		CrashPoint: r.crashPoint,
		EndTime:    now.UnixMilli(),
		StartTime:  r.startTime.UnixMilli(),
		Duration:   r.duration,
	})

	if m.OnRoundCrashed != nil {
		m.OnRoundCrashed()
	}
	m.log.Info("round crashed",
		zap.String("session_id", r.sessionID),
		zap.Float64("crash_point", r.crashPoint),
		zap.Int64("actual_duration_ms", durMs),
		zap.Int("wagers", len(r.bets)),
	)

	m.mu.Lock()
	if m.round == r {
		m.round = nil
		if !m.stopped {
			m.restart = time.AfterFunc(m.cfg.RestartDelay, func() {
				m.mu.Lock()
				m.restart = nil
				m.mu.Unlock()
				m.StartRound(context.Background())
			})
		}
	}
	m.mu.Unlock()
}

// BettingSession retorna a rodada corrente se (e só se) está aceitando
// apostas
func (m *Machine) BettingSession() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil || m.round.phase != PhaseBetting {
		return "", ErrNotBetting
	}
	return m.round.sessionID, nil
}

// FlyingSession retorna a rodada corrente se está em voo
func (m *Machine) FlyingSession() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil || m.round.phase != PhaseFlying {
		return "", ErrNotFlying
	}
	return m.round.sessionID, nil
}

// AddBet acumula a aposta no agregado da rodada e devolve a posição
// total do usuário. Falha se a janela já fechou.
func (m *Machine) AddBet(userID, username string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.round == nil || m.round.phase != PhaseBetting {
		return 0, ErrNotBetting
	}
	agg := m.round.bets[userID]
	if agg == nil {
		agg = &BetTotal{UserID: userID, Username: username}
		m.round.bets[userID] = agg
	}
	agg.Total += amount
	agg.Count++
	return agg.Total, nil
}

// MultiplierNow calcula o multiplicador corrente do voo; ok=false quando
// a rodada já crashou (ou não está voando). Seguro pra chamadas
// concorrentes de cashout: só leitura sob RLock + função pura.
func (m *Machine) MultiplierNow() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.round
	if r == nil || r.phase != PhaseFlying {
		return 0, false
	}
	elapsed := time.Since(r.startTime).Milliseconds()
	return odds.MultiplierAt(elapsed, r.crashTime, r.crashPoint)
}

// Snapshot devolve a visão da rodada pro sync de conexões novas; nil
// quando nenhuma rodada está ativa (intervalo entre rodadas)
func (m *Machine) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.round
	if r == nil {
		return nil
	}
	return &Snapshot{
		Phase:         r.phase,
		SessionID:     r.sessionID,
		Seed:          r.seed,
		CrashPoint:    r.crashPoint,
		HasCrashPoint: r.phase != PhaseBetting,
		CrashTime:     r.crashTime,
		StartTime:     r.startTime,
		BetEndTime:    r.betEnd,
		Duration:      r.duration,
	}
}

func (m *Machine) publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := m.bus.Publish(ctx, m.cfg.LobbyChannel, b); err != nil {
		m.log.Warn("lobby broadcast publish failed", zap.Error(err))
	}
}
