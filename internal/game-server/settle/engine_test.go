package settle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/game-server/machine"
	"github.com/radieske/crash-game-server/internal/game-server/repo"
)

type fakeStore struct {
	mu         sync.Mutex // serializa o check-and-decrement como o FOR UPDATE
	balance    int64
	blocked    bool
	placeCalls int

	cashoutRes repo.CashoutResult
	cashoutErr error

	settledWagers []repo.SettledWager
	settleFailed  int
}

func (s *fakeStore) PlaceBet(ctx context.Context, userID, sessionID string, amount int64) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeCalls++
	if s.blocked {
		return "", s.balance, repo.ErrBlocked
	}
	if s.balance < amount {
		return "", s.balance, repo.ErrInsufficientFunds
	}
	s.balance -= amount
	return "wager-1", s.balance, nil
}

func (s *fakeStore) CashoutAll(ctx context.Context, userID, sessionID string, multiplier float64) (repo.CashoutResult, error) {
	return s.cashoutRes, s.cashoutErr
}

func (s *fakeStore) SettleCrashed(ctx context.Context, sessionID string, crashPoint float64) ([]repo.SettledWager, int, error) {
	return s.settledWagers, s.settleFailed, nil
}

type fakeRounds struct {
	mu         sync.Mutex
	bettingID  string
	flyingID   string
	multiplier float64
	multOK     bool
	addBetErr  error
	total      int64
}

func (r *fakeRounds) BettingSession() (string, error) {
	if r.bettingID == "" {
		return "", machine.ErrNotBetting
	}
	return r.bettingID, nil
}

func (r *fakeRounds) FlyingSession() (string, error) {
	if r.flyingID == "" {
		return "", machine.ErrNotFlying
	}
	return r.flyingID, nil
}

func (r *fakeRounds) AddBet(userID, username string, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addBetErr != nil {
		return 0, r.addBetErr
	}
	r.total += amount
	return r.total, nil
}

func (r *fakeRounds) MultiplierNow() (float64, bool) { return r.multiplier, r.multOK }

type recordingBus struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var f map[string]any
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) last() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

func newTestEngine(store *fakeStore, rounds *fakeRounds, bus *recordingBus) *Engine {
	return NewEngine(zap.NewNop(), store, rounds, bus, "lobby-events", nil)
}

func TestPlaceBetRejectsInvalidAmount(t *testing.T) {
	e := newTestEngine(&fakeStore{}, &fakeRounds{bettingID: "s1"}, &recordingBus{})

	_, _, err := e.PlaceBet(context.Background(), "u1", "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = e.PlaceBet(context.Background(), "u1", "alice", -10)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPlaceBetRejectsOutsideBettingWindow(t *testing.T) {
	store := &fakeStore{balance: 1000}
	e := newTestEngine(store, &fakeRounds{}, &recordingBus{})

	_, _, err := e.PlaceBet(context.Background(), "u1", "alice", 100)
	assert.ErrorIs(t, err, machine.ErrNotBetting)
	assert.Equal(t, 0, store.placeCalls, "rejeição de fase nem chega no banco")
}

func TestPlaceBetInsufficientFundsReturnsBalance(t *testing.T) {
	e := newTestEngine(&fakeStore{balance: 50}, &fakeRounds{bettingID: "s1"}, &recordingBus{})

	balance, _, err := e.PlaceBet(context.Background(), "u1", "alice", 100)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
	assert.Equal(t, int64(50), balance, "saldo corrente volta pro cliente ressincronizar")
}

func TestPlaceBetSuccess(t *testing.T) {
	store := &fakeStore{balance: 1000}
	rounds := &fakeRounds{bettingID: "s1"}
	bus := &recordingBus{}
	e := newTestEngine(store, rounds, bus)

	bets := 0
	e.OnBet = func() { bets++ }

	balance, total, err := e.PlaceBet(context.Background(), "u1", "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, 1, bets)

	// aposta empilhada soma a posição
	balance, total, err = e.PlaceBet(context.Background(), "u1", "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(850), balance)
	assert.Equal(t, int64(150), total)

	frame := bus.last()
	require.NotNil(t, frame)
	assert.Equal(t, "bet", frame["type"])
	assert.Equal(t, "alice", frame["username"])
	assert.Equal(t, float64(150), frame["totalBet"])
}

func TestPlaceBetWindowClosedAfterPersist(t *testing.T) {
	// a janela fechou entre o commit do wager e o agregado em memória:
	// a aposta vale (vai ser liquidada no crash), o total cai pro valor dela
	store := &fakeStore{balance: 1000}
	rounds := &fakeRounds{bettingID: "s1", addBetErr: machine.ErrNotBetting}
	e := newTestEngine(store, rounds, &recordingBus{})

	balance, total, err := e.PlaceBet(context.Background(), "u1", "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance)
	assert.Equal(t, int64(100), total)
}

func TestConcurrentBetsNeverOverdrawBalance(t *testing.T) {
	// 10 apostas simultâneas de 30 contra saldo 100: exatamente 3 cabem,
	// as outras 7 são rejeitadas por saldo e o saldo nunca fica negativo
	store := &fakeStore{balance: 100}
	rounds := &fakeRounds{bettingID: "s1"}
	e := newTestEngine(store, rounds, &recordingBus{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, rejected int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.PlaceBet(context.Background(), "u1", "alice", 30)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			assert.ErrorIs(t, err, repo.ErrInsufficientFunds)
			rejected++
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, int64(10), store.balance, "saldo final = 100 - 3*30, nunca negativo")
	assert.Equal(t, int64(90), rounds.total, "agregado da rodada só conta as aceitas")
}

func TestCashoutRejectedOutsideFlight(t *testing.T) {
	e := newTestEngine(&fakeStore{}, &fakeRounds{}, &recordingBus{})

	_, _, err := e.Cashout(context.Background(), "u1", "alice")
	assert.ErrorIs(t, err, machine.ErrNotFlying)
}

func TestCashoutRejectedAfterCrash(t *testing.T) {
	// rodada ainda registrada como em voo, mas o multiplicador já venceu:
	// a corrida cashout-vs-crash resolve pra rejeição
	rounds := &fakeRounds{flyingID: "s1", multOK: false}
	e := newTestEngine(&fakeStore{}, rounds, &recordingBus{})

	_, _, err := e.Cashout(context.Background(), "u1", "alice")
	assert.ErrorIs(t, err, ErrAlreadyCrashed)
}

func TestCashoutSuccess(t *testing.T) {
	store := &fakeStore{
		cashoutRes: repo.CashoutResult{
			Wagers: []repo.SettledWager{
				{ID: "w1", UserID: "u1", Bet: 100, Multiplier: 1.73, Profit: 73, Status: repo.WagerCashedOut},
			},
			TotalBet:      100,
			TotalWinnings: 173,
			NewBalance:    1073,
		},
	}
	rounds := &fakeRounds{flyingID: "s1", multiplier: 1.73, multOK: true}
	bus := &recordingBus{}
	e := newTestEngine(store, rounds, bus)

	cashouts := 0
	e.OnCashout = func() { cashouts++ }

	res, mult, err := e.Cashout(context.Background(), "u1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.73, mult)
	assert.Equal(t, int64(1073), res.NewBalance)
	assert.Equal(t, 1, cashouts)

	frame := bus.last()
	require.NotNil(t, frame)
	assert.Equal(t, "cashout", frame["type"])
	assert.Equal(t, float64(173), frame["winnings"])
	assert.Equal(t, 1.73, frame["multiplier"])
}

func TestCashoutNoActiveBets(t *testing.T) {
	store := &fakeStore{cashoutErr: repo.ErrNoActiveBets}
	rounds := &fakeRounds{flyingID: "s1", multiplier: 2.0, multOK: true}
	e := newTestEngine(store, rounds, &recordingBus{})

	_, _, err := e.Cashout(context.Background(), "u1", "alice")
	assert.ErrorIs(t, err, repo.ErrNoActiveBets)
}

func TestSettleRoundCountsFailures(t *testing.T) {
	store := &fakeStore{
		settledWagers: []repo.SettledWager{
			{ID: "w1", UserID: "u1", Bet: 100, Profit: -100, Status: repo.WagerCrashed},
			{ID: "w2", UserID: "u2", Bet: 50, Profit: -50, Status: repo.WagerCrashed},
		},
		settleFailed: 3,
	}
	e := newTestEngine(store, &fakeRounds{}, &recordingBus{})

	failures := 0
	e.OnSettleFailure = func() { failures++ }

	e.SettleRound(context.Background(), machine.RoundResult{
		SessionID:  "s1",
		Seed:       42,
		CrashPoint: 2.5,
		DurationMs: 916,
	})

	assert.Equal(t, 3, failures, "cada liquidação falha conta pra reconciliação")
}
