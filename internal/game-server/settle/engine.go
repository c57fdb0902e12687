package settle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/game-server/dto"
	"github.com/radieske/crash-game-server/internal/game-server/machine"
	"github.com/radieske/crash-game-server/internal/game-server/repo"
	"github.com/radieske/crash-game-server/pkg/contracts/events"
)

var (
	ErrInvalidAmount  = errors.New("Invalid bet amount")
	ErrAlreadyCrashed = errors.New("Game already crashed")
)

// Store é o subconjunto do Session Store usado pela liquidação
type Store interface {
	PlaceBet(ctx context.Context, userID, sessionID string, amount int64) (wagerID string, newBalance int64, err error)
	CashoutAll(ctx context.Context, userID, sessionID string, multiplier float64) (repo.CashoutResult, error)
	SettleCrashed(ctx context.Context, sessionID string, crashPoint float64) ([]repo.SettledWager, int, error)
}

// Rounds é a visão da máquina de estados que a liquidação consulta.
// A validade de um cashout é decidida AQUI, pela checagem de fase e
// multiplicador no instante do aceite — nunca comparando multiplicadores
// gravados depois do fato.
type Rounds interface {
	BettingSession() (string, error)
	FlyingSession() (string, error)
	AddBet(userID, username string, amount int64) (int64, error)
	MultiplierNow() (float64, bool)
}

type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Engine valida e aplica atomicamente apostas e cashouts contra a rodada
// corrente e o Session Store, e emite os eventos de broadcast/auditoria.
type Engine struct {
	log          *zap.Logger
	store        Store
	rounds       Rounds
	bus          Broadcaster
	lobbyChannel string
	audit        *AuditPublisher // opcional

	// métricas (counter++), ligadas no main
	OnBet           func()
	OnCashout       func()
	OnSettleFailure func()
}

func NewEngine(log *zap.Logger, store Store, rounds Rounds, bus Broadcaster, lobbyChannel string, audit *AuditPublisher) *Engine {
	return &Engine{
		log:          log,
		store:        store,
		rounds:       rounds,
		bus:          bus,
		lobbyChannel: lobbyChannel,
		audit:        audit,
	}
}

// PlaceBet aceita uma aposta na janela de apostas: débito de saldo e
// criação do wager numa transação só. Em rejeição por fundos/bloqueio o
// saldo corrente volta junto. Apostas repetidas do mesmo usuário somam na
// posição da rodada.
func (e *Engine) PlaceBet(ctx context.Context, userID, username string, amount int64) (newBalance, totalBet int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	sessionID, err := e.rounds.BettingSession()
	if err != nil {
		return 0, 0, err
	}

	wagerID, balance, err := e.store.PlaceBet(ctx, userID, sessionID, amount)
	if err != nil {
		return balance, 0, err
	}

	total, aggErr := e.rounds.AddBet(userID, username, amount)
	if aggErr != nil {
		// a janela fechou entre a validação e o commit; o wager está
		// persistido e será liquidado no fim da rodada normalmente
		total = amount
	}

	if e.OnBet != nil {
		e.OnBet()
	}
	e.log.Info("bet placed",
		zap.String("user_id", userID),
		zap.String("wager_id", wagerID),
		zap.Int64("amount", amount),
		zap.Int64("total", total),
	)

	e.broadcast(dto.BetEvent{
		Type:      "bet",
		UserID:    userID,
		Username:  username,
		Bet:       amount,
		TotalBet:  total,
		CreatedAt: time.Now().UnixMilli(),
	})

	return balance, total, nil
}

// Cashout liquida todas as apostas waiting do usuário na rodada em voo,
// no multiplicador do instante do aceite. Se o timer de crash já
// disparou (mesmo há 1ms), a corrida resolve pra rejeição — nunca payout
// com multiplicador vencido.
func (e *Engine) Cashout(ctx context.Context, userID, username string) (repo.CashoutResult, float64, error) {
	sessionID, err := e.rounds.FlyingSession()
	if err != nil {
		return repo.CashoutResult{}, 0, err
	}

	multiplier, ok := e.rounds.MultiplierNow()
	if !ok {
		return repo.CashoutResult{}, 0, ErrAlreadyCrashed
	}

	res, err := e.store.CashoutAll(ctx, userID, sessionID, multiplier)
	if err != nil {
		return res, multiplier, err
	}

	if e.OnCashout != nil {
		e.OnCashout()
	}
	e.log.Info("cashout",
		zap.String("user_id", userID),
		zap.Float64("multiplier", multiplier),
		zap.Int64("total_bet", res.TotalBet),
		zap.Int64("winnings", res.TotalWinnings),
	)

	for _, w := range res.Wagers {
		e.auditWager(ctx, sessionID, w)
	}

	e.broadcast(dto.CashoutEvent{
		Type:       "cashout",
		UserID:     userID,
		Username:   username,
		Bet:        res.TotalBet,
		Multiplier: multiplier,
		Winnings:   res.TotalWinnings,
		CreatedAt:  time.Now().UnixMilli(),
	})

	return res, multiplier, nil
}

// SettleRound é o caminho de fim de rodada (flying→crashed): toda aposta
// ainda waiting vira perda. Falhas por aposta não bloqueiam as irmãs nem
// o broadcast do crash; ficam contadas pra reconciliação.
func (e *Engine) SettleRound(ctx context.Context, res machine.RoundResult) {
	settled, failed, err := e.store.SettleCrashed(ctx, res.SessionID, res.CrashPoint)
	if err != nil {
		e.log.Error("round settlement query failed",
			zap.Error(err),
			zap.String("session_id", res.SessionID),
		)
	}
	if failed > 0 {
		e.log.Error("wager settlements failed, reconciliation needed",
			zap.Int("failed", failed),
			zap.String("session_id", res.SessionID),
		)
		if e.OnSettleFailure != nil {
			for i := 0; i < failed; i++ {
				e.OnSettleFailure()
			}
		}
	}

	for _, w := range settled {
		e.auditWager(ctx, res.SessionID, w)
	}

	e.auditRound(ctx, events.RoundFinished{
		SessionID:    res.SessionID,
		Seed:         res.Seed,
		CrashPoint:   res.CrashPoint,
		DurationMs:   res.DurationMs,
		WagersLost:   len(settled),
		SettleErrors: failed,
	})
}

func (e *Engine) auditWager(ctx context.Context, sessionID string, w repo.SettledWager) {
	if e.audit == nil {
		return
	}
	if err := e.audit.WagerSettled(ctx, events.WagerSettled{
		WagerID:    w.ID,
		UserID:     w.UserID,
		SessionID:  sessionID,
		BetAmount:  w.Bet,
		Multiplier: w.Multiplier,
		Profit:     w.Profit,
		Status:     w.Status,
	}); err != nil {
		e.log.Warn("wager audit publish failed", zap.Error(err), zap.String("wager_id", w.ID))
	}
}

func (e *Engine) auditRound(ctx context.Context, ev events.RoundFinished) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RoundFinished(ctx, ev); err != nil {
		e.log.Warn("round audit publish failed", zap.Error(err), zap.String("session_id", ev.SessionID))
	}
}

func (e *Engine) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := e.bus.Publish(ctx, e.lobbyChannel, b); err != nil {
		e.log.Warn("lobby broadcast publish failed", zap.Error(err))
	}
}
