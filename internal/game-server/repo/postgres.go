package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Postgres implementa o Session Store: rodadas, apostas, saldo e ledger.
// Toda mutação de saldo acontece dentro de transação com lock pessimista
// na linha do usuário; nunca read-modify-write fora disso.
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

var (
	ErrInsufficientFunds = errors.New("Insufficient balance")
	ErrBlocked           = errors.New("Account blocked")
	ErrUserNotFound      = errors.New("User not found")
	ErrNoActiveBets      = errors.New("No active bets found")
)

// UpsertUser resolve ou cria o usuário a partir da identidade externa.
// Username/avatar são atualizados quando vierem preenchidos; o saldo
// inicial só vale na criação.
func (p *Postgres) UpsertUser(ctx context.Context, telegramID, username, avatarURL string, initialBalance int64) (User, error) {
	const q = `
		INSERT INTO users (id, telegram_id, username, avatar_url, balance)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5)
		ON CONFLICT (telegram_id) DO UPDATE SET
		  username   = COALESCE(NULLIF(EXCLUDED.username,''), users.username),
		  avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url,''), users.avatar_url)
		RETURNING id, telegram_id, COALESCE(username,''), COALESCE(avatar_url,''), balance, blocked
	`
	var u User
	err := p.db.QueryRowContext(ctx, q, uuid.NewString(), telegramID, username, avatarURL, initialBalance).
		Scan(&u.ID, &u.TelegramID, &u.Username, &u.AvatarURL, &u.Balance, &u.Blocked)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// CreateSession abre a rodada já em fase de apostas
func (p *Postgres) CreateSession(ctx context.Context, seed int64, betEnd time.Time) (string, error) {
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO game_sessions (id, status, seed, start_time, bet_end_time)
		VALUES ($1, $2, $3, $4, $4)`,
		id, SessionBetting, seed, betEnd)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// MarkFlying grava o crash point sorteado e o início real do voo.
// O guard de status garante atribuição única e transição monotônica;
// entrega duplicada do evento é inofensiva.
func (p *Postgres) MarkFlying(ctx context.Context, sessionID string, crashPoint float64, startedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE game_sessions
		SET status=$2, crash_point=$3, start_time=$4
		WHERE id=$1 AND status=$5`,
		sessionID, SessionPlaying, crashPoint, startedAt, SessionBetting)
	return err
}

// MarkCrashed finaliza a rodada; idempotente pelo guard de status
func (p *Postgres) MarkCrashed(ctx context.Context, sessionID string, endedAt time.Time, durationMs int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE game_sessions
		SET status=$2, actual_crash_time=$3, duration_ms=$4
		WHERE id=$1 AND status <> $2`,
		sessionID, SessionCrashed, endedAt, durationMs)
	return err
}

// PlaceBet debita o saldo e cria a aposta em uma única transação.
// O FOR UPDATE serializa apostas concorrentes do mesmo usuário: o saldo
// nunca fica negativo, aceita exatamente até onde o saldo alcança.
// Em rejeição por fundos/bloqueio o saldo corrente volta junto pro
// chamador ressincronizar o cliente.
func (p *Postgres) PlaceBet(ctx context.Context, userID, sessionID string, amount int64) (wagerID string, newBalance int64, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback()

	var balance int64
	var blocked bool
	err = tx.QueryRowContext(ctx, `SELECT balance, blocked FROM users WHERE id=$1 FOR UPDATE`, userID).
		Scan(&balance, &blocked)
	if err == sql.ErrNoRows {
		return "", 0, ErrUserNotFound
	} else if err != nil {
		return "", 0, err
	}

	if blocked {
		return "", balance, ErrBlocked
	}
	if balance < amount {
		return "", balance, ErrInsufficientFunds
	}

	if err = tx.QueryRowContext(ctx,
		`UPDATE users SET balance = balance - $1 WHERE id=$2 RETURNING balance`,
		amount, userID).Scan(&newBalance); err != nil {
		return "", 0, err
	}

	wagerID = uuid.NewString()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO wagers (id, user_id, session_id, bet_amount, profit, status)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		wagerID, userID, sessionID, amount, WagerWaiting); err != nil {
		return "", 0, err
	}

	if err = tx.Commit(); err != nil {
		return "", 0, err
	}
	return wagerID, newBalance, nil
}

// CashoutAll liquida TODAS as apostas waiting do usuário na rodada, no
// mesmo multiplicador, e credita a soma dos ganhos em uma operação só.
// Cashout parcial não existe: apostas empilhadas saem juntas. Uma única
// entrada vai pro ledger com o líquido da operação.
func (p *Postgres) CashoutAll(ctx context.Context, userID, sessionID string, multiplier float64) (CashoutResult, error) {
	var res CashoutResult

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	// lock do usuário primeiro, mesma ordem do PlaceBet
	if err = tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id=$1 FOR UPDATE`, userID).
		Scan(new(int64)); err == sql.ErrNoRows {
		return res, ErrUserNotFound
	} else if err != nil {
		return res, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, bet_amount FROM wagers
		WHERE user_id=$1 AND session_id=$2 AND status=$3
		FOR UPDATE`,
		userID, sessionID, WagerWaiting)
	if err != nil {
		return res, err
	}

	type pending struct {
		id  string
		bet int64
	}
	var open []pending
	for rows.Next() {
		var w pending
		if err = rows.Scan(&w.id, &w.bet); err != nil {
			rows.Close()
			return res, err
		}
		open = append(open, w)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return res, err
	}
	rows.Close()

	if len(open) == 0 {
		return res, ErrNoActiveBets
	}

	for _, w := range open {
		winnings := int64(math.Floor(float64(w.bet) * multiplier))
		profit := winnings - w.bet
		if _, err = tx.ExecContext(ctx, `
			UPDATE wagers
			SET cashout_multiplier=$2, profit=$3, status=$4
			WHERE id=$1`,
			w.id, multiplier, profit, WagerCashedOut); err != nil {
			return res, err
		}
		res.TotalBet += w.bet
		res.TotalWinnings += winnings
		res.Wagers = append(res.Wagers, SettledWager{
			ID:         w.id,
			UserID:     userID,
			Bet:        w.bet,
			Multiplier: multiplier,
			Profit:     profit,
			Status:     WagerCashedOut,
		})
	}

	if err = tx.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id=$2 RETURNING balance`,
		res.TotalWinnings, userID).Scan(&res.NewBalance); err != nil {
		return res, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, payload, status)
		VALUES ($1, $2, 'game', $3, $4, 'success')`,
		uuid.NewString(), userID, res.TotalWinnings-res.TotalBet,
		fmt.Sprintf("Cashout at %.2fx", multiplier)); err != nil {
		return res, err
	}

	if err = tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// SettleCrashed marca como perdida toda aposta ainda waiting da rodada:
// profit = -bet, sem crédito de saldo (a stake saiu no PlaceBet). Cada
// aposta é liquidada em transação própria pra que uma falha isolada não
// trave as irmãs nem o broadcast do crash; failed conta as que precisam
// de reconciliação.
func (p *Postgres) SettleCrashed(ctx context.Context, sessionID string, crashPoint float64) (settled []SettledWager, failed int, err error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, bet_amount FROM wagers
		WHERE session_id=$1 AND status=$2`,
		sessionID, WagerWaiting)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending wagers: %w", err)
	}

	var open []SettledWager
	for rows.Next() {
		var w SettledWager
		if err = rows.Scan(&w.ID, &w.UserID, &w.Bet); err != nil {
			rows.Close()
			return nil, 0, err
		}
		open = append(open, w)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	for _, w := range open {
		done, serr := p.settleLost(ctx, w.ID, w.UserID, w.Bet, crashPoint)
		if serr != nil {
			failed++
			continue
		}
		if !done {
			continue // cashout ganhou a corrida nessa aposta
		}
		w.Profit = -w.Bet
		w.Status = WagerCrashed
		settled = append(settled, w)
	}
	return settled, failed, nil
}

func (p *Postgres) settleLost(ctx context.Context, wagerID, userID string, bet int64, crashPoint float64) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
		UPDATE wagers SET profit=$2, status=$3
		WHERE id=$1 AND status=$4`,
		wagerID, -bet, WagerCrashed, WagerWaiting)
	if err != nil {
		return false, err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, payload, status)
		VALUES ($1, $2, 'game', $3, $4, 'success')`,
		uuid.NewString(), userID, -bet,
		fmt.Sprintf("Lost at %.2fx", crashPoint)); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// SessionHistory retorna as últimas rodadas crashadas (mais recente
// primeiro) pro quadro session-history de conexões novas
func (p *Postgres) SessionHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COALESCE(crash_point, 1), created_at
		FROM game_sessions
		WHERE status=$1
		ORDER BY created_at DESC
		LIMIT $2`,
		SessionCrashed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var mult float64
		var at time.Time
		if err := rows.Scan(&mult, &at); err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{Multiplier: mult, Timestamp: at.UnixMilli()})
	}
	return out, rows.Err()
}

// SaveChatMessage persiste a mensagem antes do broadcast; sessionID vazio
// vira NULL (chat fora de rodada ativa)
func (p *Postgres) SaveChatMessage(ctx context.Context, userID, sessionID, message string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, session_id, message)
		VALUES ($1, $2, NULLIF($3,'')::uuid, $4)`,
		uuid.NewString(), userID, sessionID, message)
	return err
}
