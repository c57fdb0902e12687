package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/radieske/crash-game-server/pkg/contracts/events"
)

// PostgresRepo persiste a trilha de auditoria de liquidação. As tabelas
// são append-only; reprocessamentos do mesmo evento (entrega
// at-least-once) caem no ON CONFLICT e não duplicam linha.
type PostgresRepo struct {
	DB *sql.DB
}

func (r *PostgresRepo) InsertWagerSettled(ctx context.Context, ev events.WagerSettled) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO settlement_audit (wager_id, user_id, session_id, bet_amount, multiplier, profit, status, settled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (wager_id) DO NOTHING`,
		ev.WagerID, ev.UserID, ev.SessionID, ev.BetAmount, ev.Multiplier, ev.Profit, ev.Status,
		time.UnixMilli(ev.TsUnixMs),
	)
	return err
}

func (r *PostgresRepo) InsertRoundFinished(ctx context.Context, ev events.RoundFinished) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO round_audit (session_id, seed, crash_point, duration_ms, wagers_lost, settle_errors, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id) DO NOTHING`,
		ev.SessionID, ev.Seed, ev.CrashPoint, ev.DurationMs, ev.WagersLost, ev.SettleErrors,
		time.UnixMilli(ev.TsUnixMs),
	)
	return err
}
