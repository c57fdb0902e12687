package events

// Evento publicado no tópico "round_finished" quando a rodada crasha
// e a liquidação de fim de rodada termina.
type RoundFinished struct {
	SessionID    string  `json:"session_id"`
	Seed         int64   `json:"seed"`
	CrashPoint   float64 `json:"crash_point"`
	DurationMs   int64   `json:"duration_ms"`
	WagersLost   int     `json:"wagers_lost"`   // apostas marcadas como crashed
	SettleErrors int     `json:"settle_errors"` // falhas isoladas de liquidação (reconciliar)
	TsUnixMs     int64   `json:"ts_unix_ms"`
}
