package events

// Evento publicado no tópico "wager_settled" a cada aposta liquidada
// (cashout voluntário ou crash no fim da rodada).
type WagerSettled struct {
	WagerID    string  `json:"wager_id"`
	UserID     string  `json:"user_id"`
	SessionID  string  `json:"session_id"`
	BetAmount  int64   `json:"bet_amount"`
	Multiplier float64 `json:"multiplier,omitempty"` // zero quando status=crashed
	Profit     int64   `json:"profit"`               // líquido, negativo quando perdeu
	Status     string  `json:"status"`               // "cashed_out" | "crashed"
	TsUnixMs   int64   `json:"ts_unix_ms"`
}
