package repo

// Status persistidos de uma rodada (game_sessions.status).
// As transições são monotônicas: betting → playing → crashed.
const (
	SessionBetting = "betting"
	SessionPlaying = "playing"
	SessionCrashed = "crashed"
)

// Status de uma aposta (wagers.status). waiting só sai uma vez:
// cashed_out (jogador sacou) ou crashed (fim de rodada), nunca volta.
const (
	WagerWaiting   = "waiting"
	WagerCashedOut = "cashed_out"
	WagerCrashed   = "crashed"
)

type User struct {
	ID         string
	TelegramID string
	Username   string
	AvatarURL  string
	Balance    int64
	Blocked    bool
}

// SettledWager é uma aposta já liquidada (cashout ou crash), usada pra
// auditoria e pro evento wager_settled.
type SettledWager struct {
	ID         string
	UserID     string
	Bet        int64
	Multiplier float64 // zero quando Status=crashed
	Profit     int64
	Status     string
}

// CashoutResult agrega o efeito de um cashout: todas as apostas waiting
// do usuário na rodada saem juntas, no mesmo multiplicador.
type CashoutResult struct {
	Wagers        []SettledWager
	TotalBet      int64
	TotalWinnings int64
	NewBalance    int64
}

// HistoryEntry é uma rodada encerrada no histórico enviado ao cliente.
type HistoryEntry struct {
	Multiplier float64 `json:"multiplier"`
	Timestamp  int64   `json:"timestamp"`
}
