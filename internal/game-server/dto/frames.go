package dto

// ClientFrame é qualquer quadro cliente→servidor; Type decide o despacho
// Type: auth | chat-message | bet | cashout | game-event (rejeitado)
type ClientFrame struct {
	Type     string `json:"type"`
	InitData string `json:"initData,omitempty"` // auth: credencial opaca
	Message  string `json:"message,omitempty"`  // chat-message
	Bet      int64  `json:"bet,omitempty"`      // bet: valor da aposta
}

// ErrorFrame responde qualquer requisição rejeitada. Balance acompanha
// rejeições que afetam saldo pro cliente ressincronizar sem adivinhar.
type ErrorFrame struct {
	Error   string `json:"error"`
	Balance *int64 `json:"balance,omitempty"`
}

type UserView struct {
	ID         string `json:"id"`
	TelegramID string `json:"telegramId"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Balance    int64  `json:"balance"`
}

type AuthSuccess struct {
	Type string   `json:"type"` // "auth-success"
	User UserView `json:"user"`
}

type HistoryEntry struct {
	Multiplier float64 `json:"multiplier"`
	Timestamp  int64   `json:"timestamp"`
}

type SessionHistory struct {
	Type    string         `json:"type"` // "session-history"
	History []HistoryEntry `json:"history"`
}

// BalanceUpdate vai direto pra conexão solicitante, nunca pelo bus:
// saldo é privado e o dono está sempre no processo que atendeu o pedido.
type BalanceUpdate struct {
	Type    string `json:"type"` // "balance-update"
	Balance int64  `json:"balance"`
}

// Sync é enviado a toda conexão nova, antes mesmo do auth: com phase,
// timing e (se o voo já começou) crashPoint/crashTime o cliente
// reconstrói a curva do multiplicador em andamento sem esperar o próximo
// game-start. CrashPoint fica de fora enquanto a rodada está em apostas —
// ele ainda nem foi sorteado.
type Sync struct {
	Type       string   `json:"type"` // "sync"
	Phase      string   `json:"phase"`
	SessionID  string   `json:"sessionId"`
	Seed       int64    `json:"seed"`
	CrashPoint *float64 `json:"crashPoint,omitempty"`
	CrashTime  int64    `json:"crashTime,omitempty"`
	StartTime  int64    `json:"startTime"`
	Duration   int64    `json:"duration"`
	BetEndTime int64    `json:"betEndTime"`
	Now        int64    `json:"now"`
}

// Eventos abaixo trafegam pelo Broadcast Bus e chegam a todas as
// conexões de todos os processos gateway. Entrega é at-least-once:
// clientes deduplicam por sessionId+phase.

type GameStart struct {
	Type        string `json:"type"`  // "game-start"
	Phase       string `json:"phase"` // "betting"
	SessionID   string `json:"sessionId"`
	Seed        int64  `json:"seed"`
	BetDuration int64  `json:"betDuration"`
	StartTime   int64  `json:"startTime"`
	BetEndTime  int64  `json:"betEndTime"`
	Duration    int64  `json:"duration"`
}

type GameFlying struct {
	Type       string  `json:"type"`  // "game-flying"
	Phase      string  `json:"phase"` // "flying"
	SessionID  string  `json:"sessionId"`
	Seed       int64   `json:"seed"`
	CrashPoint float64 `json:"crashPoint"`
	CrashTime  int64   `json:"crashTime"`
	StartTime  int64   `json:"startTime"`
	Duration   int64   `json:"duration"`
}

type GameCrash struct {
	Type       string  `json:"type"`  // "game-crash"
	Phase      string  `json:"phase"` // "crashed"
	SessionID  string  `json:"sessionId"`
	Seed       int64   `json:"seed"`
	CrashPoint float64 `json:"crashPoint"`
	EndTime    int64   `json:"endTime"`
	StartTime  int64   `json:"startTime"`
	Duration   int64   `json:"duration"`
}

type BetEvent struct {
	Type      string `json:"type"` // "bet"
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Bet       int64  `json:"bet"`
	TotalBet  int64  `json:"totalBet"` // posição acumulada do usuário na rodada
	CreatedAt int64  `json:"createdAt"`
}

type CashoutEvent struct {
	Type       string  `json:"type"` // "cashout"
	UserID     string  `json:"userId"`
	Username   string  `json:"username"`
	Bet        int64   `json:"bet"` // soma das apostas sacadas
	Multiplier float64 `json:"multiplier"`
	Winnings   int64   `json:"winnings"`
	CreatedAt  int64   `json:"createdAt"`
}

type ChatEvent struct {
	Type      string `json:"type"` // "chat-message"
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}
