package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/crash-game-server/internal/game-server/auth"
	"github.com/radieske/crash-game-server/internal/game-server/dto"
	"github.com/radieske/crash-game-server/internal/game-server/machine"
	"github.com/radieske/crash-game-server/internal/game-server/repo"
	"github.com/radieske/crash-game-server/internal/game-server/settle"
)

const maxChatLen = 500

// Users é o subconjunto do Session Store que o gateway usa diretamente
// (identidade, histórico e chat). Apostas passam pelo Engine.
type Users interface {
	UpsertUser(ctx context.Context, telegramID, username, avatarURL string, initialBalance int64) (repo.User, error)
	SessionHistory(ctx context.Context, limit int) ([]repo.HistoryEntry, error)
	SaveChatMessage(ctx context.Context, userID, sessionID, message string) error
}

// Rounds é a visão da máquina de estados pro sync de conexões novas.
type Rounds interface {
	Snapshot() *machine.Snapshot
}

// Betting valida e aplica apostas/cashouts (Settlement Engine).
type Betting interface {
	PlaceBet(ctx context.Context, userID, username string, amount int64) (newBalance, totalBet int64, err error)
	Cashout(ctx context.Context, userID, username string) (repo.CashoutResult, float64, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config agrupa os parâmetros de protocolo do gateway.
type Config struct {
	InitialBalance int64
	DevBalance     int64
	HistorySize    int
	PingInterval   time.Duration
	LobbyChannel   string
	ChatChannel    string
}

// connSession é o estado por conexão. user só é escrito pelo read loop
// da própria conexão; writeMu serializa escritas concorrentes (respostas
// do read loop x broadcast x ping). alive é rearmado pelo pong handler e
// consumido pelo ciclo de ping.
type connSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	userMu sync.RWMutex
	user   *repo.User

	aliveMu sync.Mutex
	alive   bool
}

func (c *connSession) markAlive() {
	c.aliveMu.Lock()
	c.alive = true
	c.aliveMu.Unlock()
}

// swapAlive devolve o estado corrente e desarma a flag pro próximo ciclo
func (c *connSession) swapAlive() bool {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *connSession) setUser(u *repo.User) {
	c.userMu.Lock()
	c.user = u
	c.userMu.Unlock()
}

func (c *connSession) authed() *repo.User {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

func (c *connSession) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *connSession) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub gerencia conexões WebSocket: autentica, despacha quadros do
// cliente e repassa eventos vindos do Broadcast Bus. Todo evento de
// jogo/chat trafega pelo bus, nunca direto do Hub — assim múltiplos
// processos gateway enxergam a mesma rodada.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger
	cfg      Config

	verifier *auth.Verifier
	users    Users
	rounds   Rounds
	betting  Betting
	bus      Broadcaster

	mu    sync.RWMutex
	conns map[*connSession]struct{}

	// métricas (counter++/gauge), ligadas no main
	OnConnect    func()
	OnDisconnect func()
}

func NewHub(log *zap.Logger, cfg Config, verifier *auth.Verifier, users Users, rounds Rounds, betting Betting, bus Broadcaster) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      log,
		cfg:      cfg,
		verifier: verifier,
		users:    users,
		rounds:   rounds,
		betting:  betting,
		bus:      bus,
		conns:    make(map[*connSession]struct{}),
	}
}

// HandleWS gerencia o ciclo de vida de uma conexão: sync imediato com o
// estado da rodada corrente, depois loop de leitura até desconectar.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cs := &connSession{conn: conn, alive: true}
	conn.SetPongHandler(func(string) error {
		cs.markAlive()
		return nil
	})

	h.mu.Lock()
	h.conns[cs] = struct{}{}
	h.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect()
	}

	defer func() {
		h.mu.Lock()
		delete(h.conns, cs)
		h.mu.Unlock()
		conn.Close()
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}()

	h.sendSync(cs)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame dto.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(cs, "Invalid JSON", nil)
			continue
		}
		h.dispatch(r.Context(), cs, frame)
	}
}

func (h *Hub) dispatch(ctx context.Context, cs *connSession, frame dto.ClientFrame) {
	switch frame.Type {
	case "auth":
		h.handleAuth(ctx, cs, frame.InitData)
	case "chat-message":
		h.handleChat(ctx, cs, frame.Message)
	case "bet":
		h.handleBet(ctx, cs, frame.Bet)
	case "cashout":
		h.handleCashout(ctx, cs)
	case "game-event":
		// fases de jogo são dirigidas pelos timers do servidor
		h.sendError(cs, "Phase control is server-only", nil)
	default:
		h.sendError(cs, "Unknown message type", nil)
	}
}

func (h *Hub) handleAuth(ctx context.Context, cs *connSession, initData string) {
	ident, err := h.verifier.Verify(initData)
	if err != nil {
		h.sendError(cs, "Authentication failed", nil)
		return
	}

	username := ident.Username
	if username == "" {
		username = "User" + ident.TelegramID
	}
	balance := h.cfg.InitialBalance
	if ident.Dev {
		balance = h.cfg.DevBalance
	}

	user, err := h.users.UpsertUser(ctx, ident.TelegramID, username, ident.AvatarURL, balance)
	if err != nil {
		h.log.Error("auth upsert failed", zap.Error(err), zap.String("telegram_id", ident.TelegramID))
		h.sendError(cs, "Authentication failed", nil)
		return
	}
	cs.setUser(&user)

	_ = cs.writeJSON(dto.AuthSuccess{
		Type: "auth-success",
		User: dto.UserView{
			ID:         user.ID,
			TelegramID: user.TelegramID,
			Username:   user.Username,
			AvatarURL:  user.AvatarURL,
			Balance:    user.Balance,
		},
	})

	history, err := h.users.SessionHistory(ctx, h.cfg.HistorySize)
	if err != nil {
		h.log.Warn("session history query failed", zap.Error(err))
		return
	}
	entries := make([]dto.HistoryEntry, 0, len(history))
	for _, e := range history {
		entries = append(entries, dto.HistoryEntry{Multiplier: e.Multiplier, Timestamp: e.Timestamp})
	}
	_ = cs.writeJSON(dto.SessionHistory{Type: "session-history", History: entries})
}

func (h *Hub) handleChat(ctx context.Context, cs *connSession, message string) {
	u := cs.authed()
	if u == nil {
		h.sendError(cs, "Not authenticated", nil)
		return
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if len(message) > maxChatLen {
		message = message[:maxChatLen]
	}

	sessionID := ""
	if snap := h.rounds.Snapshot(); snap != nil {
		sessionID = snap.SessionID
	}
	if err := h.users.SaveChatMessage(ctx, u.ID, sessionID, message); err != nil {
		h.log.Warn("chat persist failed", zap.Error(err), zap.String("user_id", u.ID))
	}

	ev := dto.ChatEvent{
		Type:      "chat-message",
		UserID:    u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(ev)
	pubCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := h.bus.Publish(pubCtx, h.cfg.ChatChannel, b); err != nil {
		h.log.Warn("chat broadcast publish failed", zap.Error(err))
	}
}

func (h *Hub) handleBet(ctx context.Context, cs *connSession, amount int64) {
	u := cs.authed()
	if u == nil {
		h.sendError(cs, "Not authenticated", nil)
		return
	}

	balance, _, err := h.betting.PlaceBet(ctx, u.ID, u.Username, amount)
	if err != nil {
		// rejeições de saldo devolvem o saldo corrente junto
		if errors.Is(err, repo.ErrInsufficientFunds) || errors.Is(err, repo.ErrBlocked) {
			h.sendError(cs, err.Error(), &balance)
			return
		}
		h.sendError(cs, reason(err, "Bet failed"), nil)
		return
	}
	_ = cs.writeJSON(dto.BalanceUpdate{Type: "balance-update", Balance: balance})
}

func (h *Hub) handleCashout(ctx context.Context, cs *connSession) {
	u := cs.authed()
	if u == nil {
		h.sendError(cs, "Not authenticated", nil)
		return
	}

	res, _, err := h.betting.Cashout(ctx, u.ID, u.Username)
	if err != nil {
		h.sendError(cs, reason(err, "Cashout failed"), nil)
		return
	}
	_ = cs.writeJSON(dto.BalanceUpdate{Type: "balance-update", Balance: res.NewBalance})
}

// sendSync entrega o estado da rodada corrente à conexão recém-aberta,
// crashPoint incluso só depois da decolagem.
func (h *Hub) sendSync(cs *connSession) {
	snap := h.rounds.Snapshot()
	if snap == nil {
		return
	}
	sync := dto.Sync{
		Type:       "sync",
		Phase:      string(snap.Phase),
		SessionID:  snap.SessionID,
		Seed:       snap.Seed,
		StartTime:  snap.StartTime.UnixMilli(),
		Duration:   snap.Duration,
		BetEndTime: snap.BetEndTime.UnixMilli(),
		Now:        time.Now().UnixMilli(),
	}
	if snap.HasCrashPoint {
		cp := snap.CrashPoint
		sync.CrashPoint = &cp
		sync.CrashTime = snap.CrashTime
	}
	_ = cs.writeJSON(sync)
}

func (h *Hub) sendError(cs *connSession, msg string, balance *int64) {
	_ = cs.writeJSON(dto.ErrorFrame{Error: msg, Balance: balance})
}

// Broadcast repassa um evento do bus a todas as conexões, anotando o
// canal de origem pro cliente rotear (lobby x chat).
func (h *Hub) Broadcast(channel string, payload []byte) {
	var ev map[string]any
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.log.Warn("broadcast unmarshal error", zap.Error(err))
		return
	}
	ev["channel"] = channel
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*connSession, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.writeRaw(b)
	}
}

// Run mantém as conexões vivas com pings periódicos. Conexão que não
// respondeu o pong do ciclo anterior é terminada à força (socket
// meio-aberto absorve a escrita do ping sem erro; só a ausência de pong
// denuncia). O fechamento destrava o read loop, que tira a conexão do
// mapa via defer do HandleWS.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			conns := make([]*connSession, 0, len(h.conns))
			for c := range h.conns {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			deadline := time.Now().Add(5 * time.Second)
			for _, c := range conns {
				if !c.swapAlive() {
					c.conn.Close()
					continue
				}
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.conn.Close()
				}
			}
		}
	}
}

// reason traduz erros conhecidos em mensagens de protocolo; qualquer
// outra coisa vira o fallback genérico (sem vazar detalhe interno).
func reason(err error, fallback string) string {
	switch {
	case errors.Is(err, machine.ErrNotBetting),
		errors.Is(err, machine.ErrNotFlying),
		errors.Is(err, settle.ErrInvalidAmount),
		errors.Is(err, settle.ErrAlreadyCrashed),
		errors.Is(err, repo.ErrNoActiveBets),
		errors.Is(err, repo.ErrUserNotFound):
		return err.Error()
	default:
		return fallback
	}
}
