package robot

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Robot é um cliente sintético do gateway: autentica, aposta em toda
// janela de apostas e tenta sacar num ponto aleatório do voo. Serve pra
// exercitar o ciclo completo em ambiente local (DEV_AUTH ligado).
type Robot struct {
	URL      string      // endpoint /ws do game-server
	InitData string      // credencial; vazio usa o usuário de teste
	Log      *zap.Logger // logger estruturado

	MinBet int64
	MaxBet int64

	rnd *rand.Rand
}

type frame struct {
	Type       string  `json:"type"`
	Phase      string  `json:"phase,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	CrashTime  int64   `json:"crashTime,omitempty"`
	Balance    int64   `json:"balance,omitempty"`
	Error      string  `json:"error,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// Start inicia o loop de conexão e jogo.
// Em caso de desconexão, tenta reconectar automaticamente com backoff.
func (r *Robot) Start(ctx context.Context) {
	r.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("context canceled, stopping robot")
			return
		default:
			if err := r.connectAndPlay(ctx); err != nil {
				r.Log.Warn("connection closed", zap.Error(err))
				time.Sleep(3 * time.Second) // Aguarda antes de tentar reconectar
			}
		}
	}
}

// connectAndPlay estabelece a conexão, autentica e reage aos eventos da
// rodada: aposta no game-start, agenda cashout no game-flying.
func (r *Robot) connectAndPlay(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	r.Log.Info("connected to game server", zap.String("url", r.URL))

	if err := conn.WriteJSON(map[string]string{"type": "auth", "initData": r.InitData}); err != nil {
		return err
	}

	cashoutTimer := time.AfterFunc(time.Hour, func() {})
	cashoutTimer.Stop()
	defer cashoutTimer.Stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			r.Log.Warn("invalid message", zap.Error(err))
			continue
		}

		switch f.Type {
		case "auth-success":
			r.Log.Info("authenticated")
		case "game-start":
			bet := r.MinBet + r.rnd.Int63n(r.MaxBet-r.MinBet+1)
			if err := conn.WriteJSON(map[string]any{"type": "bet", "bet": bet}); err != nil {
				return err
			}
			r.Log.Info("bet sent", zap.Int64("bet", bet), zap.String("session_id", f.SessionID))
		case "game-flying":
			// saca em algum ponto do primeiro 80% do voo; às vezes o
			// crash chega antes, e a rejeição é o resultado esperado
			delay := time.Duration(r.rnd.Int63n(f.CrashTime*8/10+1)) * time.Millisecond
			cashoutTimer = time.AfterFunc(delay, func() {
				_ = conn.WriteJSON(map[string]string{"type": "cashout"})
			})
		case "game-crash":
			cashoutTimer.Stop()
		case "balance-update":
			r.Log.Info("balance", zap.Int64("balance", f.Balance))
		default:
			// rejeições chegam sem type, só com o campo error
			if f.Error != "" {
				r.Log.Info("rejected", zap.String("reason", f.Error))
			}
		}
	}
}
