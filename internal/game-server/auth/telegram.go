package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Identity é o resultado da verificação da credencial: identidade
// externa + campos de perfil. O resto do servidor só conhece isso.
type Identity struct {
	TelegramID string
	Username   string
	AvatarURL  string
	Dev        bool
}

var ErrInvalid = errors.New("Authentication failed: invalid initData")

// Verifier valida o initData do Telegram WebApp (HMAC-SHA256 assinado
// pelo bot). AdminBotToken é aceito como assinante alternativo (painel
// admin compartilha o mesmo gateway). Com AllowDev, credencial vazia
// vira um usuário de teste fixo.
type Verifier struct {
	BotToken      string
	AdminBotToken string
	AllowDev      bool
}

func (v *Verifier) Verify(initData string) (*Identity, error) {
	if initData == "" {
		if v.AllowDev {
			return &Identity{TelegramID: "dev-test-user", Username: "dev-test-user", Dev: true}, nil
		}
		return nil, ErrInvalid
	}

	if v.BotToken != "" && validateInitData(initData, v.BotToken) {
		return extractIdentity(initData)
	}
	if v.AdminBotToken != "" && validateInitData(initData, v.AdminBotToken) {
		return extractIdentity(initData)
	}
	return nil, ErrInvalid
}

// validateInitData recomputa a assinatura: a data-check-string são os
// pares k=v decodificados (sem o hash), ordenados por chave, unidos por
// \n; a chave do HMAC é HMAC("WebAppData", botToken).
func validateInitData(initData, botToken string) bool {
	vals, err := url.ParseQuery(initData)
	if err != nil {
		return false
	}

	hash := vals.Get("hash")
	if hash == "" {
		return false
	}
	vals.Del("hash")

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+vals.Get(k))
	}
	dataCheck := strings.Join(lines, "\n")

	secret := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	calc := hex.EncodeToString(hmacSHA256(secret, []byte(dataCheck)))

	return hmac.Equal([]byte(calc), []byte(hash))
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func extractIdentity(initData string) (*Identity, error) {
	vals, err := url.ParseQuery(initData)
	if err != nil {
		return nil, ErrInvalid
	}

	userStr := vals.Get("user")
	if userStr == "" {
		return nil, ErrInvalid
	}

	var u struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		PhotoURL string `json:"photo_url"`
	}
	if err := json.Unmarshal([]byte(userStr), &u); err != nil {
		return nil, ErrInvalid
	}

	return &Identity{
		TelegramID: strconv.FormatInt(u.ID, 10),
		Username:   u.Username,
		AvatarURL:  u.PhotoURL,
	}, nil
}
