package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signInitData monta um initData válido do jeito que o Telegram assina
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
	}

	secretMac := hmac.New(sha256.New, []byte("WebAppData"))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, v)
	}
	vals.Set("hash", hash)
	return vals.Encode()
}

func TestVerifyValidInitData(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token"}

	initData := signInitData(t, "123456:bot-token", map[string]string{
		"auth_date": "1735689600",
		"user":      `{"id":42,"username":"alice","photo_url":"https://t.me/a.jpg"}`,
	})

	ident, err := v.Verify(initData)
	require.NoError(t, err)
	assert.Equal(t, "42", ident.TelegramID)
	assert.Equal(t, "alice", ident.Username)
	assert.Equal(t, "https://t.me/a.jpg", ident.AvatarURL)
	assert.False(t, ident.Dev)
}

func TestVerifyAcceptsAdminBotToken(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token", AdminBotToken: "999:admin-token"}

	initData := signInitData(t, "999:admin-token", map[string]string{
		"auth_date": "1735689600",
		"user":      `{"id":7,"username":"root"}`,
	})

	ident, err := v.Verify(initData)
	require.NoError(t, err)
	assert.Equal(t, "7", ident.TelegramID)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token"}

	initData := signInitData(t, "123456:bot-token", map[string]string{
		"auth_date": "1735689600",
		"user":      `{"id":42,"username":"alice"}`,
	})
	tampered := strings.Replace(initData, "alice", "mallory", 1)

	_, err := v.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsWrongBotToken(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token"}

	initData := signInitData(t, "other-token", map[string]string{
		"auth_date": "1735689600",
		"user":      `{"id":42,"username":"alice"}`,
	})

	_, err := v.Verify(initData)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsMissingUser(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token"}

	initData := signInitData(t, "123456:bot-token", map[string]string{
		"auth_date": "1735689600",
	})

	_, err := v.Verify(initData)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsMissingHash(t *testing.T) {
	v := &Verifier{BotToken: "123456:bot-token"}
	_, err := v.Verify("auth_date=1735689600&user=%7B%22id%22%3A42%7D")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyDevMode(t *testing.T) {
	v := &Verifier{AllowDev: true}

	ident, err := v.Verify("")
	require.NoError(t, err)
	assert.Equal(t, "dev-test-user", ident.TelegramID)
	assert.True(t, ident.Dev)

	// sem DEV_AUTH, credencial vazia é rejeitada
	strict := &Verifier{BotToken: "123456:bot-token"}
	_, err = strict.Verify("")
	assert.ErrorIs(t, err, ErrInvalid)
}
