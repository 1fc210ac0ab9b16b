package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"nexusbot/internal/domain/whatsapp"
	"nexusbot/pkg/logger"
)

func newTestManager(opts Options) *Manager {
	return NewManager(nil, nil, nil, opts, logger.SetupForTesting())
}

func TestClassifyDisconnects(t *testing.T) {
	m := newTestManager(DefaultOptions())

	tests := []struct {
		name string
		code whatsapp.DisconnectCode
		want Decision
	}{
		{"logged out is permanent logout", whatsapp.CodeLoggedOut, DecisionLogout},
		{"multidevice error is permanent logout", whatsapp.CodeMultideviceError, DecisionLogout},
		{"stream replaced retries after backoff", whatsapp.CodeConnectionReplaced, DecisionReconnect},
		{"timeout reconnects", whatsapp.CodeTimedOut, DecisionReconnect},
		{"connection closed reconnects", whatsapp.CodeConnectionClosed, DecisionReconnect},
		{"unavailable reconnects", whatsapp.CodeUnavailable, DecisionReconnect},
		{"bad session reconnects", whatsapp.CodeBadSession, DecisionReconnect},
		{"unknown zero code reconnects", 0, DecisionReconnect},
		{"unmapped 4xx gives up", whatsapp.DisconnectCode(402), DecisionPermanent},
		{"unmapped 5xx reconnects", whatsapp.DisconnectCode(599), DecisionReconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.classify("session_1", tt.code))
		})
	}
}

func TestClassifyRestartRequired(t *testing.T) {
	opts := DefaultOptions()

	m := newTestManager(opts)
	assert.Equal(t, DecisionReconnect, m.classify("session_1", whatsapp.CodeRestartRequired))

	opts.Enable515Flow = true
	m = newTestManager(opts)
	assert.Equal(t, DecisionRestart, m.classify("session_1", whatsapp.CodeRestartRequired))
}

func TestOnCloseIgnoresVoluntaryDisconnect(t *testing.T) {
	m := newTestManager(DefaultOptions())

	var notified bool
	conn := &Connection{
		SessionID: "session_1",
		callbacks: Callbacks{
			OnClose: func(whatsapp.DisconnectCode, Decision) { notified = true },
		},
	}

	// Mesma disciplina de lock do Disconnect: a flag é escrita sob m.mu
	m.mu.Lock()
	conn.voluntary = true
	m.mu.Unlock()

	m.onClose(conn, whatsapp.CodeConnectionClosed)
	assert.False(t, notified, "voluntary close must not reach the close callback")
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	opts := DefaultOptions()
	opts.BaseBackoff = 1 * time.Second
	opts.MaxBackoff = 8 * time.Second
	m := newTestManager(opts)

	prev := time.Duration(0)
	for attempts := 0; attempts < 4; attempts++ {
		delay := m.backoffDelay(attempts)
		assert.GreaterOrEqual(t, delay, prev, "delay should not shrink as attempts grow")
		prev = delay
	}

	// Acima do teto, só resta o jitter de 20%
	for i := 0; i < 20; i++ {
		delay := m.backoffDelay(10)
		assert.GreaterOrEqual(t, delay, 8*time.Second)
		assert.LessOrEqual(t, delay, 8*time.Second+8*time.Second/5)
	}
}
