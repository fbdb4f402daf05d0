package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jayian1890/dhthunter/core/common"
)

// TokenLength is the truncated HMAC width handed to announcers.
const TokenLength = 4

const secretLength = 16

// Config holds token manager configuration
type Config struct {
	RotationInterval time.Duration `json:"token_rotation_interval"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{RotationInterval: 5 * time.Minute}
}

// Manager issues and validates announce tokens. Two rolling secrets are
// kept, so a token stays valid across one rotation and dies after two. No
// per-token state is stored.
type Manager struct {
	mu           sync.Mutex
	config       Config
	clk          clock.Clock
	logger       *slog.Logger
	current      [secretLength]byte
	previous     [secretLength]byte
	lastRotation time.Time
}

// NewManager creates a manager with two fresh independent secrets.
func NewManager(config Config, logger *slog.Logger, clk clock.Clock) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		config:       config,
		clk:          clk,
		logger:       logger.With("component", "token"),
		lastRotation: clk.Now(),
	}
	if _, err := rand.Read(m.current[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(m.previous[:]); err != nil {
		return nil, err
	}
	return m, nil
}

// Issue returns the announce token for an endpoint under the current secret.
func (m *Manager) Issue(ep common.Endpoint) []byte {
	m.mu.Lock()
	secret := m.current
	m.mu.Unlock()
	return issueWith(secret, ep)
}

// Validate accepts a token issued under either active secret.
func (m *Manager) Validate(ep common.Endpoint, token []byte) bool {
	if len(token) != TokenLength {
		return false
	}
	m.mu.Lock()
	current, previous := m.current, m.previous
	m.mu.Unlock()

	ok := subtle.ConstantTimeCompare(token, issueWith(current, ep)) == 1
	okPrev := subtle.ConstantTimeCompare(token, issueWith(previous, ep)) == 1
	return ok || okPrev
}

// RotateIfDue rolls the secrets when the rotation interval has elapsed.
func (m *Manager) RotateIfDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clk.Now().Sub(m.lastRotation) < m.config.RotationInterval {
		return false
	}
	m.rotateLocked()
	return true
}

// Rotate rolls the secrets unconditionally.
func (m *Manager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
}

func (m *Manager) rotateLocked() {
	m.previous = m.current
	if _, err := rand.Read(m.current[:]); err != nil {
		// keep serving the old secret rather than a predictable one
		m.logger.Error("secret rotation failed", "err", err)
		m.current = m.previous
		return
	}
	m.lastRotation = m.clk.Now()
	m.logger.Debug("announce secret rotated")
}

func issueWith(secret [secretLength]byte, ep common.Endpoint) []byte {
	mac := hmac.New(sha1.New, secret[:])
	if compact, err := ep.MarshalCompactPeer(); err == nil {
		mac.Write(compact)
	} else {
		mac.Write([]byte(ep.String()))
	}
	return mac.Sum(nil)[:TokenLength]
}
