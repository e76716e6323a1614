// Package timetoken derives and checks time-windowed one-time tokens.
//
// A token is an HOTP code computed over a time-step counter: the Unix time
// divided by a fixed step length. Tokens are deterministic for a given
// (secret, step) pair, so a verifier only needs the device secret and the
// step index of the last accepted token to decide whether a presented token
// is fresh. The engine itself is stateless; callers own the secret and the
// replay cursor.
package timetoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

const (
	// DefaultStepSeconds is the validity window of a token.
	DefaultStepSeconds = 30
	// DefaultDigits is the token length.
	DefaultDigits = 6

	secretBytes = 20
)

// NewSecretKey returns a fresh hex-encoded device secret. Secrets are
// 160-bit crypto-random values, generated once per device and never shared
// between devices.
func NewSecretKey() string {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Engine computes and verifies tokens for a fixed step length and digit
// count. The clock is injected so tests can pin time exactly.
type Engine struct {
	step   int64
	digits int
	now    func() time.Time
}

// New returns an engine with the given step length (seconds) and token digit
// count. A nil clock defaults to time.Now.
func New(stepSeconds, digits int, now func() time.Time) *Engine {
	if stepSeconds <= 0 {
		stepSeconds = DefaultStepSeconds
	}
	if digits <= 0 {
		digits = DefaultDigits
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{step: int64(stepSeconds), digits: digits, now: now}
}

// Digits returns the token length the engine produces and accepts.
func (e *Engine) Digits() int {
	return e.digits
}

// StepAt returns the time-step index containing t.
func (e *Engine) StepAt(t time.Time) int64 {
	return t.Unix() / e.step
}

// CurrentStep returns the time-step index of the engine clock's current time.
func (e *Engine) CurrentStep() int64 {
	return e.StepAt(e.now())
}

// TokenAt derives the token for a hex-encoded secret at the given step.
// The same (secret, step) pair always yields the same token.
func (e *Engine) TokenAt(secretHex string, step int64) (string, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", err
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return hotp.GenerateCodeCustom(secret, uint64(step), hotp.ValidateOpts{
		Digits:    otp.Digits(e.digits),
		Algorithm: otp.AlgorithmSHA1,
	})
}

// GenerateChallenge returns the token for the current step. Generation is
// not acceptance: it never advances the replay cursor.
func (e *Engine) GenerateChallenge(secretHex string) (string, error) {
	return e.TokenAt(secretHex, e.CurrentStep())
}

// Verify checks a presented token against the current step and up to
// tolerance earlier steps, newest first. Steps at or before lastT are burned
// and never accepted again, even when the token would otherwise match.
// Future steps are never scanned: a token minted ahead of this clock fails
// until real time catches up.
//
// On a match Verify returns the matched step; the caller must persist it as
// the new lastT before accepting another token for the same device.
func (e *Engine) Verify(secretHex, token string, lastT int64, tolerance int) (int64, bool) {
	if len(token) != e.digits {
		return 0, false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	current := e.CurrentStep()
	for t := current; t >= current-int64(tolerance); t-- {
		if t <= lastT {
			// scanning newest-first, every remaining candidate is older
			break
		}
		expected, err := e.TokenAt(secretHex, t)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
			return t, true
		}
	}
	return 0, false
}
