// Package totp is the time-based one-time-password engine: secret
// generation, provisioning material for authenticator apps, and
// drift-tolerant code validation.
package totp

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	period     = 30
	skew       = 2 // ±2 steps: tolerates ±60s of client clock drift
	secretSize = 20
)

var validateOpts = totp.ValidateOpts{
	Period:    period,
	Skew:      skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Engine renders and checks codes for one issuer label. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	issuer string
	now    func() time.Time
}

func NewEngine(issuer string) *Engine {
	return &Engine{issuer: issuer, now: time.Now}
}

// GenerateSecret returns a fresh 160-bit base32 secret.
func (e *Engine) GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secret entropy: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

func (e *Engine) key(secret, email string) (*otp.Key, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: email,
		Secret:      raw,
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// ProvisioningURI builds the otpauth:// URI an authenticator app enrolls
// from.
func (e *Engine) ProvisioningURI(secret, email string) (string, error) {
	key, err := e.key(secret, email)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCodeDataURI renders the provisioning URI as an inline PNG data URI for
// the setup page.
func (e *Engine) QRCodeDataURI(secret, email string) (string, error) {
	key, err := e.key(secret, email)
	if err != nil {
		return "", err
	}
	img, err := key.Image(256, 256)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Validate checks a submitted code against the current time step and the
// ±skew adjacent steps. Input is shape-checked before any HMAC work; a
// malformed secret fails closed.
func (e *Engine) Validate(secret, code string) bool {
	if !isSixDigits(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), validateOpts)
	if err != nil {
		return false
	}
	return ok
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
