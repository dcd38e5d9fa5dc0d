package integrations

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StateTTL bounds how long an issued envelope is accepted.
const StateTTL = 10 * time.Minute

const nonceBytes = 32

var (
	// ErrInvalidEnvelope indicates the state cookie is missing, tampered or malformed.
	ErrInvalidEnvelope = errors.New("integrations: invalid oauth state envelope")
	// ErrExpiredEnvelope indicates the envelope is older than StateTTL.
	ErrExpiredEnvelope = errors.New("integrations: expired oauth state envelope")
)

// Envelope binds an authorization attempt to the tenant and user that started it.
type Envelope struct {
	State    string `json:"state"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	IssuedAt int64  `json:"issuedAt"`
}

type envelopeCodec struct {
	secret []byte
	clock  func() time.Time
}

// encode renders base64url(json) followed by "." and the hex HMAC-SHA256 of that payload.
func (c envelopeCodec) encode(envelope Envelope) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + c.sign(payload), nil
}

func (c envelopeCodec) decode(value string) (Envelope, error) {
	trimmed := strings.TrimSpace(value)
	separator := strings.LastIndex(trimmed, ".")
	if separator <= 0 || separator == len(trimmed)-1 {
		return Envelope{}, ErrInvalidEnvelope
	}
	payload, signature := trimmed[:separator], trimmed[separator+1:]
	if !hmac.Equal([]byte(signature), []byte(c.sign(payload))) {
		return Envelope{}, ErrInvalidEnvelope
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}
	if envelope.State == "" || envelope.TenantID == "" || envelope.UserID == "" || envelope.IssuedAt <= 0 {
		return Envelope{}, ErrInvalidEnvelope
	}
	issuedAt := time.UnixMilli(envelope.IssuedAt)
	if c.clock().Sub(issuedAt) > StateTTL {
		return Envelope{}, ErrExpiredEnvelope
	}
	return envelope, nil
}

func (c envelopeCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func newStateNonce() (string, error) {
	buffer := make([]byte, nonceBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
