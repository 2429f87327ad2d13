// Package token mints the HMAC-signed storage tokens handed to workers with
// every dispatch. A token scopes object-store access to one run and one
// backend and expires on its own; workers present it back to the storage
// gateway, the orchestrator never sees it again.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims carried inside a storage token.
type Claims struct {
	RunID     string `json:"run_id"`
	BackendID string `json:"backend_id"`
	Issuer    string `json:"iss"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

const issuer = "pipeweave"

// DefaultTTL is how long a minted token stays valid.
const DefaultTTL = time.Hour

// Minter signs and validates storage tokens with a shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter requires a secret of at least 32 bytes.
func NewMinter(secret []byte, ttl time.Duration) (*Minter, error) {
	if len(secret) < 32 {
		return nil, errors.New("token: secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{secret: secret, ttl: ttl}, nil
}

// Mint creates a signed token scoped to a run and storage backend.
func (m *Minter) Mint(runID, backendID string, now time.Time) string {
	claims := Claims{
		RunID:     runID,
		BackendID: backendID,
		Issuer:    issuer,
		ExpiresAt: now.Add(m.ttl).Unix(),
		IssuedAt:  now.Unix(),
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return tokenPart + "." + computeHMAC(tokenPart, m.secret)
}

// Validate parses and checks the token signature, issuer, and expiry.
func (m *Minter) Validate(tokenString string, now time.Time) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("token: invalid format")
	}

	tokenPart := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(computeHMAC(tokenPart, m.secret)), []byte(parts[2])) {
		return nil, errors.New("token: invalid signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("token: decode claims: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("token: unmarshal claims: %v", err)
	}

	if now.Unix() > claims.ExpiresAt {
		return nil, errors.New("token: expired")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("token: invalid issuer")
	}
	return &claims, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
