// Package auth provides API-key authentication and JWT session tokens
// for the resolution API.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM
// files or auto-generated for development. Clients carry a rate tier
// that the gate applies per request.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/ratelimit"
)

// Client is a registered API consumer.
type Client struct {
	ID        uuid.UUID
	ClientID  string
	Name      string
	Tier      ratelimit.Tier
	KeyHash   string
	Active    bool
	CreatedAt time.Time
}

// Claims extends jwt.RegisteredClaims with client identity and tier.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Tier     string `json:"tier"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given client.
func (m *JWTManager) IssueToken(client Client) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.ID.String(),
			Issuer:    "idxr",
			Audience:  jwt.ClaimStrings{"idxr"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		ClientID: client.ClientID,
		Tier:     string(client.Tier),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("idxr"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != "idxr" {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}

	return claims, nil
}

// Tier maps the string claim back to a rate tier, defaulting to
// authenticated for unknown values.
func (c *Claims) RateTier() ratelimit.Tier {
	switch ratelimit.Tier(c.Tier) {
	case ratelimit.TierAnonymous, ratelimit.TierAuthenticated, ratelimit.TierPremium, ratelimit.TierAdmin:
		return ratelimit.Tier(c.Tier)
	default:
		return ratelimit.TierAuthenticated
	}
}

// ErrInvalidCredentials is returned for unknown clients, bad keys, and
// deactivated accounts alike so callers cannot distinguish them.
var ErrInvalidCredentials = model.NewError(model.ErrInvalidInput, "invalid client credentials")

// Registry holds registered clients in memory. Lookups verify the
// presented API key against the stored Argon2id hash.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Client)}
}

// Register adds or replaces a client. The API key is hashed before
// storage; the plaintext is never retained.
func (r *Registry) Register(clientID, name, apiKey string, tier ratelimit.Tier) (Client, error) {
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return Client{}, err
	}
	c := Client{
		ID:        uuid.New(),
		ClientID:  clientID,
		Name:      name,
		Tier:      tier,
		KeyHash:   hash,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.byID[clientID] = c
	r.mu.Unlock()
	return c, nil
}

// Authenticate verifies a client ID and API key pair. Unknown clients
// burn a dummy hash so response timing does not reveal existence.
func (r *Registry) Authenticate(clientID, apiKey string) (Client, error) {
	r.mu.RLock()
	c, ok := r.byID[clientID]
	r.mu.RUnlock()

	if !ok {
		DummyVerify()
		return Client{}, ErrInvalidCredentials
	}

	valid, err := VerifyAPIKey(apiKey, c.KeyHash)
	if err != nil {
		return Client{}, fmt.Errorf("auth: verify key: %w", err)
	}
	if !valid || !c.Active {
		return Client{}, ErrInvalidCredentials
	}
	return c, nil
}

// Deactivate marks a client inactive. Existing JWTs keep working until
// expiry; new key exchanges fail.
func (r *Registry) Deactivate(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok {
		return false
	}
	c.Active = false
	r.byID[clientID] = c
	return true
}
