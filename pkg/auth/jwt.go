package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptyNodeID   = errors.New("nodeID cannot be empty")
	ErrShortSecret   = errors.New("cluster secret must be at least 8 characters")
	ErrMismatch      = errors.New("token does not match message")
)

const (
	// KeySize is the derived HMAC key length in bytes.
	KeySize = 32
	// PBKDF2Iterations for deriving the signing key from the cluster secret.
	PBKDF2Iterations = 100000

	// DefaultTokenTTL bounds how long a signed envelope stays valid.
	DefaultTokenTTL = 30 * time.Second

	tokenIssuer = "cluso-ha"
)

// Every node derives the same key from the shared secret, so the salt is fixed.
var keySalt = []byte("cluso-ha/peer-token/v1")

// PeerClaims are the verified contents of a peer token.
type PeerClaims struct {
	NodeID    string
	Type      string
	Digest    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// PeerTokens signs and verifies RPC envelopes exchanged between cluster
// members. A token binds the sender, the message type and a digest of the
// payload.
type PeerTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewPeerTokens derives the signing key from secret.
func NewPeerTokens(secret string, ttl time.Duration) (*PeerTokens, error) {
	if len(secret) < 8 {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &PeerTokens{
		key: pbkdf2.Key([]byte(secret), keySalt, PBKDF2Iterations, KeySize, sha256.New),
		ttl: ttl,
		now: time.Now,
	}, nil
}

// Digest returns the hex SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Issue signs a token for a message of msgType carrying payload.
func (p *PeerTokens) Issue(nodeID, msgType string, payload []byte) (string, error) {
	if nodeID == "" {
		return "", ErrEmptyNodeID
	}

	now := p.now()
	claims := jwt.MapClaims{
		"iss":    tokenIssuer,
		"sub":    nodeID,
		"typ":    msgType,
		"digest": Digest(payload),
		"exp":    now.Add(p.ttl).Unix(),
		"iat":    now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates the signature and expiry of tokenString.
func (p *PeerTokens) Parse(tokenString string) (*PeerClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.key, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(p.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claimsMap, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	nodeID, ok := claimsMap["sub"].(string)
	if !ok || nodeID == "" {
		return nil, fmt.Errorf("%w: missing or invalid sub", ErrInvalidClaims)
	}
	msgType, _ := claimsMap["typ"].(string)
	digest, ok := claimsMap["digest"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing digest", ErrInvalidClaims)
	}
	exp, err := claimsMap.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	}
	iat, _ := claimsMap.GetIssuedAt()

	claims := &PeerClaims{
		NodeID:    nodeID,
		Type:      msgType,
		Digest:    digest,
		ExpiresAt: exp.Time,
	}
	if iat != nil {
		claims.IssuedAt = iat.Time
	}
	return claims, nil
}

// Verify parses tokenString and checks it was issued for this exact message.
func (p *PeerTokens) Verify(tokenString, nodeID, msgType string, payload []byte) (*PeerClaims, error) {
	claims, err := p.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.NodeID != nodeID || claims.Type != msgType || claims.Digest != Digest(payload) {
		return nil, ErrMismatch
	}
	return claims, nil
}

// Name returns the scheme name for logging.
func (p *PeerTokens) Name() string {
	return "jwt-hs256-pbkdf2"
}
