package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const credentialIssuer = "crawlparty"

// Credentials issues and verifies participant credentials: HS256 tokens that
// bind a participant id to a session id. Each token carries a unique jti; the
// session accepts only the latest one it handed out.
type Credentials struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type credentialClaims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"sid"`
	ParticipantID string `json:"pid"`
}

// Credential is a verified token.
type Credential struct {
	SessionID     string
	ParticipantID string
	ID            string
}

func NewCredentials(secret []byte, ttl time.Duration) (*Credentials, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("credential secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Credentials{secret: append([]byte(nil), secret...), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token and its id.
func (c *Credentials) Issue(sessionID, participantID string) (token, id string, err error) {
	now := c.now()
	id = uuid.NewString()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    credentialIssuer,
			Subject:   participantID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		SessionID:     sessionID,
		ParticipantID: participantID,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign credential: %w", err)
	}
	return token, id, nil
}

// Verify checks signature, issuer and expiry. Every failure is ErrAuthFailed.
func (c *Credentials) Verify(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty credential", ErrAuthFailed)
	}
	var claims credentialClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(credentialIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Credential{}, mapJWTError(err)
	}
	if claims.SessionID == "" || claims.ParticipantID == "" || claims.ID == "" {
		return Credential{}, fmt.Errorf("%w: incomplete credential", ErrAuthFailed)
	}
	return Credential{SessionID: claims.SessionID, ParticipantID: claims.ParticipantID, ID: claims.ID}, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: credential expired", ErrAuthFailed)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: bad signature", ErrAuthFailed)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: malformed credential", ErrAuthFailed)
	}
	return fmt.Errorf("%w: %v", ErrAuthFailed, err)
}
