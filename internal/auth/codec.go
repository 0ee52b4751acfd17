package auth

import (
	"errors"
	"fmt"
	"time"

	"kidgate/internal/clock"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	Issuer          = "kidgate"
	DeviceAudience  = "kidgate-device"
	SessionAudience = "kidgate-session"

	// MinKeyLength is the shortest accepted HMAC signing key.
	MinKeyLength = 32
)

var (
	ErrTokenExpired = errors.New("auth: token has expired")
	ErrTokenInvalid = errors.New("auth: token is invalid")
)

// Claims are the registered claims carried by every kidgate token. Subject
// is the device_code for device tokens and the parent id for sessions.
type Claims struct {
	jwt.RegisteredClaims
}

// Issued is a freshly minted token and its validity window.
type Issued struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Codec mints and verifies HS256 tokens for a single audience. The key is
// fixed at construction; replacing it invalidates every outstanding token.
type Codec struct {
	key      []byte
	issuer   string
	audience string
	clock    clock.Clock
}

func NewCodec(key []byte, audience string, clk clock.Clock) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinKeyLength)
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, issuer: Issuer, audience: audience, clock: clk}, nil
}

// Mint signs a token for subject that expires ttl from now.
func (c *Codec) Mint(subject string, ttl time.Duration) (*Issued, error) {
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}

	// NumericDate carries whole seconds: issue times round down and expiry
	// rounds up so the token lives at least ttl.
	now := c.clock.Now()
	issuedAt := now.Truncate(time.Second)
	expiresAt := now.Add(ttl)
	if t := expiresAt.Truncate(time.Second); !t.Equal(expiresAt) {
		expiresAt = t.Add(time.Second)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Issued{
		Token:     signed,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks signature, issuer, audience and validity window. It returns
// ErrTokenExpired when the token is otherwise valid but past exp, and an error
// wrapping ErrTokenInvalid for everything else.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.key, nil
	})
	if err != nil {
		// jwt reports every failed check; expiry only counts when the
		// signature itself was good.
		if errors.Is(err, jwt.ErrTokenExpired) && onlyExpired(err) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrTokenInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}

// onlyExpired reports whether expiry is the sole validation failure. Claim
// failures arrive joined under jwt.ErrTokenInvalidClaims.
func onlyExpired(err error) bool {
	for _, other := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenInvalidAudience,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}
