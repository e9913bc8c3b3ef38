/**
 * @description
 * This file implements the recovery token codec. A recovery token is a signed,
 * time-bounded value minted right before the client browser is redirected to an
 * external provider (Calendly scheduling page, Stripe checkout). If the client
 * loses its session mid-flow, presenting the token on return proves it was
 * legitimately mid-flow for that booking and lets it resume at the right step.
 *
 * Tokens are stateless HS256 JWTs carrying the booking id and the state the
 * flow expects the booking to be in. They are a UX convenience, not an
 * authorization mechanism: callers must still check that the presenter may
 * view the referenced booking before acting on a verified token.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token signing and parsing.
 * - internal/clock: injected time source so expiry is testable.
 */

package token

import (
	"errors"
	"time"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMalformed        = errors.New("recovery token is malformed")
	ErrInvalidSignature = errors.New("recovery token signature is invalid")
	ErrExpired          = errors.New("recovery token has expired")
)

// DefaultMaxAge bounds how long a stale recovery link stays usable.
const DefaultMaxAge = 30 * time.Minute

type recoveryClaims struct {
	BookingID     string `json:"booking_id"`
	ExpectedState string `json:"expected_state"`
	jwt.RegisteredClaims
}

// RecoveryCodec mints and verifies recovery tokens with a server-side secret.
type RecoveryCodec struct {
	secret []byte
	maxAge time.Duration
	clock  clock.Clock
}

func NewRecoveryCodec(secret string, maxAge time.Duration, clk clock.Clock) *RecoveryCodec {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RecoveryCodec{secret: []byte(secret), maxAge: maxAge, clock: clk}
}

// Mint issues a token binding the booking id to the state the flow expects on
// return from the external provider.
func (c *RecoveryCodec) Mint(bookingID uuid.UUID, expectedState domain.BookingState) (string, error) {
	now := c.clock.Now()
	claims := recoveryClaims{
		BookingID:     bookingID.String(),
		ExpectedState: string(expectedState),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify recomputes the signature and returns the booking id and expected
// state the token was minted with.
func (c *RecoveryCodec) Verify(tokenString string) (uuid.UUID, domain.BookingState, error) {
	claims := &recoveryClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.clock.Now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return uuid.Nil, "", ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return uuid.Nil, "", ErrInvalidSignature
		default:
			return uuid.Nil, "", ErrMalformed
		}
	}
	if !parsed.Valid {
		return uuid.Nil, "", ErrInvalidSignature
	}

	bookingID, err := uuid.Parse(claims.BookingID)
	if err != nil || claims.ExpectedState == "" {
		return uuid.Nil, "", ErrMalformed
	}
	return bookingID, domain.BookingState(claims.ExpectedState), nil
}
