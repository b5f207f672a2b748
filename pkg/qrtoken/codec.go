// Package qrtoken encodes and decodes the signed claims carried by QR codes.
//
// A token is a compact, URL-safe JWT (HS256). Identity tokens may be
// non-expiring (printed static customer codes) or short-lived (dynamic
// payment codes). Voucher tokens always embed the instance's own expiry in
// addition to the JWT envelope expiry; the embedded expiry is surfaced on the
// decoded claim and enforced by the caller, not by this package.
package qrtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by Decode.
var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// ClaimKind distinguishes the payload carried by a token.
type ClaimKind string

const (
	ClaimIdentity ClaimKind = "identity"
	ClaimVoucher  ClaimKind = "voucher"
)

// DynamicIdentityTTL is the default lifetime of a dynamic payment identity
// token. Static identity codes are encoded with no TTL at all.
const DynamicIdentityTTL = 120 * time.Second

// Claim is the decoded structured payload of a QR token.
type Claim struct {
	Kind         ClaimKind
	AccountID    string
	DefinitionID string
	InstanceID   string
	// VoucherExpiresAtUnixUTC is the instance expiry embedded in voucher
	// claims, independent of the JWT envelope expiry. Zero for identity
	// claims.
	VoucherExpiresAtUnixUTC int64
}

type tokenClaims struct {
	Kind             string `json:"knd"`
	AccountID        string `json:"act"`
	DefinitionID     string `json:"vch,omitempty"`
	InstanceID       string `json:"ins,omitempty"`
	VoucherExpiresAt int64  `json:"vex,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies QR claims.
type Codec struct {
	signingKey []byte
	nowFn      func() time.Time
}

// NewCodec validates the signing key and wires a Codec. A nil clock defaults
// to time.Now.
func NewCodec(signingKey []byte, now func() time.Time) (*Codec, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: empty signing key", ErrTokenInvalid)
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{signingKey: signingKey, nowFn: now}, nil
}

// Encode signs a claim. A zero ttl produces a non-expiring token, used only
// for permanent static identity codes.
func (codec *Codec) Encode(claim Claim, ttl time.Duration) (string, error) {
	if err := validateClaim(claim); err != nil {
		return "", err
	}
	issuedAt := codec.nowFn().UTC()
	payload := tokenClaims{
		Kind:             string(claim.Kind),
		AccountID:        claim.AccountID,
		DefinitionID:     claim.DefinitionID,
		InstanceID:       claim.InstanceID,
		VoucherExpiresAt: claim.VoucherExpiresAtUnixUTC,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	if ttl > 0 {
		payload.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return signed, nil
}

// Decode verifies a token's signature and envelope expiry and returns the
// embedded claim. The voucher claim's own expiry is returned, not checked.
func (codec *Codec) Decode(token string) (Claim, error) {
	if strings.TrimSpace(token) == "" {
		return Claim{}, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}
	var payload tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &payload, func(parsedToken *jwt.Token) (interface{}, error) {
		if _, ok := parsedToken.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", parsedToken.Header["alg"])
		}
		return codec.signingKey, nil
	}, jwt.WithTimeFunc(codec.nowFn))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claim{}, fmt.Errorf("%w: envelope expiry elapsed", ErrTokenExpired)
		}
		return Claim{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Claim{}, fmt.Errorf("%w: token not valid", ErrTokenInvalid)
	}
	claim := Claim{
		Kind:                    ClaimKind(payload.Kind),
		AccountID:               payload.AccountID,
		DefinitionID:            payload.DefinitionID,
		InstanceID:              payload.InstanceID,
		VoucherExpiresAtUnixUTC: payload.VoucherExpiresAt,
	}
	if err := validateClaim(claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

func validateClaim(claim Claim) error {
	if strings.TrimSpace(claim.AccountID) == "" {
		return fmt.Errorf("%w: missing account id", ErrTokenInvalid)
	}
	switch claim.Kind {
	case ClaimIdentity:
		return nil
	case ClaimVoucher:
		if strings.TrimSpace(claim.InstanceID) == "" {
			return fmt.Errorf("%w: voucher claim missing instance id", ErrTokenInvalid)
		}
		if strings.TrimSpace(claim.DefinitionID) == "" {
			return fmt.Errorf("%w: voucher claim missing definition id", ErrTokenInvalid)
		}
		if claim.VoucherExpiresAtUnixUTC <= 0 {
			return fmt.Errorf("%w: voucher claim missing expiry", ErrTokenInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown claim kind %q", ErrTokenInvalid, claim.Kind)
	}
}
