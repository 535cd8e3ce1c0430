package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// PartnerType scopes an image access token to a class of consumer.
type PartnerType string

const (
	PartnerManufacturer PartnerType = "manufacturer"
	PartnerUser         PartnerType = "user"
	PartnerAdmin        PartnerType = "admin"
	// PartnerStandard is the implicit type of legacy two-field tokens.
	PartnerStandard PartnerType = "standard"
)

// Policy is the lifetime policy for one partner type. Requested lifetimes are
// clamped to Max, never rejected.
type Policy struct {
	Default time.Duration
	Max     time.Duration
}

var defaultPolicies = map[PartnerType]Policy{
	PartnerManufacturer: {Default: 48 * time.Hour, Max: 72 * time.Hour},
	PartnerUser:         {Default: 1 * time.Hour, Max: 4 * time.Hour},
	PartnerAdmin:        {Default: 24 * time.Hour, Max: 168 * time.Hour},
	PartnerStandard:     {Default: 24 * time.Hour, Max: 72 * time.Hour},
}

// Validation failures are distinct so callers can log exactly why a token was
// refused. Validation fails closed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid token: " + e.Reason
}

const (
	ReasonMalformed         = "malformed"
	ReasonUnknownPartner    = "unknown_partner_type"
	ReasonPartnerNotAllowed = "partner_type_not_allowed"
	ReasonExpired           = "expired"
	ReasonBadSignature      = "signature_mismatch"
)

// Claims are the verified contents of a valid token.
type Claims struct {
	PartnerType PartnerType
	ExpiresAt   time.Time
}

// Service issues and validates time-boxed, partner-scoped tokens for
// generated design images.
type Service struct {
	secret   []byte
	policies map[PartnerType]Policy
	now      func() time.Time
}

// NewService creates a token service with the default lifetime policies.
func NewService(secret string) *Service {
	return &Service{
		secret:   []byte(secret),
		policies: defaultPolicies,
		now:      time.Now,
	}
}

// Issue creates a token for filename scoped to the given partner type.
// requestedHours <= 0 means the partner's default lifetime; anything above
// the partner's maximum is clamped to it.
func (s *Service) Issue(filename string, pt PartnerType, requestedHours int) (string, error) {
	policy, ok := s.policies[pt]
	if !ok {
		return "", fmt.Errorf("unknown partner type %q", pt)
	}

	lifetime := policy.Default
	if requestedHours > 0 {
		lifetime = time.Duration(requestedHours) * time.Hour
		if lifetime > policy.Max {
			lifetime = policy.Max
		}
	}

	expiry := s.now().Add(lifetime).Unix()
	sig := s.sign(filename, expiry, pt)
	return fmt.Sprintf("%d:%s:%s", expiry, pt, sig), nil
}

// Validate checks a token against a filename and an allow-list of partner
// types. Legacy two-field tokens validate as PartnerStandard.
func (s *Service) Validate(token, filename string, allowed []PartnerType) (*Claims, error) {
	parts := strings.Split(token, ":")

	var expiryStr, sig string
	var pt PartnerType
	switch len(parts) {
	case 3:
		expiryStr, pt, sig = parts[0], PartnerType(parts[1]), parts[2]
		if _, ok := s.policies[pt]; !ok {
			return nil, &ValidationError{Reason: ReasonUnknownPartner}
		}
	case 2:
		// Legacy format, signed without a partner type.
		expiryStr, pt, sig = parts[0], PartnerStandard, parts[1]
	default:
		return nil, &ValidationError{Reason: ReasonMalformed}
	}

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonMalformed}
	}

	if !partnerAllowed(pt, allowed) {
		return nil, &ValidationError{Reason: ReasonPartnerNotAllowed}
	}

	if s.now().Unix() > expiry {
		return nil, &ValidationError{Reason: ReasonExpired}
	}

	var expected string
	if len(parts) == 2 {
		expected = s.signLegacy(filename, expiry)
	} else {
		expected = s.sign(filename, expiry, pt)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return nil, &ValidationError{Reason: ReasonBadSignature}
	}

	return &Claims{PartnerType: pt, ExpiresAt: time.Unix(expiry, 0)}, nil
}

func partnerAllowed(pt PartnerType, allowed []PartnerType) bool {
	for _, a := range allowed {
		if a == pt {
			return true
		}
	}
	return false
}

func (s *Service) sign(filename string, expiry int64, pt PartnerType) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%s", filename, expiry, pt)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) signLegacy(filename string, expiry int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", filename, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenizeURL returns rawURL carrying exactly one token query parameter.
// Anything from the first '?' onward is stripped first, so a URL can never end
// up double-tokenized.
func (s *Service) TokenizeURL(rawURL string, pt PartnerType, requestedHours int) (string, error) {
	base := StripQuery(rawURL)

	tok, err := s.Issue(path.Base(base), pt, requestedHours)
	if err != nil {
		return "", err
	}
	return base + "?token=" + tok, nil
}

// StripQuery removes everything from the first '?' of a URL.
func StripQuery(rawURL string) string {
	if i := strings.Index(rawURL, "?"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// HasQuery reports whether a URL carries any query parameters.
func HasQuery(rawURL string) bool {
	return strings.Contains(rawURL, "?")
}
