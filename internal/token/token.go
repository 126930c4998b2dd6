// Package token parses shared access signature tokens presented to the relay
// service.
package token

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Prefix is the scheme marker in front of the token pairs.
const Prefix = "SharedAccessSignature "

const (
	audienceField  = "sr"
	expiresOnField = "se"
	pairSeparator  = "&"
	kvSeparator    = "="
)

var (
	// ErrMalformed is returned when a pair is not key=value.
	ErrMalformed = errors.New("token: invalid encoding")
	// ErrMissingExpiry is returned when the se field is absent.
	ErrMissingExpiry = errors.New("token: missing expiry field")
	// ErrMissingAudience is returned when the sr field is absent.
	ErrMissingAudience = errors.New("token: missing audience field")
)

// Token is a parsed shared access signature.
type Token struct {
	Raw       string
	Audience  string
	ExpiresAt time.Time
}

// Parse decodes the token's pairs and extracts audience and expiry.
func Parse(raw string) (*Token, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	fields, err := decodePairs(strings.TrimPrefix(raw, Prefix))
	if err != nil {
		return nil, err
	}

	expiresOn, ok := fields[expiresOnField]
	if !ok {
		return nil, ErrMissingExpiry
	}
	audience, ok := fields[audienceField]
	if !ok {
		return nil, ErrMissingAudience
	}

	secs, err := strconv.ParseInt(expiresOn, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry %q: %w", ErrMalformed, expiresOn, err)
	}

	return &Token{
		Raw:       raw,
		Audience:  audience,
		ExpiresAt: time.Unix(secs, 0).UTC(),
	}, nil
}

// Expired reports whether the token has expired at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func decodePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, pairSeparator) {
		kv := strings.Split(pair, kvSeparator)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: pair %q", ErrMalformed, pair)
		}
		k, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrMalformed, kv[0], err)
		}
		v, err := url.QueryUnescape(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q: %w", ErrMalformed, k, err)
		}
		out[k] = v
	}
	return out, nil
}
