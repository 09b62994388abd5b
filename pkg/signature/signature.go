// Package signature verifies signed intake requests.
//
// Requests carry an X-Fanout-Signature header of the form
//
//	t=<unix-seconds>,v1=<hex-ed25519-signature>
//
// where the signature covers the string "<t>.<raw-body>". The public
// key is published by the caller's API at a well-known endpoint and
// cached with a TTL. Timestamps older than five minutes or more than
// one minute in the future are rejected before any key lookup.
package signature

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is the request header carrying the signature.
const Header = "X-Fanout-Signature"

const (
	// MaxAge is how far in the past a signature timestamp may lie.
	MaxAge = 5 * time.Minute

	// MaxSkew is how far in the future a signature timestamp may lie,
	// allowing for clock drift between signer and verifier.
	MaxSkew = 1 * time.Minute
)

var (
	// ErrMalformed is returned when the header does not parse.
	ErrMalformed = errors.New("signature: malformed header")

	// ErrExpired is returned when the timestamp is outside the
	// accepted window.
	ErrExpired = errors.New("signature: timestamp outside accepted window")

	// ErrMismatch is returned when the signature does not verify
	// against the published key.
	ErrMismatch = errors.New("signature: verification failed")
)

// KeyProvider supplies the signing public key for an API base URL.
type KeyProvider interface {
	PublicKey(ctx context.Context, apiBase string) (ed25519.PublicKey, error)
}

// Verifier checks intake signatures against keys from a KeyProvider.
type Verifier struct {
	keys KeyProvider
	now  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the verifier's clock.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier using the given key provider.
func NewVerifier(keys KeyProvider, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// parsed is the decoded form of the signature header.
type parsed struct {
	timestamp int64
	signature []byte
}

func parseHeader(header string) (parsed, error) {
	var p parsed
	var haveT, haveV1 bool
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return parsed{}, ErrMalformed
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return parsed{}, fmt.Errorf("%w: bad timestamp", ErrMalformed)
			}
			p.timestamp = ts
			haveT = true
		case "v1":
			sig, err := hex.DecodeString(val)
			if err != nil {
				return parsed{}, fmt.Errorf("%w: bad signature encoding", ErrMalformed)
			}
			p.signature = sig
			haveV1 = true
		}
	}
	if !haveT || !haveV1 {
		return parsed{}, ErrMalformed
	}
	if len(p.signature) != ed25519.SignatureSize {
		return parsed{}, fmt.Errorf("%w: signature length %d", ErrMalformed, len(p.signature))
	}
	return p, nil
}

// Verify checks the header against the raw request body. The key is
// fetched for apiBase only after the header parses and the timestamp
// is inside the window.
func (v *Verifier) Verify(ctx context.Context, apiBase, header string, body []byte) error {
	p, err := parseHeader(header)
	if err != nil {
		return err
	}

	now := v.now()
	ts := time.Unix(p.timestamp, 0)
	if now.Sub(ts) > MaxAge || ts.Sub(now) > MaxSkew {
		return ErrExpired
	}

	key, err := v.keys.PublicKey(ctx, apiBase)
	if err != nil {
		return fmt.Errorf("signature: fetch public key: %w", err)
	}

	payload := make([]byte, 0, len(body)+21)
	payload = strconv.AppendInt(payload, p.timestamp, 10)
	payload = append(payload, '.')
	payload = append(payload, body...)
	if !ed25519.Verify(key, payload, p.signature) {
		return ErrMismatch
	}
	return nil
}

// Sign produces a header value for the given body, signed with priv at
// time now. Exported for tests and for callers that drive fanoutd from
// Go.
func Sign(priv ed25519.PrivateKey, body []byte, now time.Time) string {
	ts := now.Unix()
	payload := []byte(strconv.FormatInt(ts, 10) + ".")
	payload = append(payload, body...)
	sig := ed25519.Sign(priv, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(sig))
}
