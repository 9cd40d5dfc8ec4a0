package capability

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by Mint, Verify, and Ed25519Signer.
var (
	ErrNotCovered            = errors.New("requested pattern not covered by parent token")
	ErrAcknowledgmentMissing = errors.New("risk tier requires an acknowledgment the directive does not declare")
	ErrEmptyPatternsAtRoot   = errors.New("empty capability set on root thread is a misconfiguration")
	ErrTokenExpired          = errors.New("capability token expired")
	ErrUntrustedKey          = errors.New("capability token signed by an untrusted key")
	ErrBadSignature          = errors.New("capability token signature invalid")
)

// Token is an Ed25519-signed credential holding a set of permission patterns.
// Tokens are minted per-thread from the intersection of the parent token's
// patterns and the directive's declared permissions, and are destroyed with
// the thread.
type Token struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	ThreadID       string    `json:"thread_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	Patterns       []Pattern `json:"patterns"`
	RiskTier       RiskTier  `json:"risk_tier"`
	Signature      []byte    `json:"signature,omitempty"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
}

// canonicalFields is the subset of Token fields that are signed. Kept
// separate from Token so that adding non-semantic fields later cannot
// silently change the signed payload.
type canonicalFields struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	ThreadID  string    `json:"thread_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Patterns  []Pattern `json:"patterns"`
	RiskTier  RiskTier  `json:"risk_tier"`
}

func (t *Token) canonical() canonicalFields {
	return canonicalFields{
		ID:        t.ID,
		ParentID:  t.ParentID,
		ThreadID:  t.ThreadID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Patterns:  t.Patterns,
		RiskTier:  t.RiskTier,
	}
}

// canonicalBytes serializes the signed fields deterministically (encoding/json
// on a fixed struct shape with stable field order).
func (t *Token) canonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(t.canonical()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MintOptions parameterizes Mint.
type MintOptions struct {
	// ParentToken is the minting thread's own token, or nil for a root thread.
	ParentToken *Token
	// Requested is the set of patterns the directive declares.
	Requested []Pattern
	// ThreadID is the thread the new token is scoped to.
	ThreadID string
	// Acknowledgments lists the risk tiers the directive has explicitly
	// acknowledged (via <acknowledge risk="...">).
	Acknowledgments map[RiskTier]string
	// Classifier assigns a risk tier per pattern; defaults to DefaultClassifier.
	Classifier Classifier
	// TTL bounds the token's lifetime; zero means no expiry.
	TTL time.Duration
	// Signer produces the Ed25519 signature and accompanying key fingerprint.
	Signer Signer
	// Now overrides time.Now for deterministic tests.
	Now func() time.Time
}

// Signer mints and verifies Ed25519 signatures over canonical token bytes.
type Signer interface {
	Sign(data []byte) (sig []byte, keyFingerprint string, err error)
	Verify(data, sig []byte, keyFingerprint string) error
}

// Mint constructs a new Token from parent ∩ directive-permissions, enforcing
// attenuation (every requested pattern must be covered by the parent, unless
// this is a root thread with no parent), risk acknowledgment, and the
// fail-closed empty-pattern-set rule for root threads.
func Mint(opts MintOptions) (*Token, error) {
	classify := opts.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var granted []Pattern
	var parentID string
	if opts.ParentToken == nil {
		// Root thread: the directive's own requested set is authoritative,
		// but an empty set is a misconfiguration the runner must reject
		// before first dispatch.
		if len(opts.Requested) == 0 {
			return nil, ErrEmptyPatternsAtRoot
		}
		granted = append(granted, opts.Requested...)
	} else {
		parentID = opts.ParentToken.ID
		for _, r := range opts.Requested {
			if !r.CoveredBy(opts.ParentToken.Patterns) {
				return nil, fmt.Errorf("%w: %q", ErrNotCovered, r)
			}
			granted = append(granted, r)
		}
	}

	highestTier := RiskSafe
	for _, p := range granted {
		tier := classify(p)
		if tier.RequiresAcknowledgment() {
			if _, ok := opts.Acknowledgments[tier]; !ok {
				return nil, fmt.Errorf("%w: %q requires tier %q", ErrAcknowledgmentMissing, p, tier)
			}
		}
		if riskRank(tier) > riskRank(highestTier) {
			highestTier = tier
		}
	}

	tok := &Token{
		ID:       generateTokenID(opts.ThreadID, now()),
		ParentID: parentID,
		ThreadID: opts.ThreadID,
		IssuedAt: now(),
		Patterns: granted,
		RiskTier: highestTier,
	}
	if opts.TTL > 0 {
		tok.ExpiresAt = tok.IssuedAt.Add(opts.TTL)
	}

	if opts.Signer != nil {
		data, err := tok.canonicalBytes()
		if err != nil {
			return nil, err
		}
		sig, fp, err := opts.Signer.Sign(data)
		if err != nil {
			return nil, err
		}
		tok.Signature = sig
		tok.KeyFingerprint = fp
	}
	return tok, nil
}

func riskRank(t RiskTier) int {
	switch t {
	case RiskSafe:
		return 0
	case RiskWrite:
		return 1
	case RiskElevated:
		return 2
	case RiskUnrestricted:
		return 3
	default:
		return 0
	}
}

// generateTokenID produces a stable, sortable identifier for a token.
func generateTokenID(threadID string, at time.Time) string {
	return fmt.Sprintf("%s-%d", threadID, at.UnixNano())
}

// Verify checks the token's signature and expiry using s. A verifier rejects
// expired tokens or tokens signed by an untrusted key.
func Verify(tok *Token, s Signer, now time.Time) error {
	if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
		return ErrTokenExpired
	}
	data, err := tok.canonicalBytes()
	if err != nil {
		return err
	}
	if err := s.Verify(data, tok.Signature, tok.KeyFingerprint); err != nil {
		if errors.Is(err, ErrUntrustedKey) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Ed25519Signer is a Signer backed by a single Ed25519 keypair, identified by
// a caller-supplied fingerprint (e.g. the first 8 bytes of the public key's
// SHA-256 hash, formatted by the caller).
type Ed25519Signer struct {
	Private        ed25519.PrivateKey
	Public         ed25519.PublicKey
	KeyFingerprint string
	// Trusted lists fingerprints this verifier accepts; if empty, only
	// KeyFingerprint is trusted.
	Trusted map[string]ed25519.PublicKey
}

// NewEd25519Signer generates a fresh Ed25519 keypair and wraps it as a Signer
// whose trust store contains only its own public key.
func NewEd25519Signer(fingerprint string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	s := &Ed25519Signer{
		Private:        priv,
		Public:         pub,
		KeyFingerprint: fingerprint,
		Trusted:        map[string]ed25519.PublicKey{fingerprint: pub},
	}
	return s, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, string, error) {
	if s.Private == nil {
		return nil, "", errors.New("signer has no private key")
	}
	return ed25519.Sign(s.Private, data), s.KeyFingerprint, nil
}

// Verify implements Signer. It rejects signatures from fingerprints not
// present in the trust store.
func (s *Ed25519Signer) Verify(data, sig []byte, keyFingerprint string) error {
	pub, ok := s.Trusted[keyFingerprint]
	if !ok && len(s.Trusted) == 0 && keyFingerprint == s.KeyFingerprint && s.Public != nil {
		pub, ok = s.Public, true
	}
	if !ok {
		return ErrUntrustedKey
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}
