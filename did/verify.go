package did

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	godid "github.com/whyrusleeping/go-did"
)

var (
	ErrNoVerificationMethod = errors.New("did document has no verification method")
	ErrMissingPublicKey     = errors.New("verification method carries no public key")
	ErrInvalidSignature     = errors.New("signature does not verify against did document")
)

// PayloadTimeLayout is the timestamp format wallets sign over. Millisecond
// precision, always UTC.
const PayloadTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(PayloadTimeLayout)
}

// SignedPayload is the exact structure a wallet signs to answer a challenge.
// Field order is part of the contract; both sides marshal it identically.
type SignedPayload struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	Audience    string `json:"audience"`
	ExpiresAt   string `json:"expires_at"`
}

func NewSignedPayload(challengeID, nonce, audience string, expiresAt time.Time) SignedPayload {
	return SignedPayload{
		ChallengeID: challengeID,
		Nonce:       nonce,
		Audience:    audience,
		ExpiresAt:   FormatTime(expiresAt),
	}
}

// Bytes returns the canonical byte string to sign. Marshaling a struct keeps
// key order fixed by declaration, so this is deterministic.
func (p SignedPayload) Bytes() ([]byte, error) {
	return json.Marshal(p)
}

// SelectVerificationMethod picks the key to verify against: an exact kid
// match when the wallet hinted one, otherwise the first authentication
// reference, otherwise the document's first method.
func SelectVerificationMethod(doc *Document, kidHint string) (*VerificationMethod, error) {
	if doc == nil || len(doc.VerificationMethod) == 0 {
		return nil, ErrNoVerificationMethod
	}
	if kidHint != "" {
		for i := range doc.VerificationMethod {
			if doc.VerificationMethod[i].ID == kidHint {
				return &doc.VerificationMethod[i], nil
			}
		}
	}
	for _, ref := range doc.Authentication {
		for i := range doc.VerificationMethod {
			if doc.VerificationMethod[i].ID == ref {
				return &doc.VerificationMethod[i], nil
			}
		}
	}
	return &doc.VerificationMethod[0], nil
}

// VerifySignature checks a base64url signature over payload using the
// document's selected key.
func VerifySignature(doc *Document, payload []byte, sigB64 string, kidHint string) error {
	method, err := SelectVerificationMethod(doc, kidHint)
	if err != nil {
		return err
	}
	if method.PublicKeyMultibase == "" {
		return ErrMissingPublicKey
	}

	key, err := godid.PubKeyFromMultibaseString(method.PublicKeyMultibase)
	if err != nil {
		return err
	}

	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sigB64, "="))
	if err != nil {
		return err
	}

	if err := key.Verify(payload, sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
