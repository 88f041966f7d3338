// Package did resolves decentralized identifiers to DID documents and
// verifies wallet signatures against them. The only method the gateway
// currently speaks is did:miid, whose documents are synthesized from wallet
// key records rather than fetched from a universal resolver.
package did

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	godid "github.com/whyrusleeping/go-did"
)

var (
	ErrWalletURLRequired = errors.New("wallet url required for did:miid resolution")
)

// Document is the subset of a DID document the gateway consumes.
type Document struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication,omitempty"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// Resolution pairs a resolved document with the wallet profile that came
// along with it, when the method surfaces one.
type Resolution struct {
	Document *Document
	Profile  map[string]any
}

type Resolver interface {
	ResolveDID(ctx context.Context, didstr, walletURL string) (*Resolution, error)
}

type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported did method: %q", e.Method)
}

// MultiResolver dispatches on the DID method segment.
type MultiResolver struct {
	handlers map[string]Resolver
}

func NewMultiResolver() *MultiResolver {
	return &MultiResolver{
		handlers: make(map[string]Resolver),
	}
}

func (mr *MultiResolver) AddHandler(method string, res Resolver) {
	mr.handlers[method] = res
}

func (mr *MultiResolver) ResolveDID(ctx context.Context, didstr, walletURL string) (*Resolution, error) {
	pdid, err := godid.ParseDID(didstr)
	if err != nil {
		return nil, err
	}

	res, ok := mr.handlers[pdid.Protocol()]
	if !ok {
		return nil, &UnsupportedMethodError{Method: pdid.Protocol()}
	}

	return res.ResolveDID(ctx, didstr, walletURL)
}

var walletLookupDefaultTimeout = 5 * time.Second

// WalletResolver resolves did:miid by asking the holder's wallet service for
// its key record and synthesizing a single-key DID document from it.
type WalletResolver struct {
	client http.Client
}

func NewWalletResolver() *WalletResolver {
	return &WalletResolver{
		client: http.Client{Timeout: walletLookupDefaultTimeout},
	}
}

// walletRecord is the wire shape of the wallet service's by-did lookup.
type walletRecord struct {
	Did                string         `json:"did"`
	Kid                string         `json:"kid"`
	PublicKeyMultibase string         `json:"public_key_multibase"`
	Name               string         `json:"name"`
	Email              string         `json:"email"`
	Nickname           string         `json:"nickname"`
	Profile            map[string]any `json:"profile"`
}

func (wr *WalletResolver) ResolveDID(ctx context.Context, didstr, walletURL string) (*Resolution, error) {
	if walletURL == "" {
		return nil, ErrWalletURLRequired
	}

	u := strings.TrimSuffix(walletURL, "/") + "/v1/wallets/by-did/" + url.PathEscape(didstr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := wr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet did lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("wallet did lookup failed (status %d): %s", resp.StatusCode, resp.Status)
	}

	var rec walletRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	if rec.Did == "" {
		rec.Did = didstr
	}

	return &Resolution{
		Document: documentFromWalletRecord(&rec),
		Profile:  normalizeWalletProfile(&rec),
	}, nil
}

func documentFromWalletRecord(rec *walletRecord) *Document {
	keyID := rec.Kid
	if keyID == "" {
		keyID = rec.Did + "#key-1"
	}
	return &Document{
		ID: rec.Did,
		VerificationMethod: []VerificationMethod{
			{
				ID:                 keyID,
				Type:               godid.KeyTypeEd25519,
				Controller:         rec.Did,
				PublicKeyMultibase: rec.PublicKeyMultibase,
			},
		},
		Authentication: []string{keyID},
	}
}

// normalizeWalletProfile flattens the wallet's profile block into plain claim
// values. Wallets may wrap each claim as {"value": ...}; older records carry
// top-level name/email/nickname fields instead.
func normalizeWalletProfile(rec *walletRecord) map[string]any {
	if len(rec.Profile) > 0 {
		out := make(map[string]any, len(rec.Profile))
		for key, data := range rec.Profile {
			if wrapped, ok := data.(map[string]any); ok {
				out[key] = wrapped["value"]
			} else {
				out[key] = data
			}
		}
		return out
	}
	return map[string]any{
		"name":     safeText(rec.Name),
		"email":    safeText(rec.Email),
		"nickname": safeText(rec.Nickname),
	}
}

func safeText(v string) any {
	if t := strings.TrimSpace(v); t != "" {
		return t
	}
	return nil
}
