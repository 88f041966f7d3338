// Package policy holds the pure set/hash helpers used for consent-gap
// computation and service-policy drift detection. Nothing here touches
// storage; callers pass plain slices and maps.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// NormalizeScopes deduplicates, trims, and drops empty entries, preserving
// first-seen order.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// NormalizeClaims behaves like NormalizeScopes; claims and scopes share the
// same wire shape.
func NormalizeClaims(claims []string) []string {
	return NormalizeScopes(claims)
}

// ScopeString renders a scope set in its canonical token form: sorted,
// deduplicated, space-joined.
func ScopeString(scopes []string) string {
	norm := NormalizeScopes(scopes)
	sort.Strings(norm)
	return strings.Join(norm, " ")
}

// ParseScopeString splits a space-joined scope token back into a slice.
func ParseScopeString(s string) []string {
	return NormalizeScopes(strings.Fields(s))
}

// HashScopes returns the hex sha256 of the canonical scope string.
func HashScopes(scopes []string) string {
	sum := sha256.Sum256([]byte(ScopeString(scopes)))
	return hex.EncodeToString(sum[:])
}

type policyDigest struct {
	Scopes          []string `json:"scopes"`
	RequestedClaims []string `json:"requested_claims"`
	RiskAction      *string  `json:"risk_action"`
}

// Hash computes the canonical policy hash over a service's requested scopes,
// claims, and risk action. This is the single drift-detection mechanism;
// service_version is bookkeeping derived from changes to this value.
func Hash(scopes, requestedClaims []string, riskAction string) string {
	ns := NormalizeScopes(scopes)
	sort.Strings(ns)
	nc := NormalizeClaims(requestedClaims)
	sort.Strings(nc)
	if ns == nil {
		ns = []string{}
	}
	if nc == nil {
		nc = []string{}
	}

	var ra *string
	if riskAction != "" {
		ra = &riskAction
	}

	// field order is fixed by the struct; wallets recompute this exact
	// serialization to detect policy drift
	b, err := json.Marshal(policyDigest{Scopes: ns, RequestedClaims: nc, RiskAction: ra})
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MissingScopes returns the requested scopes not covered by granted.
func MissingScopes(granted, requested []string) []string {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	missing := []string{}
	for _, s := range NormalizeScopes(requested) {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// HasAllScopes reports whether granted is a superset of requested.
func HasAllScopes(granted, requested []string) bool {
	return len(MissingScopes(granted, requested)) == 0
}

// FilterClaims projects a wallet profile onto the approved claim set. Every
// approved claim appears in the result (nil when the profile lacks it), and
// no unapproved key ever passes through.
func FilterClaims(profile map[string]any, approved []string) map[string]any {
	out := make(map[string]any, len(approved))
	for _, claim := range NormalizeClaims(approved) {
		if v, ok := profile[claim]; ok {
			out[claim] = v
		} else {
			out[claim] = nil
		}
	}
	return out
}
