package models

import (
	"time"

	"gorm.io/gorm"
)

type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeVerified ChallengeStatus = "verified"
	ChallengeDenied   ChallengeStatus = "denied"
	ChallengeExpired  ChallengeStatus = "expired"
)

type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "active"
	ConsentRevoked ConsentStatus = "revoked"
)

type RiskLevel string

const (
	RiskNormal RiskLevel = "normal"
	RiskStepUp RiskLevel = "step_up"
)

// Challenge is one time-boxed login attempt. Status only ever moves forward:
// pending -> verified | denied | expired.
type Challenge struct {
	ID                  string `gorm:"primarykey"`
	CreatedAt           time.Time
	Nonce               string
	ServiceID           string
	ClientID            string `gorm:"index"`
	RedirectURI         string
	Scopes              []string `gorm:"serializer:json"`
	RequestedClaims     []string `gorm:"serializer:json"`
	State               string
	RiskAction          string
	DidHint             string `gorm:"index"`
	RequireUserApproval bool
	ServiceVersion      int
	PolicyHash          string
	Status              ChallengeStatus `gorm:"index:idx_challenges_status_expires"`
	ExpiresAt           time.Time       `gorm:"index:idx_challenges_status_expires"`
	VerifiedAt          *time.Time
	DeniedAt            *time.Time
	UsedAt              *time.Time
	AuthorizationCode   string
}

// AuthCode bridges a verified challenge to a token exchange. The unique index
// on ChallengeID is what makes concurrent approvals converge on a single code.
type AuthCode struct {
	ID              string `gorm:"primarykey"`
	CreatedAt       time.Time
	Code            string `gorm:"uniqueindex"`
	ChallengeID     string `gorm:"uniqueindex"`
	ServiceID       string
	ClientID        string
	RedirectURI     string
	Did             string `gorm:"index"`
	SubjectID       string
	Scopes          []string `gorm:"serializer:json"`
	ConsentRequired bool
	MissingScopes   []string `gorm:"serializer:json"`
	RiskAction      string
	RequestedClaims []string       `gorm:"serializer:json"`
	ApprovedClaims  []string       `gorm:"serializer:json"`
	ProfileClaims   map[string]any `gorm:"serializer:json"`
	WalletURL       string
	ExpiresAt       time.Time
	UsedAt          *time.Time
}

// Subject is the service-scoped pseudonymous identity for a DID. Rows are
// immutable once created.
type Subject struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	Did       string `gorm:"index:idx_subjects_did_service,unique"`
	ServiceID string `gorm:"index:idx_subjects_did_service,unique"`
	SubjectID string `gorm:"uniqueindex"`
}

// Consent is an append-only versioned grant; revocation flips status, rows
// are never deleted. The highest active version is authoritative.
type Consent struct {
	ID        string   `gorm:"primarykey"`
	ServiceID string   `gorm:"index:idx_consents_service_subject"`
	SubjectID string   `gorm:"index:idx_consents_service_subject"`
	Scopes    []string `gorm:"serializer:json"`
	ScopeHash string
	Purpose   string
	Version   int
	Status    ConsentStatus
	GrantedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Session holds the live token pair for one service<->identity relationship.
// At most one non-revoked row may exist per (service_id, did); that invariant
// lives in a partial unique index created by the store, not in tags here.
type Session struct {
	ID              string `gorm:"primarykey"`
	CreatedAt       time.Time
	ServiceID       string `gorm:"index:idx_sessions_service_did"`
	SubjectID       string
	Did             string         `gorm:"index:idx_sessions_service_did"`
	RequestedClaims []string       `gorm:"serializer:json"`
	ApprovedClaims  []string       `gorm:"serializer:json"`
	ProfileClaims   map[string]any `gorm:"serializer:json"`
	WalletURL       string
	RiskLevel       RiskLevel
	AccessToken     string `gorm:"uniqueindex"`
	RefreshToken    string `gorm:"uniqueindex"`
	Scope           string
	ExpiresAt       time.Time
	RevokedAt       *time.Time
}

// Active reports whether the session is usable right now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// ServiceClient is a registered relying service. The policy hash is the
// canonical identity of its requested policy; ServiceVersion increments only
// when the hash changes.
type ServiceClient struct {
	gorm.Model
	ClientID        string `gorm:"uniqueindex"`
	ServiceID       string `gorm:"index"`
	ClientSecret    string
	RedirectURIs    []string `gorm:"serializer:json"`
	DefaultScopes   []string `gorm:"serializer:json"`
	RequestedClaims []string `gorm:"serializer:json"`
	RiskAction      string
	ServiceVersion  int
	PolicyHash      string
}

// AllowsRedirect checks a redirect_uri against the registered list.
func (sc *ServiceClient) AllowsRedirect(uri string) bool {
	for _, u := range sc.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}
