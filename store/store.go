// Package store is the gateway's durable state layer. It owns all five core
// tables and is the only place cross-request invariants are enforced: one
// authorization code per challenge, one non-revoked session per
// (service, did), unique tokens. Races between concurrent writers are
// resolved by the database's uniqueness constraints, never by locks here.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/miid-sh/miid/models"
	"github.com/miid-sh/miid/policy"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.AuthCode{},
		&models.Subject{},
		&models.Consent{},
		&models.Session{},
		&models.ServiceClient{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	// Root invariant: only one active session can exist per (service_id, did).
	// Partial unique indexes aren't expressible through gorm tags; both
	// sqlite and postgres accept this form.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active_did_service
		ON sessions(service_id, did)
		WHERE revoked_at IS NULL
	`).Error; err != nil {
		return nil, fmt.Errorf("creating active-session index: %w", err)
	}

	return &Store{
		db:  db,
		log: slog.Default().With("system", "store"),
	}, nil
}

// Now returns the current UTC time truncated to milliseconds, the precision
// of the wire timestamps wallets sign over.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewID returns a fresh row id.
func NewID() string {
	return uuid.NewString()
}

// RandomToken returns nbytes of entropy as unpadded base64url.
func RandomToken(nbytes int) string {
	buf := make([]byte, nbytes)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite constraint failures on partial indexes are not always translated
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}

// createOrGetExisting writes a row guarded by a uniqueness constraint. When a
// concurrent writer already inserted the conflicting row, it recovers by
// re-reading through fetch instead of surfacing the conflict. Returns whether
// this call created the row.
func (s *Store) createOrGetExisting(ctx context.Context, create func(tx *gorm.DB) error, fetch func(tx *gorm.DB) error) (bool, error) {
	if err := create(s.db.WithContext(ctx)); err != nil {
		if !isDuplicateErr(err) {
			return false, err
		}
		if ferr := fetch(s.db.WithContext(ctx)); ferr != nil {
			return false, fmt.Errorf("lost insert race but re-read failed: %w", ferr)
		}
		return false, nil
	}
	return true, nil
}

// ==================== challenges ====================

func (s *Store) CreateChallenge(ctx context.Context, ch *models.Challenge) error {
	return s.db.WithContext(ctx).Create(ch).Error
}

func (s *Store) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// PendingChallengesForDid returns the live challenges a wallet should see:
// hinted at this DID or broadcast (no hint), still pending and unexpired.
func (s *Store) PendingChallengesForDid(ctx context.Context, did string) ([]models.Challenge, error) {
	var out []models.Challenge
	err := s.db.WithContext(ctx).
		Where("(did_hint = ? OR did_hint = '') AND status = ? AND expires_at > ?",
			did, models.ChallengePending, Now()).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// ExpireChallengeIfNeeded is the single lazy-expiry transition. Every read
// path calls it so all callers observe identical expiry semantics. It mutates
// ch in place and reports whether a transition happened.
func (s *Store) ExpireChallengeIfNeeded(ctx context.Context, ch *models.Challenge) (bool, error) {
	if ch.Status != models.ChallengePending || ch.ExpiresAt.After(Now()) {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Challenge{}).
		Where("id = ? AND status = ?", ch.ID, models.ChallengePending).
		Update("status", models.ChallengeExpired)
	if res.Error != nil {
		return false, res.Error
	}
	ch.Status = models.ChallengeExpired
	// rows_affected 0 means a concurrent transition won; the status is
	// terminal either way
	return res.RowsAffected > 0, nil
}

// MarkChallengeDenied flips pending -> denied. Returns false when the
// challenge was no longer pending by the time the update ran.
func (s *Store) MarkChallengeDenied(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Challenge{}).
		Where("id = ? AND status = ?", id, models.ChallengePending).
		Updates(map[string]any{"status": models.ChallengeDenied, "denied_at": at})
	return res.RowsAffected > 0, res.Error
}

// RestoreChallengePending undoes a verification after the wallet cancels an
// unexchanged approval, returning the challenge to the pending pool.
func (s *Store) RestoreChallengePending(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Challenge{}).
		Where("id = ? AND status = ?", id, models.ChallengeVerified).
		Updates(map[string]any{
			"status":             models.ChallengePending,
			"verified_at":        nil,
			"used_at":            nil,
			"authorization_code": "",
		}).Error
}

// ==================== auth codes ====================

// IssueAuthCode inserts the code and flips its challenge to verified as one
// logical operation. A false return means another approval already issued a
// code for this challenge (unique challenge_id); the caller should re-read
// with LatestAuthCodeForChallenge and converge instead of erroring.
func (s *Store) IssueAuthCode(ctx context.Context, code *models.AuthCode) (bool, error) {
	now := Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(code).Error; err != nil {
			return err
		}
		return tx.Model(&models.Challenge{}).
			Where("id = ?", code.ChallengeID).
			Updates(map[string]any{
				"status":             models.ChallengeVerified,
				"verified_at":        now,
				"used_at":            now,
				"authorization_code": code.Code,
			}).Error
	})
	if err != nil {
		if isDuplicateErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) GetAuthCodeByCode(ctx context.Context, code string) (*models.AuthCode, error) {
	var ac models.AuthCode
	if err := s.db.WithContext(ctx).First(&ac, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ac, nil
}

func (s *Store) LatestAuthCodeForChallenge(ctx context.Context, challengeID string) (*models.AuthCode, error) {
	var ac models.AuthCode
	err := s.db.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("created_at desc").
		First(&ac).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ac, nil
}

// ApprovedAuthCodesForDid lists codes a wallet approved that have not yet
// been exchanged or expired.
func (s *Store) ApprovedAuthCodesForDid(ctx context.Context, did string) ([]models.AuthCode, error) {
	var out []models.AuthCode
	err := s.db.WithContext(ctx).
		Where("did = ? AND used_at IS NULL AND expires_at > ?", did, Now()).
		Find(&out).Error
	return out, err
}

// MarkAuthCodeUsed consumes a code. Returns false when it was already used;
// single-use is enforced by the conditional update, not by a prior read.
func (s *Store) MarkAuthCodeUsed(ctx context.Context, code string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AuthCode{}).
		Where("code = ? AND used_at IS NULL", code).
		Update("used_at", at)
	return res.RowsAffected > 0, res.Error
}

// ==================== subjects ====================

// FindOrCreateSubject returns the service-scoped pseudonymous subject id for
// a DID, creating it on first contact. Concurrent first contacts converge on
// one row via the (did, service_id) unique index.
func (s *Store) FindOrCreateSubject(ctx context.Context, did, serviceID string) (string, error) {
	lookup := func(tx *gorm.DB) (*models.Subject, error) {
		var sub models.Subject
		if err := tx.First(&sub, "did = ? AND service_id = ?", did, serviceID).Error; err != nil {
			return nil, err
		}
		return &sub, nil
	}

	if sub, err := lookup(s.db.WithContext(ctx)); err == nil {
		return sub.SubjectID, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	sub := models.Subject{
		ID:        NewID(),
		Did:       did,
		ServiceID: serviceID,
		SubjectID: "sub_" + strings.ReplaceAll(NewID(), "-", ""),
	}
	created, err := s.createOrGetExisting(ctx,
		func(tx *gorm.DB) error { return tx.Create(&sub).Error },
		func(tx *gorm.DB) error {
			got, err := lookup(tx)
			if err != nil {
				return err
			}
			sub = *got
			return nil
		})
	if err != nil {
		return "", err
	}
	if !created {
		s.log.Debug("subject insert lost race, reusing existing", "did", did, "service", serviceID)
	}
	return sub.SubjectID, nil
}

// ==================== consents ====================

func (s *Store) maxConsentVersion(tx *gorm.DB, serviceID, subjectID string) (int, error) {
	var max int
	err := tx.Model(&models.Consent{}).
		Where("service_id = ? AND subject_id = ?", serviceID, subjectID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&max).Error
	return max, err
}

// GrantConsent appends a new consent version for (service, subject). Versions
// are strictly increasing; older grants stay in place for audit.
func (s *Store) GrantConsent(ctx context.Context, serviceID, subjectID string, scopes []string, purpose string, expiresAt *time.Time) (*models.Consent, error) {
	normalized := policy.NormalizeScopes(scopes)
	var consent *models.Consent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.maxConsentVersion(tx, serviceID, subjectID)
		if err != nil {
			return err
		}
		consent = &models.Consent{
			ID:        NewID(),
			ServiceID: serviceID,
			SubjectID: subjectID,
			Scopes:    normalized,
			ScopeHash: policy.HashScopes(normalized),
			Purpose:   purpose,
			Version:   version + 1,
			Status:    models.ConsentActive,
			GrantedAt: Now(),
			ExpiresAt: expiresAt,
		}
		return tx.Create(consent).Error
	})
	if err != nil {
		return nil, err
	}
	return consent, nil
}

func (s *Store) GetConsent(ctx context.Context, id string) (*models.Consent, error) {
	var c models.Consent
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// LatestActiveConsent returns the authoritative consent: highest active
// version for (service, subject).
func (s *Store) LatestActiveConsent(ctx context.Context, serviceID, subjectID string) (*models.Consent, error) {
	var c models.Consent
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND subject_id = ? AND status = ?", serviceID, subjectID, models.ConsentActive).
		Order("version desc").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) RevokeConsent(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.ConsentRevoked, "revoked_at": at}).Error
}

// ==================== sessions ====================

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetSessionByAccessToken(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, "access_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// ActiveSessionForDidService returns the non-revoked session for a
// (service, did) pair. Under the partial unique index there is at most one.
func (s *Store) ActiveSessionForDidService(ctx context.Context, serviceID, did string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND did = ? AND revoked_at IS NULL", serviceID, did).
		Order("created_at desc").
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// SessionsForDid lists a wallet's live sessions across all services.
func (s *Store) SessionsForDid(ctx context.Context, did string) ([]models.Session, error) {
	var out []models.Session
	err := s.db.WithContext(ctx).
		Where("did = ? AND revoked_at IS NULL AND expires_at > ?", did, Now()).
		Find(&out).Error
	return out, err
}

// ReusableSession finds a live session for (service, did) already covering
// every requested scope.
func (s *Store) ReusableSession(ctx context.Context, serviceID, did string, scopes []string) (*models.Session, error) {
	var rows []models.Session
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND did = ? AND revoked_at IS NULL AND expires_at > ?", serviceID, did, Now()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if policy.HasAllScopes(policy.ParseScopeString(rows[i].Scope), scopes) {
			return &rows[i], nil
		}
	}
	return nil, ErrNotFound
}

// CreateSession attempts the insert half of the session upsert. A false
// return means the active-session index rejected it because a concurrent
// exchange created one first; the caller re-reads and updates that row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) (bool, error) {
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		if isDuplicateErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateSessionForExchange rewrites a session row in place with fresh tokens
// and claims. Reusing the row is what makes repeat logins idempotent from the
// service's point of view.
func (s *Store) UpdateSessionForExchange(ctx context.Context, id string, patch *models.Session) error {
	return s.db.WithContext(ctx).Model(&models.Session{ID: id}).
		Select("subject_id", "requested_claims", "approved_claims", "profile_claims",
			"wallet_url", "risk_level", "access_token", "refresh_token",
			"scope", "expires_at", "revoked_at", "created_at").
		Updates(patch).Error
}

// RevokeSession revokes one session. Returns false when it was already
// revoked.
func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	return res.RowsAffected > 0, res.Error
}

// RevokeSessionsForConsent revokes every live session for (service, subject),
// returning the rows that were revoked so callers can fan out notifications.
func (s *Store) RevokeSessionsForConsent(ctx context.Context, serviceID, subjectID string, at time.Time) ([]models.Session, error) {
	var revoked []models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("service_id = ? AND subject_id = ? AND revoked_at IS NULL", serviceID, subjectID).
			Find(&revoked).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("service_id = ? AND subject_id = ? AND revoked_at IS NULL", serviceID, subjectID).
			Update("revoked_at", at).Error
	})
	return revoked, err
}

// RevokeOtherSessions revokes every live session for (service, did) except
// keepID. With the partial unique index in place this is normally a no-op; it
// also cleans up duplicates left by rows predating the index.
func (s *Store) RevokeOtherSessions(ctx context.Context, serviceID, did, keepID string, at time.Time) ([]models.Session, error) {
	var revoked []models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("service_id = ? AND did = ? AND revoked_at IS NULL AND id != ?", serviceID, did, keepID).
			Find(&revoked).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("service_id = ? AND did = ? AND revoked_at IS NULL AND id != ?", serviceID, did, keepID).
			Update("revoked_at", at).Error
	})
	return revoked, err
}

// ==================== service clients ====================

func (s *Store) GetServiceClient(ctx context.Context, clientID string) (*models.ServiceClient, error) {
	var sc models.ServiceClient
	if err := s.db.WithContext(ctx).First(&sc, "client_id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sc, nil
}

// PutServiceClient inserts or overwrites a registration by client_id.
func (s *Store) PutServiceClient(ctx context.Context, sc *models.ServiceClient) error {
	existing, err := s.GetServiceClient(ctx, sc.ClientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		sc.ID = existing.ID
		sc.CreatedAt = existing.CreatedAt
	}
	return s.db.WithContext(ctx).Save(sc).Error
}

// DeleteServiceClient removes a registration, returning the deleted row.
func (s *Store) DeleteServiceClient(ctx context.Context, clientID string) (*models.ServiceClient, error) {
	sc, err := s.GetServiceClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Unscoped().Delete(sc).Error; err != nil {
		return nil, err
	}
	return sc, nil
}

// Healthy pings the database; used by the health endpoint.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}
