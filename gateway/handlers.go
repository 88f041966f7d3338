package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/miid-sh/miid/did"
	"github.com/miid-sh/miid/events"
	"github.com/miid-sh/miid/models"
	"github.com/miid-sh/miid/policy"
	"github.com/miid-sh/miid/store"
)

const (
	challengeTTL = 5 * time.Minute
	authCodeTTL  = 2 * time.Minute

	sessionTTL       = 60 * time.Minute
	sessionTTLStepUp = 10 * time.Minute
)

// ==================== challenges ====================

type createChallengeRequest struct {
	ServiceID           string   `json:"service_id"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	RequestedClaims     []string `json:"requested_claims"`
	State               string   `json:"state"`
	RiskAction          string   `json:"risk_action"`
	DidHint             string   `json:"did_hint"`
	RequireUserApproval *bool    `json:"require_user_approval"`
	ServiceVersion      *int     `json:"service_version"`
}

func (s *Server) handleCreateChallenge(c echo.Context) error {
	ctx := c.Request().Context()

	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}

	var req createChallengeRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	if s.cfg.RequireWalletReady {
		if c.Request().Header.Get("x-local-wallet-ready") != "1" {
			return apiErrorMsg(http.StatusConflict, "wallet_local_required",
				"Local wallet readiness check is required before challenge creation.")
		}
		if !s.hub.WalletsConnected() {
			return apiErrorMsg(http.StatusConflict, "wallet_local_unreachable",
				"No wallet is currently connected to gateway.")
		}
	}

	if req.ClientID == "" || req.RedirectURI == "" || len(req.Scopes) == 0 {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.ClientID != svc.ClientID {
		return apiError(http.StatusForbidden, "client_id_mismatch")
	}
	if req.ServiceID != "" && req.ServiceID != svc.ServiceID {
		return apiError(http.StatusForbidden, "service_id_mismatch")
	}
	if !svc.AllowsRedirect(req.RedirectURI) {
		return apiError(http.StatusForbidden, "redirect_uri_not_allowed")
	}
	if req.ServiceVersion != nil && *req.ServiceVersion != svc.ServiceVersion {
		return apiError(http.StatusConflict, "service_version_mismatch").
			With("expected_service_version", svc.ServiceVersion)
	}
	if req.DidHint != "" && s.cfg.RequireWalletReady && !s.hub.HasSubscribers(events.WalletTopic(req.DidHint)) {
		return apiErrorMsg(http.StatusConflict, "wallet_local_unreachable",
			"Target wallet is not connected.")
	}

	ch := &models.Challenge{
		ID:                  store.NewID(),
		Nonce:               store.RandomToken(18),
		ServiceID:           svc.ServiceID,
		ClientID:            svc.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              policy.NormalizeScopes(req.Scopes),
		RequestedClaims:     policy.NormalizeClaims(req.RequestedClaims),
		State:               req.State,
		RiskAction:          req.RiskAction,
		DidHint:             req.DidHint,
		RequireUserApproval: req.RequireUserApproval == nil || *req.RequireUserApproval,
		ServiceVersion:      svc.ServiceVersion,
		PolicyHash:          policy.Hash(req.Scopes, req.RequestedClaims, req.RiskAction),
		Status:              models.ChallengePending,
		ExpiresAt:           store.Now().Add(challengeTTL),
	}

	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		return err
	}
	s.log.Info("challenge created", "challenge", ch.ID, "didHint", ch.DidHint, "service", ch.ServiceID)

	evt := &events.Event{Name: "challenge_created", Data: map[string]any{
		"challenge_id":     ch.ID,
		"service_id":       ch.ServiceID,
		"did_hint":         ch.DidHint,
		"scopes":           ch.Scopes,
		"requested_claims": ch.RequestedClaims,
		"service_version":  ch.ServiceVersion,
		"policy_hash":      ch.PolicyHash,
		"expires_at":       isoTime(ch.ExpiresAt),
	}}
	if ch.DidHint != "" {
		s.hub.Publish(events.WalletTopic(ch.DidHint), evt)
	} else {
		s.hub.BroadcastWallets(evt)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"challenge_id":     ch.ID,
		"nonce":            ch.Nonce,
		"expires_at":       isoTime(ch.ExpiresAt),
		"status":           ch.Status,
		"service_version":  ch.ServiceVersion,
		"requested_claims": ch.RequestedClaims,
		"policy_hash":      ch.PolicyHash,
	})
}

// expireChallenge runs the lazy expiry transition and fans out the expiry
// event when this call was the one to flip the status.
func (s *Server) expireChallenge(ctx context.Context, ch *models.Challenge) error {
	flipped, err := s.store.ExpireChallengeIfNeeded(ctx, ch)
	if err != nil {
		return err
	}
	if flipped {
		evt := &events.Event{Name: "challenge_expired", Data: map[string]any{"challenge_id": ch.ID}}
		s.hub.Publish(events.ChallengeTopic(ch.ID), evt)
		if ch.DidHint != "" {
			s.hub.Publish(events.WalletTopic(ch.DidHint), evt)
		}
	}
	return nil
}

func (s *Server) handleChallengeStatus(c echo.Context) error {
	ctx := c.Request().Context()

	ch, err := s.store.GetChallenge(ctx, c.Param("challengeId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if err := s.expireChallenge(ctx, ch); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"challenge_id":       ch.ID,
		"status":             ch.Status,
		"authorization_code": ch.AuthorizationCode,
		"verified_at":        isoTimePtr(ch.VerifiedAt),
		"denied_at":          isoTimePtr(ch.DeniedAt),
		"expires_at":         isoTime(ch.ExpiresAt),
	})
}

// ==================== approval ====================

// resolveAndVerify resolves the signer's DID and checks the signature over
// the challenge's canonical payload. The returned profile is the wallet's
// claim source, not yet filtered.
func (s *Server) resolveAndVerify(ctx context.Context, ch *models.Challenge, didstr, walletURL, signature string) (map[string]any, error) {
	res, err := s.resolver.ResolveDID(ctx, didstr, walletURL)
	if err != nil {
		var ume *did.UnsupportedMethodError
		if errors.As(err, &ume) {
			return nil, apiErrorMsg(http.StatusBadRequest, "unsupported_did_method", ume.Method)
		}
		if errors.Is(err, did.ErrWalletURLRequired) {
			return nil, apiError(http.StatusBadRequest, "wallet_url_required")
		}
		return nil, apiErrorMsg(http.StatusInternalServerError, "did_resolution_failed", err.Error())
	}

	payload, err := did.NewSignedPayload(ch.ID, ch.Nonce, ch.ClientID, ch.ExpiresAt).Bytes()
	if err != nil {
		return nil, err
	}

	if err := did.VerifySignature(res.Document, payload, signature, ""); err != nil {
		switch {
		case errors.Is(err, did.ErrNoVerificationMethod):
			return nil, apiError(http.StatusUnauthorized, "did_document_has_no_verification_method")
		case errors.Is(err, did.ErrMissingPublicKey):
			return nil, apiError(http.StatusUnauthorized, "did_document_method_missing_public_key")
		default:
			return nil, apiError(http.StatusUnauthorized, "invalid_signature")
		}
	}

	return res.Profile, nil
}

// issueAuthCode converts a pending challenge plus a verified identity into a
// single-use authorization code. A concurrent issuance for the same challenge
// converges on the winner's code when the DID matches.
func (s *Server) issueAuthCode(ctx context.Context, ch *models.Challenge, didstr, walletURL string, profile map[string]any, approvedClaims []string) (*models.AuthCode, error) {
	subjectID, err := s.store.FindOrCreateSubject(ctx, didstr, ch.ServiceID)
	if err != nil {
		return nil, err
	}

	missing := ch.Scopes
	consent, err := s.store.LatestActiveConsent(ctx, ch.ServiceID, subjectID)
	if err == nil {
		missing = policy.MissingScopes(consent.Scopes, ch.Scopes)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	code := &models.AuthCode{
		ID:              store.NewID(),
		Code:            "ac_" + store.RandomToken(16),
		ChallengeID:     ch.ID,
		ServiceID:       ch.ServiceID,
		ClientID:        ch.ClientID,
		RedirectURI:     ch.RedirectURI,
		Did:             didstr,
		SubjectID:       subjectID,
		Scopes:          ch.Scopes,
		ConsentRequired: len(missing) > 0,
		MissingScopes:   missing,
		RiskAction:      ch.RiskAction,
		RequestedClaims: ch.RequestedClaims,
		ApprovedClaims:  approvedClaims,
		ProfileClaims:   policy.FilterClaims(profile, approvedClaims),
		WalletURL:       walletURL,
		ExpiresAt:       store.Now().Add(authCodeTTL),
	}

	created, err := s.store.IssueAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.store.LatestAuthCodeForChallenge(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if existing.Did != didstr {
			return nil, apiError(http.StatusConflict, "challenge_not_pending").
				With("status", models.ChallengeVerified)
		}
		s.log.Info("approve converged on concurrent issuance", "challenge", ch.ID, "did", didstr)
		return existing, nil
	}
	return code, nil
}

type approveRequest struct {
	Did            string   `json:"did"`
	Signature      string   `json:"signature"`
	WalletURL      string   `json:"wallet_url"`
	ApprovedClaims []string `json:"approved_claims"`
}

func approvedView(ch *models.Challenge, ac *models.AuthCode) map[string]any {
	return map[string]any{
		"challenge_id":       ch.ID,
		"status":             models.ChallengeVerified,
		"authorization_code": ac.Code,
		"subject_id":         ac.SubjectID,
		"consent_required":   ac.ConsentRequired,
		"missing_scopes":     orEmpty(ac.MissingScopes),
		"approved_claims":    orEmpty(ac.ApprovedClaims),
	}
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func (s *Server) handleApprove(c echo.Context) error {
	ctx := c.Request().Context()

	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.Did == "" || req.Signature == "" || req.WalletURL == "" {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	ch, err := s.store.GetChallenge(ctx, c.Param("challengeId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if ch.DidHint != "" && ch.DidHint != req.Did {
		s.log.Warn("approve rejected, did mismatch", "challenge", ch.ID, "expected", ch.DidHint, "got", req.Did)
		return apiError(http.StatusForbidden, "did_mismatch")
	}

	// a retried approve on an already-verified challenge returns the same
	// code instead of erroring
	if ch.Status == models.ChallengeVerified {
		existing, err := s.store.LatestAuthCodeForChallenge(ctx, ch.ID)
		if err == nil && existing.Did == req.Did {
			s.log.Info("approve idempotent hit", "challenge", ch.ID, "did", req.Did)
			return c.JSON(http.StatusOK, approvedView(ch, existing))
		}
		return apiError(http.StatusConflict, "challenge_not_pending").With("status", ch.Status)
	}
	if ch.Status != models.ChallengePending {
		return apiError(http.StatusConflict, "challenge_not_pending").With("status", ch.Status)
	}
	if err := s.expireChallenge(ctx, ch); err != nil {
		return err
	}
	if ch.Status == models.ChallengeExpired {
		return apiError(http.StatusUnauthorized, "challenge_expired")
	}

	profile, err := s.resolveAndVerify(ctx, ch, req.Did, req.WalletURL, req.Signature)
	if err != nil {
		return err
	}

	approvedClaims := policy.NormalizeClaims(req.ApprovedClaims)

	subjectID, err := s.store.FindOrCreateSubject(ctx, req.Did, ch.ServiceID)
	if err != nil {
		return err
	}
	if _, err := s.store.GrantConsent(ctx, ch.ServiceID, subjectID, ch.Scopes, "wallet_approve", nil); err != nil {
		return err
	}

	ac, err := s.issueAuthCode(ctx, ch, req.Did, req.WalletURL, profile, approvedClaims)
	if err != nil {
		return err
	}

	s.log.Info("challenge approved", "challenge", ch.ID, "did", req.Did)
	s.hub.Publish(events.ChallengeTopic(ch.ID), &events.Event{Name: "challenge_verified", Data: map[string]any{
		"challenge_id":       ch.ID,
		"authorization_code": ac.Code,
		"service_id":         ch.ServiceID,
		"client_id":          ch.ClientID,
		"redirect_uri":       ch.RedirectURI,
		"status":             models.ChallengeVerified,
	}})
	s.hub.Publish(events.WalletTopic(req.Did), &events.Event{Name: "challenge_approved", Data: map[string]any{
		"challenge_id":       ch.ID,
		"authorization_code": ac.Code,
		"service_id":         ch.ServiceID,
	}})

	return c.JSON(http.StatusOK, approvedView(ch, ac))
}

// handleVerify is the auto-approval path: only challenges explicitly created
// with require_user_approval=false can skip the wallet confirmation step.
func (s *Server) handleVerify(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		ChallengeID string `json:"challenge_id"`
		Did         string `json:"did"`
		Signature   string `json:"signature"`
		WalletURL   string `json:"wallet_url"`
	}
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.ChallengeID == "" || req.Did == "" || req.Signature == "" || req.WalletURL == "" {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	ch, err := s.store.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if ch.UsedAt != nil {
		return apiError(http.StatusConflict, "challenge_already_used")
	}
	if ch.RequireUserApproval {
		return apiErrorMsg(http.StatusForbidden, "user_approval_required",
			"Use /v1/wallet/challenges/:challengeId/approve for user-confirmed login.")
	}
	if ch.DidHint != "" && ch.DidHint != req.Did {
		return apiError(http.StatusForbidden, "did_mismatch")
	}
	if err := s.expireChallenge(ctx, ch); err != nil {
		return err
	}
	if ch.Status == models.ChallengeExpired {
		return apiError(http.StatusUnauthorized, "challenge_expired")
	}

	profile, err := s.resolveAndVerify(ctx, ch, req.Did, req.WalletURL, req.Signature)
	if err != nil {
		return err
	}

	// no wallet confirmation happened, so every requested claim counts as
	// approved
	approvedClaims := policy.NormalizeClaims(ch.RequestedClaims)
	ac, err := s.issueAuthCode(ctx, ch, req.Did, req.WalletURL, profile, approvedClaims)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"authorization_code": ac.Code,
		"code_expires_at":    isoTime(ac.ExpiresAt),
		"subject_id":         ac.SubjectID,
		"consent_required":   ac.ConsentRequired,
		"missing_scopes":     orEmpty(ac.MissingScopes),
		"approved_claims":    orEmpty(ac.ApprovedClaims),
	})
}

func (s *Server) handleDeny(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Did string `json:"did"`
	}
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	ch, err := s.store.GetChallenge(ctx, c.Param("challengeId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if ch.DidHint != "" && ch.DidHint != req.Did {
		s.log.Warn("deny rejected, did mismatch", "challenge", ch.ID, "expected", ch.DidHint, "got", req.Did)
		return apiError(http.StatusForbidden, "did_mismatch")
	}
	if ch.Status != models.ChallengePending {
		return apiError(http.StatusConflict, "challenge_not_pending").With("status", ch.Status)
	}

	deniedAt := store.Now()
	ok, err := s.store.MarkChallengeDenied(ctx, ch.ID, deniedAt)
	if err != nil {
		return err
	}
	if !ok {
		// a concurrent transition beat us; report the current state
		cur, err := s.store.GetChallenge(ctx, ch.ID)
		if err != nil {
			return err
		}
		return apiError(http.StatusConflict, "challenge_not_pending").With("status", cur.Status)
	}

	s.log.Info("challenge denied", "challenge", ch.ID, "did", req.Did)
	evt := map[string]any{"challenge_id": ch.ID, "service_id": ch.ServiceID}
	s.hub.Publish(events.ChallengeTopic(ch.ID), &events.Event{Name: "challenge_denied", Data: evt})
	s.hub.Publish(events.WalletTopic(req.Did), &events.Event{Name: "challenge_denied", Data: evt})

	return c.JSON(http.StatusOK, map[string]any{
		"challenge_id": ch.ID,
		"status":       models.ChallengeDenied,
		"denied_at":    isoTime(deniedAt),
	})
}

// ==================== wallet snapshots ====================

func requireDidQuery(c echo.Context) (string, error) {
	didstr := c.QueryParam("did")
	if didstr == "" {
		return "", apiError(http.StatusBadRequest, "did_required")
	}
	return didstr, nil
}

func (s *Server) handleWalletChallenges(c echo.Context) error {
	ctx := c.Request().Context()

	didstr, err := requireDidQuery(c)
	if err != nil {
		return err
	}

	challenges, err := s.store.PendingChallengesForDid(ctx, didstr)
	if err != nil {
		return err
	}

	pending := make([]map[string]any, 0, len(challenges))
	for i := range challenges {
		ch := &challenges[i]
		pending = append(pending, map[string]any{
			"challenge_id":     ch.ID,
			"service_id":       ch.ServiceID,
			"client_id":        ch.ClientID,
			"nonce":            ch.Nonce,
			"scopes":           ch.Scopes,
			"service_version":  ch.ServiceVersion,
			"policy_hash":      ch.PolicyHash,
			"did_hint":         ch.DidHint,
			"requested_claims": orEmpty(ch.RequestedClaims),
			"risk_action":      ch.RiskAction,
			"expires_at":       isoTime(ch.ExpiresAt),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"did": didstr, "challenges": pending})
}

func (s *Server) handleWalletSessions(c echo.Context) error {
	ctx := c.Request().Context()

	didstr, err := requireDidQuery(c)
	if err != nil {
		return err
	}

	sessions, err := s.store.SessionsForDid(ctx, didstr)
	if err != nil {
		return err
	}

	out := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		out = append(out, map[string]any{
			"session_id":       sess.ID,
			"service_id":       sess.ServiceID,
			"subject_id":       sess.SubjectID,
			"scope":            sess.Scope,
			"requested_claims": orEmpty(sess.RequestedClaims),
			"approved_claims":  orEmpty(sess.ApprovedClaims),
			"risk_level":       sess.RiskLevel,
			"expires_at":       isoTime(sess.ExpiresAt),
			"created_at":       isoTime(sess.CreatedAt),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"did": didstr, "sessions": out})
}

func (s *Server) handleWalletApproved(c echo.Context) error {
	ctx := c.Request().Context()

	didstr, err := requireDidQuery(c)
	if err != nil {
		return err
	}

	codes, err := s.store.ApprovedAuthCodesForDid(ctx, didstr)
	if err != nil {
		return err
	}

	approved := make([]map[string]any, 0, len(codes))
	for i := range codes {
		ac := &codes[i]
		approved = append(approved, map[string]any{
			"authorization_code": ac.Code,
			"challenge_id":       ac.ChallengeID,
			"service_id":         ac.ServiceID,
			"client_id":          ac.ClientID,
			"redirect_uri":       ac.RedirectURI,
			"subject_id":         ac.SubjectID,
			"scopes":             ac.Scopes,
			"requested_claims":   orEmpty(ac.RequestedClaims),
			"approved_claims":    orEmpty(ac.ApprovedClaims),
			"expires_at":         isoTime(ac.ExpiresAt),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"did": didstr, "approved": approved})
}

// handleCancelApproved withdraws an approval before the service exchanges it:
// the code is consumed and the challenge returns to the pending pool when its
// TTL allows.
func (s *Server) handleCancelApproved(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Did string `json:"did"`
	}
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return apiError(http.StatusBadRequest, "did_required")
	}

	ac, err := s.store.GetAuthCodeByCode(ctx, c.Param("authCode"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "auth_code_not_found")
		}
		return err
	}
	if ac.Did != req.Did {
		return apiError(http.StatusForbidden, "did_mismatch")
	}
	if ac.UsedAt != nil {
		return apiError(http.StatusConflict, "already_exchanged")
	}

	ch, err := s.store.GetChallenge(ctx, ac.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if !ch.ExpiresAt.After(store.Now()) {
		if err := s.expireChallenge(ctx, ch); err != nil {
			return err
		}
		return apiError(http.StatusConflict, "challenge_expired_cannot_restore")
	}

	if _, err := s.store.MarkAuthCodeUsed(ctx, ac.Code, store.Now()); err != nil {
		return err
	}
	if ch.Status == models.ChallengeVerified {
		if err := s.store.RestoreChallengePending(ctx, ch.ID); err != nil {
			return err
		}
	}

	s.log.Info("approval cancelled", "did", req.Did, "challenge", ch.ID, "code", ac.Code)
	s.hub.Publish(events.WalletTopic(req.Did), &events.Event{Name: "approved_cancelled", Data: map[string]any{
		"challenge_id":       ch.ID,
		"authorization_code": ac.Code,
		"service_id":         ac.ServiceID,
	}})

	return c.JSON(http.StatusOK, map[string]any{
		"challenge_id":       ch.ID,
		"authorization_code": ac.Code,
		"status":             models.ChallengePending,
		"restored_at":        isoTime(store.Now()),
	})
}

func (s *Server) handleRevokeSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Did string `json:"did"`
	}
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return apiError(http.StatusBadRequest, "did_required")
	}

	sess, err := s.store.GetSession(ctx, c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "session_not_found")
		}
		return err
	}
	if sess.Did != req.Did {
		return apiError(http.StatusForbidden, "did_mismatch")
	}
	if sess.RevokedAt != nil {
		return apiError(http.StatusConflict, "already_revoked")
	}

	revokedAt := store.Now()
	ok, err := s.store.RevokeSession(ctx, sess.ID, revokedAt)
	if err != nil {
		return err
	}
	if !ok {
		return apiError(http.StatusConflict, "already_revoked")
	}

	s.log.Info("session revoked by wallet", "did", req.Did, "session", sess.ID)
	s.publishSessionRevoked(sess)

	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     "revoked",
		"revoked_at": isoTime(revokedAt),
	})
}

func (s *Server) publishSessionRevoked(sess *models.Session) {
	s.hub.Publish(events.WalletTopic(sess.Did), &events.Event{Name: "session_revoked", Data: map[string]any{
		"session_id": sess.ID,
		"service_id": sess.ServiceID,
	}})
	s.hub.Publish(events.ServiceTopic(sess.ServiceID), &events.Event{Name: "session_revoked", Data: map[string]any{
		"session_id": sess.ID,
		"service_id": sess.ServiceID,
		"subject_id": sess.SubjectID,
		"did":        sess.Did,
	}})
}

// ==================== token exchange ====================

type tokenExchangeRequest struct {
	GrantType   string `json:"grant_type"`
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleTokenExchange(c echo.Context) error {
	ctx := c.Request().Context()

	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}

	var req tokenExchangeRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.GrantType != "authorization_code" || req.Code == "" || req.ClientID == "" || req.RedirectURI == "" {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.ClientID != svc.ClientID {
		return apiError(http.StatusForbidden, "client_id_mismatch")
	}
	if !svc.AllowsRedirect(req.RedirectURI) {
		return apiError(http.StatusForbidden, "redirect_uri_not_allowed")
	}

	ac, err := s.store.GetAuthCodeByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusBadRequest, "invalid_code")
		}
		return err
	}
	if ac.UsedAt != nil {
		return apiError(http.StatusConflict, "code_already_used")
	}
	if !ac.ExpiresAt.After(store.Now()) {
		return apiError(http.StatusUnauthorized, "code_expired")
	}
	if ac.ClientID != req.ClientID || ac.RedirectURI != req.RedirectURI || ac.ServiceID != svc.ServiceID {
		return apiError(http.StatusUnauthorized, "client_or_redirect_mismatch")
	}

	// consent gate: the subject's latest active consent must still cover
	// every scope the code was issued for
	if !s.cfg.WalletAuthoritative && ac.ConsentRequired {
		consent, err := s.store.LatestActiveConsent(ctx, ac.ServiceID, ac.SubjectID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if consent == nil || !policy.HasAllScopes(consent.Scopes, ac.Scopes) {
			return apiError(http.StatusForbidden, "consent_required").
				With("missing_scopes", orEmpty(ac.MissingScopes))
		}
	}

	riskLevel := models.RiskNormal
	ttl := sessionTTL
	if ac.RiskAction != "" {
		riskLevel = models.RiskStepUp
		ttl = sessionTTLStepUp
	}

	profileClaims := ac.ProfileClaims
	if profileClaims == nil {
		profileClaims = map[string]any{"name": nil, "email": nil, "nickname": nil}
	}
	now := store.Now()
	patch := &models.Session{
		ID:              store.NewID(),
		CreatedAt:       now,
		ServiceID:       ac.ServiceID,
		SubjectID:       ac.SubjectID,
		Did:             ac.Did,
		RequestedClaims: orEmpty(ac.RequestedClaims),
		ApprovedClaims:  orEmpty(ac.ApprovedClaims),
		ProfileClaims:   profileClaims,
		WalletURL:       ac.WalletURL,
		RiskLevel:       riskLevel,
		AccessToken:     "at_" + store.RandomToken(24),
		RefreshToken:    "rt_" + store.RandomToken(24),
		Scope:           policy.ScopeString(ac.Scopes),
		ExpiresAt:       now.Add(ttl),
	}

	// claim the code before touching the session; the loser of a concurrent
	// exchange must not get a token response
	used, err := s.store.MarkAuthCodeUsed(ctx, req.Code, store.Now())
	if err != nil {
		return err
	}
	if !used {
		return apiError(http.StatusConflict, "code_already_used")
	}

	target, err := s.upsertSession(ctx, ac, patch)
	if err != nil {
		return err
	}

	// any straggler rows for the same (service, did) lose to this exchange
	revoked, err := s.store.RevokeOtherSessions(ctx, target.ServiceID, target.Did, target.ID, store.Now())
	if err != nil {
		return err
	}
	for i := range revoked {
		s.publishSessionRevoked(&revoked[i])
	}

	created := map[string]any{
		"session_id": target.ID,
		"service_id": target.ServiceID,
		"scope":      target.Scope,
		"expires_at": isoTime(target.ExpiresAt),
	}
	s.hub.Publish(events.WalletTopic(target.Did), &events.Event{Name: "session_created", Data: created})
	s.hub.Publish(events.ServiceTopic(target.ServiceID), &events.Event{Name: "session_created", Data: map[string]any{
		"session_id": target.ID,
		"service_id": target.ServiceID,
		"subject_id": target.SubjectID,
		"did":        target.Did,
		"scope":      target.Scope,
		"expires_at": isoTime(target.ExpiresAt),
	}})

	idToken, err := s.mintIDToken(target, svc.ClientID)
	if err != nil {
		return err
	}

	s.log.Info("token exchange success", "code", req.Code, "session", target.ID, "did", target.Did)
	expiresIn := int(time.Until(target.ExpiresAt).Seconds())
	if expiresIn < 1 {
		expiresIn = 1
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":    target.ID,
		"access_token":  target.AccessToken,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"refresh_token": target.RefreshToken,
		"id_token":      idToken,
		"scope":         target.Scope,
	})
}

// upsertSession enforces the one-active-session-per-(service,did) invariant
// under concurrent exchanges: update the existing row if there is one, insert
// otherwise, and when the insert loses to a concurrent winner fall back to
// updating that winner's row.
func (s *Server) upsertSession(ctx context.Context, ac *models.AuthCode, patch *models.Session) (*models.Session, error) {
	existing, err := s.store.ActiveSessionForDidService(ctx, ac.ServiceID, ac.Did)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if err := s.store.UpdateSessionForExchange(ctx, existing.ID, patch); err != nil {
			return nil, err
		}
		return s.store.GetSession(ctx, existing.ID)
	}

	created, err := s.store.CreateSession(ctx, patch)
	if err != nil {
		return nil, err
	}
	if created {
		return patch, nil
	}

	concurrent, err := s.store.ActiveSessionForDidService(ctx, ac.ServiceID, ac.Did)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("session upsert failed: insert rejected but no active session found")
		}
		return nil, err
	}
	if err := s.store.UpdateSessionForExchange(ctx, concurrent.ID, patch); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, concurrent.ID)
}

// ==================== session reuse ====================

func (s *Server) handleReuseSession(c echo.Context) error {
	ctx := c.Request().Context()

	if s.cfg.WalletAuthoritative {
		return apiErrorMsg(http.StatusForbidden, "wallet_authoritative_mode_enabled",
			"Session reuse shortcut is disabled. Route all login requests through wallet approval.")
	}

	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}
	if !s.cfg.AllowSessionReuse {
		return apiErrorMsg(http.StatusForbidden, "wallet_approval_required",
			"Session reuse is disabled until wallet approval is completed.")
	}

	var req struct {
		Did    string   `json:"did"`
		Scopes []string `json:"scopes"`
	}
	if err := c.Bind(&req); err != nil || req.Did == "" || len(req.Scopes) == 0 {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	sess, err := s.store.ReusableSession(ctx, svc.ServiceID, req.Did, req.Scopes)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "no_reusable_session")
		}
		return err
	}

	s.log.Info("session reuse hit", "did", req.Did, "service", svc.ServiceID, "session", sess.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"reused":        true,
		"session_id":    sess.ID,
		"access_token":  sess.AccessToken,
		"refresh_token": sess.RefreshToken,
		"scope":         sess.Scope,
		"expires_at":    isoTime(sess.ExpiresAt),
	})
}

func (s *Server) handleNotifyReuse(c echo.Context) error {
	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}

	var req struct {
		Did    string   `json:"did"`
		Scopes []string `json:"scopes"`
	}
	if err := c.Bind(&req); err != nil || req.Did == "" {
		return apiError(http.StatusBadRequest, "did_required")
	}

	s.hub.Publish(events.WalletTopic(req.Did), &events.Event{Name: "login_reused", Data: map[string]any{
		"service_id": svc.ServiceID,
		"scopes":     orEmpty(req.Scopes),
		"reused":     true,
		"at":         isoTime(store.Now()),
	}})

	s.log.Info("wallet notified of reused login", "did", req.Did, "service", svc.ServiceID)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// ==================== consents ====================

type grantConsentRequest struct {
	ServiceID string   `json:"service_id"`
	SubjectID string   `json:"subject_id"`
	Scopes    []string `json:"scopes"`
	Purpose   string   `json:"purpose"`
	TTLDays   int      `json:"ttl_days"`
}

func consentView(consent *models.Consent) map[string]any {
	return map[string]any{
		"consent_id": consent.ID,
		"service_id": consent.ServiceID,
		"subject_id": consent.SubjectID,
		"scopes":     consent.Scopes,
		"version":    consent.Version,
		"status":     consent.Status,
		"granted_at": isoTime(consent.GrantedAt),
		"expires_at": isoTimePtr(consent.ExpiresAt),
		"revoked_at": isoTimePtr(consent.RevokedAt),
	}
}

func (s *Server) handleGrantConsent(c echo.Context) error {
	ctx := c.Request().Context()

	var req grantConsentRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.ServiceID == "" || req.SubjectID == "" || len(req.Scopes) == 0 || req.Purpose == "" {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	var expiresAt *time.Time
	if req.TTLDays > 0 {
		t := store.Now().AddDate(0, 0, req.TTLDays)
		expiresAt = &t
	}

	consent, err := s.store.GrantConsent(ctx, req.ServiceID, req.SubjectID, req.Scopes, req.Purpose, expiresAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, consentView(consent))
}

func (s *Server) handleGetConsent(c echo.Context) error {
	consent, err := s.store.GetConsent(c.Request().Context(), c.Param("consentId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "consent_not_found")
		}
		return err
	}
	return c.JSON(http.StatusOK, consentView(consent))
}

// handleRevokeConsent flips the consent and cascades: every live session for
// the same (service, subject) is revoked and announced on both streams.
func (s *Server) handleRevokeConsent(c echo.Context) error {
	ctx := c.Request().Context()

	consent, err := s.store.GetConsent(ctx, c.Param("consentId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "consent_not_found")
		}
		return err
	}

	revokedAt := store.Now()
	if err := s.store.RevokeConsent(ctx, consent.ID, revokedAt); err != nil {
		return err
	}

	revoked, err := s.store.RevokeSessionsForConsent(ctx, consent.ServiceID, consent.SubjectID, revokedAt)
	if err != nil {
		return err
	}
	for i := range revoked {
		s.publishSessionRevoked(&revoked[i])
	}

	s.log.Info("consent revoked", "consent", consent.ID, "sessions", len(revoked))
	return c.JSON(http.StatusOK, map[string]any{
		"consent_id": consent.ID,
		"status":     models.ConsentRevoked,
		"revoked_at": isoTime(revokedAt),
	})
}

// ==================== profile ====================

// handleServiceProfile returns the session's identity claims, releasing only
// profile fields the wallet approved.
func (s *Server) handleServiceProfile(c echo.Context) error {
	ctx := c.Request().Context()

	token, err := bearerToken(c)
	if err != nil {
		return err
	}

	sess, err := s.store.GetSessionByAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusUnauthorized, "invalid_token")
		}
		return err
	}
	if !sess.Active(store.Now()) {
		return apiError(http.StatusUnauthorized, "token_expired_or_revoked")
	}
	if sess.ServiceID != c.Param("serviceId") {
		return apiError(http.StatusForbidden, "service_mismatch")
	}

	out := map[string]any{
		"service_id":       sess.ServiceID,
		"subject_id":       sess.SubjectID,
		"did":              sess.Did,
		"scope":            sess.Scope,
		"requested_claims": orEmpty(sess.RequestedClaims),
		"approved_claims":  orEmpty(sess.ApprovedClaims),
		"risk_level":       sess.RiskLevel,
	}
	for k, v := range policy.FilterClaims(sess.ProfileClaims, sess.ApprovedClaims) {
		out[k] = v
	}
	return c.JSON(http.StatusOK, out)
}
