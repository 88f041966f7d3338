package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/miid-sh/miid/events"
	"github.com/miid-sh/miid/models"
	"github.com/miid-sh/miid/policy"
	"github.com/miid-sh/miid/store"
)

type registerServiceRequest struct {
	ClientID        string   `json:"client_id"`
	ServiceID       string   `json:"service_id"`
	ClientSecret    string   `json:"client_secret"`
	RedirectURIs    []string `json:"redirect_uris"`
	DefaultScopes   []string `json:"default_scopes"`
	RequestedClaims []string `json:"requested_claims"`
	RiskAction      string   `json:"risk_action"`
}

type serviceView struct {
	ClientID        string   `json:"client_id"`
	ServiceID       string   `json:"service_id"`
	RedirectURIs    []string `json:"redirect_uris"`
	DefaultScopes   []string `json:"default_scopes"`
	RequestedClaims []string `json:"requested_claims"`
	RiskAction      string   `json:"risk_action,omitempty"`
	ServiceVersion  int      `json:"service_version"`
	PolicyHash      string   `json:"policy_hash"`
}

func viewService(sc *models.ServiceClient) serviceView {
	return serviceView{
		ClientID:        sc.ClientID,
		ServiceID:       sc.ServiceID,
		RedirectURIs:    sc.RedirectURIs,
		DefaultScopes:   sc.DefaultScopes,
		RequestedClaims: sc.RequestedClaims,
		RiskAction:      sc.RiskAction,
		ServiceVersion:  sc.ServiceVersion,
		PolicyHash:      sc.PolicyHash,
	}
}

// handleRegisterService upserts a service registration. The policy hash is
// the canonical identity of the requested policy; service_version only moves
// when the hash does, so cosmetic re-registrations don't invalidate wallets'
// stored approvals.
func (s *Server) handleRegisterService(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := s.authenticateService(c); err != nil {
		return err
	}

	var req registerServiceRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}
	if req.ClientID == "" || req.ServiceID == "" || req.ClientSecret == "" || req.RedirectURIs == nil {
		return apiError(http.StatusBadRequest, "invalid_request")
	}

	existing, err := s.store.GetServiceClient(ctx, req.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	scopes := policy.NormalizeScopes(req.DefaultScopes)
	claims := policy.NormalizeClaims(req.RequestedClaims)
	riskAction := req.RiskAction
	if existing != nil {
		if len(req.DefaultScopes) == 0 {
			scopes = existing.DefaultScopes
		}
		if len(req.RequestedClaims) == 0 {
			claims = existing.RequestedClaims
		}
		if riskAction == "" {
			riskAction = existing.RiskAction
		}
	}

	nextHash := policy.Hash(scopes, claims, riskAction)
	version := 1
	if existing != nil {
		version = existing.ServiceVersion
		if version < 1 {
			version = 1
		}
		if existing.PolicyHash != nextHash {
			version++
		}
	}

	sc := &models.ServiceClient{
		ClientID:        req.ClientID,
		ServiceID:       req.ServiceID,
		ClientSecret:    req.ClientSecret,
		RedirectURIs:    req.RedirectURIs,
		DefaultScopes:   scopes,
		RequestedClaims: claims,
		RiskAction:      riskAction,
		ServiceVersion:  version,
		PolicyHash:      nextHash,
	}
	if err := s.store.PutServiceClient(ctx, sc); err != nil {
		return err
	}

	s.log.Info("service registered", "client", sc.ClientID, "version", sc.ServiceVersion)
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"service": viewService(sc),
	})
}

// handleDeleteService removes a registration and tears down that service's
// session-event streams.
func (s *Server) handleDeleteService(c echo.Context) error {
	ctx := c.Request().Context()

	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}

	clientID := c.Param("clientId")
	if svc.ClientID != clientID {
		return apiError(http.StatusForbidden, "client_id_mismatch")
	}

	deleted, err := s.store.DeleteServiceClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "service_not_found")
		}
		return err
	}

	s.hub.CloseTopic(events.ServiceTopic(deleted.ServiceID))

	s.log.Info("service deleted", "client", clientID)
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"deleted": map[string]any{
			"client_id":  deleted.ClientID,
			"service_id": deleted.ServiceID,
		},
	})
}
