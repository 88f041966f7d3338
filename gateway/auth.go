package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/miid-sh/miid/models"
	"github.com/miid-sh/miid/store"
)

// authenticateService checks the client-id / client-secret header pair
// against the service registry.
func (s *Server) authenticateService(c echo.Context) (*models.ServiceClient, error) {
	clientID := c.Request().Header.Get("client-id")
	clientSecret := c.Request().Header.Get("client-secret")
	if clientID == "" || clientSecret == "" {
		return nil, apiError(http.StatusUnauthorized, "service_client_auth_required")
	}

	svc, err := s.store.GetServiceClient(c.Request().Context(), clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apiError(http.StatusUnauthorized, "invalid_service_client_credentials")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(svc.ClientSecret), []byte(clientSecret)) != 1 {
		return nil, apiError(http.StatusUnauthorized, "invalid_service_client_credentials")
	}
	return svc, nil
}

// bearerToken extracts a Bearer access token from the Authorization header.
func bearerToken(c echo.Context) (string, error) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", apiError(http.StatusUnauthorized, "missing_bearer_token")
	}
	return strings.TrimPrefix(auth, "Bearer "), nil
}

func makeIDToken(subject, audience string, exp time.Time) jwt.Token {
	tok := jwt.New()
	tok.Set("sub", subject)
	tok.Set("aud", audience)
	tok.Set("iat", time.Now().Unix())
	tok.Set("exp", exp.Unix())

	return tok
}

// mintIDToken signs an id_token binding the session's subject to the
// requesting client.
func (s *Server) mintIDToken(sess *models.Session, clientID string) (string, error) {
	tok := makeIDToken(sess.SubjectID, clientID, sess.ExpiresAt)

	sig, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.jwtSigningKey))
	if err != nil {
		return "", err
	}
	return string(sig), nil
}
