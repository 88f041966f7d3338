// Package gateway is the authorization engine's HTTP surface: the
// challenge/approval handshake, token exchange, consent lifecycle, the
// service registry, and the SSE event streams that tie wallets and services
// together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/miid-sh/miid/did"
	"github.com/miid-sh/miid/events"
	"github.com/miid-sh/miid/store"
)

// Config carries the policy toggles the process is started with.
type Config struct {
	// WalletAuthoritative forces every login through wallet approval and
	// disables the session-reuse shortcut.
	WalletAuthoritative bool
	// RequireWalletReady refuses challenge creation while no wallet stream
	// is connected.
	RequireWalletReady bool
	// AllowSessionReuse enables POST /v1/auth/reuse-session when wallet
	// authoritative mode is off.
	AllowSessionReuse bool
}

type Server struct {
	db       *gorm.DB
	store    *store.Store
	hub      *events.Hub
	resolver did.Resolver
	echo     *echo.Echo

	jwtSigningKey []byte
	cfg           Config

	log *slog.Logger
}

const serverListenerBootTimeout = 5 * time.Second

func NewServer(db *gorm.DB, resolver did.Resolver, jwtkey []byte, cfg Config) (*Server, error) {
	st, err := store.NewStore(db)
	if err != nil {
		return nil, err
	}

	return &Server{
		db:            db,
		store:         st,
		hub:           events.NewHub(),
		resolver:      resolver,
		jwtSigningKey: jwtkey,
		cfg:           cfg,

		log: slog.Default().With("system", "gateway"),
	}, nil
}

// Store exposes the data layer for callers that seed fixtures.
func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) RunAPI(addr string) error {
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), serverListenerBootTimeout)
	defer cancel()

	li, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.RunAPIWithListener(li)
}

func (s *Server) RunAPIWithListener(listen net.Listener) error {
	e := echo.New()
	s.echo = e
	e.HideBanner = true
	e.Use(slogecho.New(s.log))

	e.HTTPErrorHandler = s.errorHandler

	e.GET("/health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/v1/services", s.handleRegisterService)
	e.DELETE("/v1/services/:clientId", s.handleDeleteService)
	e.GET("/v1/services/:serviceId/profile", s.handleServiceProfile)

	e.POST("/v1/auth/challenge", s.handleCreateChallenge)
	e.GET("/v1/auth/challenges/:challengeId/status", s.handleChallengeStatus)
	e.POST("/v1/auth/verify", s.handleVerify)
	e.POST("/v1/auth/reuse-session", s.handleReuseSession)

	e.POST("/v1/wallet/challenges/:challengeId/approve", s.handleApprove)
	e.POST("/v1/wallet/challenges/:challengeId/deny", s.handleDeny)
	e.GET("/v1/wallet/challenges", s.handleWalletChallenges)
	e.GET("/v1/wallet/sessions", s.handleWalletSessions)
	e.GET("/v1/wallet/approved", s.handleWalletApproved)
	e.DELETE("/v1/wallet/approved/:authCode", s.handleCancelApproved)
	e.DELETE("/v1/wallet/sessions/:sessionId", s.handleRevokeSession)
	e.POST("/v1/wallet/notify-reuse", s.handleNotifyReuse)

	e.POST("/v1/token/exchange", s.handleTokenExchange)

	e.POST("/v1/consents", s.handleGrantConsent)
	e.GET("/v1/consents/:consentId", s.handleGetConsent)
	e.DELETE("/v1/consents/:consentId", s.handleRevokeConsent)

	e.GET("/v1/wallet/events", s.handleWalletEvents)
	e.GET("/v1/service/events", s.handleServiceEvents)
	e.GET("/v1/service/session-events", s.handleServiceSessionEvents)

	return e.Server.Serve(listen)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ae *APIError
	if errors.As(err, &ae) {
		if jerr := c.JSON(ae.Status, ae.body()); jerr != nil {
			s.log.Error("writing error response", "path", c.Path(), "err", jerr)
		}
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		c.JSON(he.Code, map[string]any{"error": "request_failed", "message": fmt.Sprint(he.Message)})
		return
	}

	s.log.Error("unhandled handler error", "path", c.Path(), "err", err)
	c.JSON(http.StatusInternalServerError, map[string]any{
		"error":   "internal_server_error",
		"message": err.Error(),
	})
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if err := s.store.Healthy(c.Request().Context()); err != nil {
		s.log.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "error", "message": "can't connect to database"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "service": "gateway", "now": isoTime(store.Now())})
}
