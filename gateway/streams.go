package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/miid-sh/miid/events"
	"github.com/miid-sh/miid/store"
)

const streamPingInterval = 15 * time.Second

// sseFrame writes one named SSE event. The data body wraps the payload with
// the event name and an emission timestamp, matching what stream consumers
// parse.
func sseFrame(w http.ResponseWriter, name string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"type":    name,
		"payload": payload,
		"at":      isoTime(store.Now()),
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return err
	}
	return nil
}

// serveStream pumps a subscriber's events onto an SSE response until the
// client disconnects or the topic is torn down. The subscriber is always
// deregistered on the way out; a stream left registered after its connection
// died would grow the registries without bound.
func (s *Server) serveStream(c echo.Context, topic events.Topic, connectedPayload any) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub, cancel := s.hub.Subscribe(topic)
	defer cancel()

	if err := sseFrame(w, "connected", connectedPayload); err != nil {
		return nil
	}
	w.Flush()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := sseFrame(w, ev.Name, ev.Data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (s *Server) handleWalletEvents(c echo.Context) error {
	didstr := c.QueryParam("did")
	if didstr == "" {
		return apiError(http.StatusBadRequest, "did_required")
	}

	s.log.Info("wallet stream connected", "did", didstr)
	defer s.log.Info("wallet stream disconnected", "did", didstr)

	return s.serveStream(c, events.WalletTopic(didstr), map[string]any{
		"did": didstr,
		"at":  isoTime(store.Now()),
	})
}

func (s *Server) handleServiceEvents(c echo.Context) error {
	ctx := c.Request().Context()

	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}
	challengeID := c.QueryParam("challenge_id")
	if challengeID == "" {
		return apiError(http.StatusBadRequest, "challenge_id_required")
	}

	ch, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apiError(http.StatusNotFound, "challenge_not_found")
		}
		return err
	}
	if ch.ClientID != svc.ClientID {
		return apiError(http.StatusForbidden, "challenge_client_mismatch")
	}

	s.log.Info("service stream connected", "challenge", challengeID, "client", svc.ClientID)
	defer s.log.Info("service stream disconnected", "challenge", challengeID)

	return s.serveStream(c, events.ChallengeTopic(challengeID), map[string]any{
		"challenge_id": challengeID,
		"at":           isoTime(store.Now()),
	})
}

func (s *Server) handleServiceSessionEvents(c echo.Context) error {
	svc, err := s.authenticateService(c)
	if err != nil {
		return err
	}

	s.log.Info("service session stream connected", "service", svc.ServiceID)
	defer s.log.Info("service session stream disconnected", "service", svc.ServiceID)

	return s.serveStream(c, events.ServiceTopic(svc.ServiceID), map[string]any{
		"service_id": svc.ServiceID,
		"at":         isoTime(store.Now()),
	})
}
