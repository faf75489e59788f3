// Package statusapi serves the navigator's decision, status and controls
// over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Navigator is the part of *skimmer.Navigator the server needs.
type Navigator interface {
	Decision() (skimmer.Decision, skimmer.CommandEnvelope)
	Status() skimmer.Status
	History() []skimmer.Decision
	EStop(reason string)
	ClearEStop()
	SetGoal(g skimmer.Goal) error
}

type DecisionResponse struct {
	Decision skimmer.Decision        `json:"decision"`
	Envelope skimmer.CommandEnvelope `json:"envelope"`
}

type Server struct {
	nav          Navigator
	pushInterval time.Duration
	upgrader     websocket.Upgrader
}

func New(nav Navigator, pushInterval time.Duration) *Server {
	if pushInterval <= 0 {
		pushInterval = 250 * time.Millisecond
	}
	return &Server{
		nav:          nav,
		pushInterval: pushInterval,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler returns the public routes plus the /debug/ pages.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/decision", s.get(s.handleDecision))
	mux.HandleFunc("/status", s.get(s.handleStatus))
	mux.HandleFunc("/history", s.get(s.handleHistory))
	mux.HandleFunc("/estop", s.post(s.handleEStop))
	mux.HandleFunc("/estop/clear", s.post(s.handleClearEStop))
	mux.HandleFunc("/goal", s.handleGoal)
	mux.HandleFunc("/ws", s.handleWS)
	s.AttachAdminRoutes(mux)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("status server listening")
		errChan <- srv.ListenAndServe()
	}()
	select {
	case err := <-errChan:
		return errors.Wrapf(err, "status server on %s", addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "status server shutdown")
	}
	return ctx.Err()
}

func (s *Server) get(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		fn(w, r)
	}
}

func (s *Server) post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		fn(w, r)
	}
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	dec, env := s.nav.Decision()
	writeJSONOK(w, DecisionResponse{Decision: dec, Envelope: env})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONOK(w, s.nav.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h := s.nav.History()
	if h == nil {
		h = []skimmer.Decision{}
	}
	writeJSONOK(w, h)
}

func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && err != io.EOF {
			badRequest(w, "invalid json body")
			return
		}
		if body.Reason != "" {
			reason = body.Reason
		}
	}
	if reason == "" {
		reason = "operator request"
	}
	log.WithFields(log.Fields{"reason": reason, "remote": r.RemoteAddr}).Warn("estop requested over http")
	s.nav.EStop(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "estop requested", "reason": reason})
}

func (s *Server) handleClearEStop(w http.ResponseWriter, r *http.Request) {
	log.WithField("remote", r.RemoteAddr).Info("estop clear requested over http")
	s.nav.ClearEStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "estop clear requested"})
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSONOK(w, s.nav.Status().Goal)
	case http.MethodPost:
		var g skimmer.Goal
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&g); err != nil {
			badRequest(w, "invalid goal: "+err.Error())
			return
		}
		if err := s.nav.SetGoal(g); err != nil {
			badRequest(w, err.Error())
			return
		}
		writeJSONOK(w, s.nav.Status().Goal)
	default:
		methodNotAllowed(w)
	}
}

// handleWS pushes Status to the client every push interval until it goes
// away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Debug("websocket upgrade failed")
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close websocket: %v", err)
		}
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(s.pushInterval * 4))
		if err := conn.WriteJSON(s.nav.Status()); err != nil {
			log.WithField("err", err).Debug("websocket client dropped")
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
