package server

import (
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/pipe"
	"github.com/sheerbytes/piping/internal/relay"
	"github.com/sheerbytes/piping/internal/telemetry"
)

// handleReceiver serves GET: the response body is the sender's stream.
func (s *Server) handleReceiver(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if r.Header.Get("Service-Worker") == "script" {
		s.reject(w, http.StatusBadRequest, "Service Worker registration is rejected.", "service_worker")
		return
	}
	n, status, msg := s.parseCount(r)
	if status != 0 {
		s.reject(w, status, msg, "count")
		return
	}
	if s.pathLimitReached(path) {
		s.reject(w, http.StatusTooManyRequests, "Too many active paths. Please retry later.", "paths")
		return
	}

	snk := newHTTPSink(w, r)
	party := pipe.NewParty(pipe.RoleReceiver, snk)
	claim, err := s.registry.ClaimReceiver(path, n, party)
	if err != nil {
		s.logger.Debug("receiver claim rejected", telemetry.LabelPath.Z(path), zap.Error(err))
		code, msg := errorStatus(err)
		sendError(w, code, msg)
		return
	}
	s.logger.Info("receiver connected",
		telemetry.LabelPath.Z(path),
		zap.String("party_id", party.ID),
		zap.Stringer("claim", claim.Outcome),
		zap.Int("receivers_wanted", claim.State.Desired),
		zap.String("remote", r.RemoteAddr))
	if claim.Pairing != nil {
		s.runTransfer(claim.Pairing)
	}

	err = s.await(r.Context(), path, party)
	switch {
	case err == nil, errors.Is(err, errClientGone):
		return
	case snk.began:
		// headers are out; only an abrupt end tells the client the stream is short
		s.logger.Debug("receiver stream aborted", telemetry.LabelPath.Z(path), zap.Error(err))
		panic(http.ErrAbortHandler)
	case errors.Is(err, relay.ErrReceiverGone):
		return
	}
	code, msg := errorStatus(err)
	sendError(w, code, msg)
}
