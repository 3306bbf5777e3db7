package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sheerbytes/piping/internal/pipe"
	"github.com/sheerbytes/piping/internal/telemetry"
)

// handleSender serves PUT and POST: the body is relayed to every receiver
// of the path. The response is written once the transfer has ended.
func (s *Server) handleSender(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	n, status, msg := s.parseCount(r)
	if status != 0 {
		s.reject(w, status, msg, "count")
		return
	}
	if s.pathLimitReached(path) {
		s.reject(w, http.StatusTooManyRequests, "Too many active paths. Please retry later.", "paths")
		return
	}
	body, meta, err := senderBody(r)
	if err != nil {
		s.reject(w, http.StatusBadRequest, "Malformed multipart body.", "body")
		return
	}

	src := newHTTPSource(body, meta, s.pool.BufSize())
	party := pipe.NewParty(pipe.RoleSender, src)
	claim, err := s.registry.ClaimSender(path, n, party)
	if err != nil {
		s.logger.Debug("sender claim rejected", telemetry.LabelPath.Z(path), zap.Error(err))
		code, msg := errorStatus(err)
		sendError(w, code, msg)
		return
	}
	s.logger.Info("sender connected",
		telemetry.LabelPath.Z(path),
		zap.String("party_id", party.ID),
		zap.Stringer("claim", claim.Outcome),
		zap.Int("receivers_wanted", claim.State.Desired),
		zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go src.watch(cancel)
	if claim.Pairing != nil {
		s.runTransfer(claim.Pairing)
	}

	err = s.await(ctx, path, party)
	switch {
	case errors.Is(err, errClientGone):
		return
	case err != nil:
		s.logger.Info("sender failed", telemetry.LabelPath.Z(path), zap.Error(err))
		if src.transferID != "" {
			w.Header().Set(headerTransferID, src.transferID)
		}
		code, msg := errorStatus(err)
		sendError(w, code, msg)
		return
	}

	res := src.res
	w.Header().Set(headerTransferID, src.transferID)
	var b strings.Builder
	fmt.Fprintf(&b, "[INFO] Sent %d byte(s) to %d receiver(s).\n", res.Bytes, src.receivers)
	if res.Delivered == src.receivers {
		b.WriteString("[INFO] All receivers got the whole stream.\n")
	} else {
		fmt.Fprintf(&b, "[WARN] %d of %d receiver(s) disconnected before the end.\n",
			src.receivers-res.Delivered, src.receivers)
	}
	writeText(w, http.StatusOK, b.String())
}
