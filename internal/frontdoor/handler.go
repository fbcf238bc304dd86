// Package frontdoor exposes the gateway over each client protocol's HTTP
// surface.
package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/gateway"
	"github.com/smilit/proxycast-sub002/internal/pkg/codec"
	"github.com/smilit/proxycast-sub002/internal/server"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 32 << 20

// Service is the gateway surface the handlers call.
type Service interface {
	Prepare(ctx context.Context, p codec.Protocol, body []byte) (*gateway.Call, error)
	Complete(ctx context.Context, call *gateway.Call) ([]byte, error)
	Stream(ctx context.Context, call *gateway.Call, w gateway.StreamWriter) error
}

// Handler serves one protocol's completion endpoint.
type Handler struct {
	protocol codec.Protocol
	svc      Service
	logger   *slog.Logger
	maxBody  int64
}

func NewHandler(p codec.Protocol, svc Service, logger *slog.Logger, maxBody int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{protocol: p, svc: svc, logger: logger, maxBody: maxBody}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)
	server.AddLogField(ctx, "frontdoor", string(h.protocol.Name()))

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	call, err := h.svc.Prepare(ctx, h.protocol, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(ctx, "requested_model", call.Info.Model)
	server.AddLogField(ctx, "backend_model", call.Info.BackendModel)
	server.AddLogField(ctx, "stream", strconv.FormatBool(call.Info.Stream))

	if !call.Info.Stream {
		resp, err := h.svc.Complete(ctx, call)
		if err != nil {
			h.logger.Error("completion failed",
				slog.String("request_id", requestID),
				slog.String("frontdoor", string(h.protocol.Name())),
				slog.String("error", err.Error()),
			)
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, domain.ErrServer("streaming not supported"))
		return
	}
	sw := &sseWriter{w: w, flusher: flusher}
	if err := h.svc.Stream(ctx, call, sw); err != nil {
		if !sw.started {
			h.logger.Error("stream failed before start",
				slog.String("request_id", requestID),
				slog.String("frontdoor", string(h.protocol.Name())),
				slog.String("error", err.Error()),
			)
			h.writeError(w, r, err)
			return
		}
		// Headers are already out, so only the log can record it.
		server.AddError(ctx, err)
		h.logger.Warn("stream aborted",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, h.protocol, err)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return nil, domain.ErrInvalidRequest("failed to read request body")
	}
	return body, nil
}

// sseWriter defers the event-stream headers until the first record, so a
// failure before the stream starts can still go out as a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}

func (s *sseWriter) Flush() {
	if s.started {
		s.flusher.Flush()
	}
}
