package ipc

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/boxclient/internal"
	"github.com/getlantern/boxclient/traces"
)

func (s *Server) log(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Pull the trace ID from the request, if it exists.
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		r = r.WithContext(ctx)
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(semconv.HTTPRouteKey.String(r.URL.Path))

		s.logger.Log(r.Context(), internal.LevelTrace, "IPC request", "method", r.Method, "path", r.URL.Path)
		h.ServeHTTP(w, r)
	})
}

func tracer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(tracerName).Start(r.Context(), r.URL.Path)
		defer span.End()

		r = r.WithContext(ctx)
		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)
		if ww.Status() >= 400 {
			traces.RecordError(ctx, fmt.Errorf("status %d: %s", ww.Status(), buf.String()))
		}
	})
}

func authPeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := usrFromContext(r.Context())
		if !peerCanAccess(peer, currentUID()) {
			http.Error(w, "permission denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// peerCanAccess allows root and the user the daemon runs as. Peers on platforms where the socket
// credentials cannot be read are left to the socket permissions.
func peerCanAccess(peer usr, self string) bool {
	if peer.unchecked {
		return true
	}
	return peer.uid != "" && (peer.uid == "0" || peer.uid == self)
}
