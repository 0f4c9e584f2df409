package traces

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptrace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewRoundTripper wraps rt with OpenTelemetry instrumentation. Client spans are named
// "<operation> <METHOD>" and carry connection phase attributes from httptrace.
func NewRoundTripper(rt http.RoundTripper, operation string) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return otelhttp.NewTransport(rt,
		otelhttp.WithClientTrace(httpTrace),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return operation + " " + r.Method
		}),
	)
}

func httpTrace(ctx context.Context) *httptrace.ClientTrace {
	span := trace.SpanFromContext(ctx)
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			span.SetAttributes(attribute.String("net.host_port", hostPort))
		},
		GotConn: func(info httptrace.GotConnInfo) {
			span.SetAttributes(attribute.Bool("net.conn_reused", info.Reused))
		},
		DNSDone: func(di httptrace.DNSDoneInfo) {
			if di.Err != nil {
				RecordError(ctx, di.Err)
				return
			}
			span.SetAttributes(attribute.Int("dns.addrs", len(di.Addrs)))
		},
		ConnectDone: func(network, addr string, err error) {
			if err != nil {
				RecordError(ctx, err)
				return
			}
			span.SetAttributes(attribute.String("net.peer_addr", addr))
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err != nil {
				RecordError(ctx, err)
				return
			}
			span.SetAttributes(attribute.String("tls.version", tls.VersionName(cs.Version)))
		},
	}
}
