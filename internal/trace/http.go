package trace

import "net/http"

// Middleware continues the caller's trace from request headers or starts
// a new one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := continueFrom(r.Header.Get(TraceIDKey), r.Header.Get(SpanIDKey))
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// Inject copies ctx's trace identifiers onto an outgoing request.
func Inject(r *http.Request) {
	tc, ok := FromContext(r.Context())
	if !ok {
		return
	}
	r.Header.Set(TraceIDKey, tc.TraceID)
	r.Header.Set(SpanIDKey, tc.SpanID)
}

// Transport wraps base so every outgoing request carries trace headers.
type Transport struct {
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if _, ok := FromContext(r.Context()); ok {
		r = r.Clone(r.Context())
		Inject(r)
	}
	return base.RoundTrip(r)
}
