package interceptor

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
)

// NewProxy returns a reverse proxy to origin whose outbound requests go
// through transport (normally the Interceptor).
func NewProxy(origin *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport:    transport,
		ErrorHandler: proxyError,
	}
}

// proxyError maps OFFLINE to 503 and any other transport error to 502.
func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}

	status := http.StatusBadGateway
	if apperrors.Is(err, apperrors.ErrOffline) {
		status = http.StatusServiceUnavailable
	}

	logging.Warn("Proxy request failed", map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"code":   string(apperrors.CodeOf(err)),
		"error":  err.Error(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": http.StatusText(status),
		"code":  string(apperrors.CodeOf(err)),
	})
}
