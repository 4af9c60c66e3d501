package lifecycle

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"offline-cache/src/logging"
)

// Proxy serves origin through oc, acting as a local caching reverse proxy.
func Proxy(origin *url.URL, oc OfflineCache, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: oc,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream fetch failed", err, map[string]interface{}{"url": r.URL.String()})
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}
