// Header relay rules for the proxy path.
package gateway

import (
	"net/http"
	"strings"

	"github.com/quotagate/quotagate/internal/router"
)

// Routing metadata headers added to responses whose request was downgraded.
const (
	HeaderRouted       = "X-Quota-Routed"
	HeaderRoutedFrom   = "X-Quota-Routed-From"
	HeaderRoutedTo     = "X-Quota-Routed-To"
	HeaderRoutedReason = "X-Quota-Routed-Reason"
)

// hopByHopHeaders are connection-scoped per RFC 7230 section 6.1 and must not
// be relayed across the proxy.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders copies headers from src to dst, skipping hop-by-hop headers and
// any header named by a Connection header.
func copyHeaders(dst http.Header, src http.Header) {
	connectionNamed := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name != "" {
				connectionNamed[name] = struct{}{}
			}
		}
	}

	for k, values := range src {
		canonical := http.CanonicalHeaderKey(k)
		if _, hop := hopByHopHeaders[canonical]; hop {
			continue
		}
		if _, named := connectionNamed[canonical]; named {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// setRoutingHeaders annotates a response whose request was downgraded so
// clients can tell which model actually served it.
func setRoutingHeaders(h http.Header, d router.Decision) {
	if !d.Rerouted() {
		return
	}
	h.Set(HeaderRouted, "true")
	h.Set(HeaderRoutedFrom, d.RoutedFrom)
	h.Set(HeaderRoutedTo, d.RoutedTo)
	h.Set(HeaderRoutedReason, "quota-threshold")
}
