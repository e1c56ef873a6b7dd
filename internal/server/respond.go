package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wingmanux/wingman/internal/tunnel"
)

// Error kinds surfaced as JSON bodies. The wire shape is always
// {"error": <kebab kind>, "code": <same in SCREAMING_SNAKE>}.
const (
	errTunnelNotFound        = "tunnel-not-found"
	errDeveloperNotConnected = "developer-not-connected"
	errGatewayTimeout        = "gateway-timeout"
	errBodyMissing           = "tunnel-body-missing"
	errUpstreamFailed        = "upstream-failed"
	errLinkCongested         = "link-congested"
	errLinkReplaced          = "link-replaced"
	errLinkGone              = "link-gone"
	errRequestTooLarge       = "request-too-large"
	errUpgradeNotSupported   = "upgrade-not-supported-on-tunneled-path"

	errMissingField      = "missing-field"
	errInvalidPort       = "invalid-port"
	errCapacityExhausted = "capacity-exhausted"
	errSessionNotFound   = "session-not-found"
	errShareNotFound     = "share-not-found"
	errShareExpired      = "share-expired"
	errShareExhausted    = "share-exhausted"
	errRateLimited       = "rate-limited"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{
		"error": kind,
		"code":  errorCode(kind),
	})
}

func errorCode(kind string) string {
	return strings.ToUpper(strings.ReplaceAll(kind, "-", "_"))
}

// brokerErrorStatus maps a broker failure to the public status and kind.
// ErrClientGone never reaches here; the caller is gone and nothing is
// written.
func brokerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tunnel.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, errGatewayTimeout
	case errors.Is(err, tunnel.ErrBodyTimeout):
		return http.StatusBadGateway, errBodyMissing
	case errors.Is(err, tunnel.ErrCongested):
		return http.StatusServiceUnavailable, errLinkCongested
	case errors.Is(err, tunnel.ErrLinkReplaced):
		return http.StatusBadGateway, errLinkReplaced
	case errors.Is(err, tunnel.ErrLinkGone), errors.Is(err, tunnel.ErrLinkClosed):
		return http.StatusBadGateway, errLinkGone
	default:
		return http.StatusBadGateway, errUpstreamFailed
	}
}

func shareErrorKind(err error) string {
	switch {
	case errors.Is(err, tunnel.ErrTokenExpired):
		return errShareExpired
	case errors.Is(err, tunnel.ErrTokenExhausted):
		return errShareExhausted
	default:
		return errShareNotFound
	}
}
