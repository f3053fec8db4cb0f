package restapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// HeaderProtocolVersion is the request header carrying the client's
// protocol version.
const HeaderProtocolVersion = "GridProtocolVersion"

// ProtocolVersion is the REST protocol version negotiated for a request.
type ProtocolVersion int

// Known protocol versions.
const (
	ProtocolV1 ProtocolVersion = 1

	DefaultProtocolVersion = ProtocolV1
)

// String implements fmt.Stringer.
func (v ProtocolVersion) String() string {
	return strconv.Itoa(int(v))
}

// ParseProtocolVersion maps a raw header value to a protocol version. It
// never fails: absent, unparseable and unknown values all select
// DefaultProtocolVersion.
func ParseProtocolVersion(raw string, present bool) ProtocolVersion {
	v, _ := parseProtocolVersion(raw, present)
	return v
}

// parseProtocolVersion also reports whether raw named a known version.
func parseProtocolVersion(raw string, present bool) (ProtocolVersion, bool) {
	if !present {
		return DefaultProtocolVersion, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || ProtocolVersion(n) != ProtocolV1 {
		return DefaultProtocolVersion, false
	}
	return ProtocolV1, true
}

type protocolVersionKey struct{}

// ProtocolVersionFrom returns the version negotiated for the request.
func ProtocolVersionFrom(ctx context.Context) ProtocolVersion {
	if v, ok := ctx.Value(protocolVersionKey{}).(ProtocolVersion); ok {
		return v
	}
	return DefaultProtocolVersion
}

// negotiateProtocol stores the request's protocol version in its context.
func negotiateProtocol(logger *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			values, present := r.Header[http.CanonicalHeaderKey(HeaderProtocolVersion)]
			raw := ""
			if present && len(values) > 0 {
				raw = values[0]
			}

			version, known := parseProtocolVersion(raw, present)
			switch {
			case !present:
				logger.WithField("path", r.URL.Path).Warn("protocol version header missing, using default")
			case !known:
				logger.WithField("value", raw).Debug("unrecognized protocol version, using default")
			}

			ctx := context.WithValue(r.Context(), protocolVersionKey{}, version)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
