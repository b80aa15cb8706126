package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS allows the listed UI origins to call the bridge with credentials.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type", "Cache-Control"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins normalizes UI origins to scheme://host[:port], keeping
// first-seen order and dropping duplicates.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	origins := make([]string, 0, len(allowed))
	known := make(map[string]bool, len(allowed))
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		origin, insecure, err := normalizeOrigin(entry)
		if err != nil {
			return nil, err
		}
		if known[origin] {
			continue
		}
		known[origin] = true
		if insecure {
			logger.Warn("ui origin served over plain http",
				zap.String("code", "web.cors.origin_unsafe"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

// normalizeOrigin reports the canonical origin and whether it is plain http on a non-loopback host.
func normalizeOrigin(entry string) (string, bool, error) {
	if entry == "*" {
		return "", false, errWildcardOrigin
	}
	parsed, err := url.Parse(entry)
	if err != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %q is not an absolute origin", errInvalidOrigin, entry)
	}
	switch {
	case strings.Trim(parsed.Path, "/") != "":
		return "", false, fmt.Errorf("%w: %q must not carry a path", errInvalidOrigin, entry)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", false, fmt.Errorf("%w: %q must be scheme and host only", errInvalidOrigin, entry)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false, fmt.Errorf("%w: %q must use http or https", errInvalidOrigin, entry)
	}
	origin := scheme + "://" + strings.ToLower(parsed.Host)
	return origin, scheme == "http" && !loopbackHost(parsed.Hostname()), nil
}

func loopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
