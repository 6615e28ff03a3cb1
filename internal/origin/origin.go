// Package origin validates browser Origin headers for websocket upgrades.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Checker decides whether a websocket upgrade request is allowed based on its
// Origin header.
//
// With an empty allowlist the policy is same-host: the normalized origin host
// must match the request's Host header (default ports equivalent). Allowlist
// entries must be normalized origins (scheme://host[:port]) or "*". Requests
// without an Origin header (non-browser clients) are always allowed.
type Checker struct {
	allowed []string
}

func NewChecker(allowedOrigins []string) *Checker {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			normalized = append(normalized, o)
			continue
		}
		if n, _, ok := normalize(o); ok {
			normalized = append(normalized, n)
		}
	}
	return &Checker{allowed: normalized}
}

func (c *Checker) CheckRequest(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}

	norm, host, ok := normalize(raw)
	if !ok {
		return false
	}

	if len(c.allowed) > 0 {
		for _, a := range c.allowed {
			if a == "*" || a == norm {
				return true
			}
		}
		return false
	}

	// Same-host default. Scheme is deliberately not compared: behind a
	// TLS-terminating proxy the request looks like HTTP while the browser
	// Origin is HTTPS.
	if norm == "null" {
		return false
	}
	scheme := "http"
	if strings.HasPrefix(norm, "https://") {
		scheme = "https"
	}
	reqName, reqPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(r.Host)))
	if !ok || reqName == "" {
		return false
	}
	if (scheme == "http" && reqPort == "80") || (scheme == "https" && reqPort == "443") {
		reqPort = ""
	}
	reqHost := reqName
	if strings.Contains(reqName, ":") {
		reqHost = "[" + reqName + "]"
	}
	if reqPort != "" {
		reqHost += ":" + reqPort
	}
	return host == reqHost
}

// normalize validates an Origin header and returns the normalized origin
// (scheme://host[:port], default ports stripped) and its host[:port] part.
// The special value "null" is allowed and returned as-is.
func normalize(raw string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname, rawPort, ok := splitHostPort(strings.ToLower(u.Host))
	if !ok || hostname == "" {
		return "", "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// splitHostPort splits host[:port], unbracketing IPv6 literals. The port is
// returned unvalidated and empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority hosts.
		return "", "", false
	}
}
