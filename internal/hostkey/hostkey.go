// Package hostkey derives the per-host key used by every per-host table and
// the URL variants tried on retry.
package hostkey

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidURL reports a URL that cannot be fetched at all.
var ErrInvalidURL = errors.New("invalid url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Parse validates raw as an absolute http(s) URL.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// FromURL returns the lowercased hostname of raw, without a leading "www."
// when stripWWW is set.
func FromURL(raw string, stripWWW bool) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Normalize(u.Hostname(), stripWWW), nil
}

// Normalize applies the key rules to a bare hostname.
func Normalize(host string, stripWWW bool) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if stripWWW {
		host = strings.TrimPrefix(host, "www.")
	}
	return host
}

// Canonical rewrites raw into its canonical form: https, lowercase host,
// no default port, no fragment, sorted query, cleaned path without a
// trailing slash.
func Canonical(raw string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPorts[scheme] && port != defaultPorts["https"] {
		host = host + ":" + port
	}
	u.Scheme = "https"
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	u.Path = cleanPath(u.Path)
	u.RawPath = ""
	return u.String(), nil
}

// CanonicalVariant returns a URL that differs from raw and is likely to
// address the same resource. When raw is already canonical the "www."
// prefix is toggled instead. ok is false when no variant exists.
func CanonicalVariant(raw string) (string, bool) {
	canonical, err := Canonical(raw)
	if err != nil {
		return "", false
	}
	if canonical != strings.TrimSpace(raw) {
		return canonical, true
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	if strings.HasPrefix(u.Host, "www.") {
		u.Host = strings.TrimPrefix(u.Host, "www.")
	} else {
		u.Host = "www." + u.Host
	}
	return u.String(), true
}

// SwapScheme flips https to http and back.
func SwapScheme(raw string) (string, bool) {
	u, err := Parse(raw)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "http"
	default:
		u.Scheme = "https"
	}
	if port := u.Port(); port == "80" || port == "443" {
		u.Host = u.Hostname()
	}
	return u.String(), true
}

// ProbeURL returns probePath on the same scheme and host as raw.
func ProbeURL(raw, probePath string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if probePath == "" {
		probePath = "/"
	}
	if !strings.HasPrefix(probePath, "/") {
		probePath = "/" + probePath
	}
	probe := url.URL{Scheme: u.Scheme, Host: u.Host, Path: probePath}
	return probe.String(), nil
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	cleaned := path.Clean(p)
	if cleaned == "/" || cleaned == "." {
		return ""
	}
	return strings.TrimSuffix(cleaned, "/")
}
