// Package urlutil provides URL normalization and fingerprinting for the
// analysis pipeline. Every URL entering the pipeline passes through Normalize
// so that cache keys, indicator lookups and analyzer inputs agree on one
// canonical form.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Common errors.
var (
	ErrEmptyURL          = errors.New("URL must be a non-empty string")
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrMissingHost       = errors.New("URL missing hostname")
	ErrURLTooLong        = errors.New("URL exceeds maximum length")
)

// MaxURLLength bounds accepted input (IE historical limit, kept for sanity).
const MaxURLLength = 2083

// trackingParams are stripped during normalization so that tracking variants
// of the same landing page collapse to one fingerprint.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true,
	"gclid": true, "gclsrc": true, "dclid": true,
	"fbclid": true, "fb_action_ids": true, "fb_action_types": true, "fb_source": true,
	"twclid":  true,
	"msclkid": true,
	"_ga":     true, "_gl": true, "_hsenc": true, "_hsmi": true,
	"ref": true, "referrer": true,
}

// shortenerHosts are known URL shortening services. A shortened URL hides its
// destination, which matters to several analyzers.
var shortenerHosts = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "goo.gl": true, "ow.ly": true,
	"t.co": true, "short.link": true, "tiny.cc": true, "lnk.bio": true,
	"linktr.ee": true, "rebrand.ly": true, "buff.ly": true, "dlvr.it": true,
	"fb.me": true, "amzn.to": true, "apple.co": true, "youtu.be": true,
	"qrco.de": true, "ead.me": true,
}

var (
	multiSlash = regexp.MustCompile(`/{2,}`)
	// explicitScheme matches any URL scheme per RFC 3986, case-insensitively,
	// so ftp:// input is rejected rather than wrapped in https://.
	explicitScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// Target is a validated, normalized URL handed to analyzers. Analyzers must
// not reparse the raw string; all derived fields are computed once here.
type Target struct {
	// Raw is the URL as submitted.
	Raw string
	// Normalized is the canonical form used for fingerprinting.
	Normalized string
	// Scheme is http or https.
	Scheme string
	// Host is the lowercased hostname without port.
	Host string
	// Port is the non-default port, or empty.
	Port string
	// Path is the canonicalized path.
	Path string
	// Query is the sorted, tracking-stripped query string.
	Query string
	// Fingerprint is the SHA-256 hex digest of Normalized.
	Fingerprint string
}

// Normalize validates and canonicalizes a URL, returning a Target.
//
// Normalization: lowercase scheme and host, IDN hosts converted to punycode,
// default ports removed, duplicate slashes collapsed, trailing slash stripped
// (except root), query parameters sorted with tracking parameters removed,
// fragment dropped. A URL without a scheme is assumed https.
func Normalize(raw string) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	if len(raw) > MaxURLLength {
		return nil, ErrURLTooLong
	}

	withScheme := raw
	if !explicitScheme.MatchString(raw) {
		withScheme = "https://" + raw
	}

	parsed, err := url.Parse(withScheme)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, ErrMissingHost
	}

	// Convert IDN hosts to their punycode form so lookalike domains hash
	// consistently regardless of input encoding.
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	netloc := host
	if port != "" {
		netloc = host + ":" + port
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	path = multiSlash.ReplaceAllString(path, "/")
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	query := normalizeQuery(parsed.Query())

	normalized := scheme + "://" + netloc + path
	if query != "" {
		normalized += "?" + query
	}

	sum := sha256.Sum256([]byte(normalized))

	return &Target{
		Raw:         raw,
		Normalized:  normalized,
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		Path:        path,
		Query:       query,
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// normalizeQuery sorts parameters and drops tracking noise.
func normalizeQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if trackingParams[strings.ToLower(key)] {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := values[key]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// TLD returns the last label of the target host.
func (t *Target) TLD() string {
	parts := strings.Split(t.Host, ".")
	return parts[len(parts)-1]
}

// SubdomainCount returns the number of labels before the registrable domain.
// It assumes a two-label registrable domain, which is close enough for risk
// heuristics.
func (t *Target) SubdomainCount() int {
	n := strings.Count(t.Host, ".") - 1
	if n < 0 {
		return 0
	}
	return n
}

// IsShortener reports whether the host is a known URL shortening service.
func (t *Target) IsShortener() bool {
	return shortenerHosts[t.Host]
}

// ParentDomains returns successively broader suffixes of host, excluding the
// bare TLD: "a.b.example.com" -> ["b.example.com", "example.com"].
func ParentDomains(host string) []string {
	parts := strings.Split(host, ".")
	var parents []string
	for i := 1; i < len(parts)-1; i++ {
		parents = append(parents, strings.Join(parts[i:], "."))
	}
	return parents
}

// IsShortenerHost reports whether a bare hostname is a known shortener.
func IsShortenerHost(host string) bool {
	return shortenerHosts[strings.ToLower(host)]
}
