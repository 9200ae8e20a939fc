package service

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeURL trims raw, defaults the scheme to https and checks that the
// result is an absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("url", "cannot be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", invalid("url", "cannot be parsed: %v", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", invalid("url", "scheme %q is not http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", invalid("url", "host is missing")
	}
	if strings.ContainsAny(u.Host, " \t") {
		return "", invalid("url", "host contains whitespace")
	}
	u.Host = strings.ToLower(u.Host)

	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 of address, or its bare host when the
// host has no public suffix (localhost, IP literals).
func RegistrableDomain(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}
