package config

import (
	"errors"
	"strings"
)

// ParseStaticFlag parses a `--static <url-prefix>,<path-root>` value. The
// prefix may be empty; the directory may not.
func ParseStaticFlag(val string) (StaticRule, error) {
	parts := strings.Split(val, ",")
	if len(parts) != 2 || parts[1] == "" {
		return StaticRule{}, errors.New("Invalid `--static` format. Expected `<url-prefix>,<path-root>`")
	}
	return StaticRule{Prefix: parts[0], Dir: parts[1]}, nil
}

// ParseFileFlag parses a `--file <url>,<file-path>,<content-type>` value.
// Content types may themselves contain commas, so everything after the
// second comma is the content type.
func ParseFileFlag(val string) (FileRule, error) {
	parts := strings.SplitN(val, ",", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FileRule{}, errors.New("Invalid `--file` format. Expected `<url>,<file-path>,<content-type>`")
	}
	return FileRule{URL: parts[0], Path: parts[1], ContentType: parts[2]}, nil
}

// ParseSubProxyFlag parses a `--sub-proxy <url-prefix>,<proxy-addr>[,<host>]`
// value.
func ParseSubProxyFlag(val string) (SubProxyRule, error) {
	parts := strings.Split(val, ",")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return SubProxyRule{}, errors.New("Invalid `--sub-proxy` format. Expected `<url-prefix>,<proxy-addr>[,<host>]`")
	}

	rule := SubProxyRule{Prefix: parts[0], Backend: Backend{Addr: parts[1]}}
	if len(parts) == 3 {
		rule.HostHeader = parts[2]
	}
	return rule, nil
}
