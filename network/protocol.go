package network

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
)

const (
	// DefaultPort is the host service port.
	DefaultPort = 8443
	// SharedSessionPath is the multi-client session endpoint.
	SharedSessionPath = "/terminal"
	// PrivateSessionPath is the isolated single-client session endpoint.
	PrivateSessionPath = "/terminal/private"
	// HealthPath is the plaintext JSON health endpoint.
	HealthPath = "/health"
	// DefaultConnectTimeout bounds a whole connect attempt.
	DefaultConnectTimeout = 15 * time.Second
	// MaxMessageSize is the largest inbound message accepted on a session stream.
	MaxMessageSize = 1 << 20
)

// EndpointURL builds the URL of an endpoint on a host.
func EndpointURL(scheme, host string, port int, path string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

// ValidateAddress rejects malformed host/port pairs before any I/O happens.
func ValidateAddress(host string, port int) error {
	if port <= 0 || port > 65535 {
		return &InvalidAddressError{Host: host, Port: port, Reason: "port out of range"}
	}

	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return &InvalidAddressError{Host: host, Port: port, Reason: "host is empty"}
	}
	if trimmed != host {
		return &InvalidAddressError{Host: host, Port: port, Reason: "host has surrounding whitespace"}
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) > 253 {
		return &InvalidAddressError{Host: host, Port: port, Reason: "host name too long"}
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return &InvalidAddressError{Host: host, Port: port, Reason: "invalid host name label"}
		}
		for _, r := range label {
			if !isHostNameRune(r) {
				return &InvalidAddressError{Host: host, Port: port, Reason: fmt.Sprintf("invalid character %q in host", r)}
			}
		}
	}
	return nil
}

// DecodePayload turns one inbound message into text. Binary payloads are read
// as UTF-8 with invalid sequences replaced.
func DecodePayload(messageType websocket.MessageType, data []byte) string {
	if messageType == websocket.MessageBinary && !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(data)
}

// SplitFragments splits text on newline boundaries, drops a trailing carriage
// return from each piece, and skips empty pieces.
func SplitFragments(text string) []string {
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSuffix(part, "\r")
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func isHostNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}
