package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// AllInterfaces is the bind address used when no tailnet address is known.
const AllInterfaces = "0.0.0.0"

const tailscaleTimeout = 5 * time.Second

// tailscaleCommand is the CLI queried for the tailnet address.
var tailscaleCommand = "tailscale"

// ErrNoTailscaleAddress means the tailscale CLI printed no usable IPv4 address.
var ErrNoTailscaleAddress = errors.New("tailscale reported no IPv4 address")

// TailscaleIPv4 asks the local tailscale CLI for this machine's tailnet IPv4
// address.
func TailscaleIPv4(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tailscaleTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, tailscaleCommand, "ip", "-4").Output()
	if err != nil {
		return "", fmt.Errorf("tailscale ip -4: %w", err)
	}
	return parseTailscaleIP(string(output))
}

func parseTailscaleIP(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ip := net.ParseIP(line)
		if ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("%w: %q", ErrNoTailscaleAddress, line)
		}
		return ip.String(), nil
	}
	return "", ErrNoTailscaleAddress
}

// Binding is the listen address chosen at startup.
type Binding struct {
	Address string
	// TailscaleIP is empty when the lookup failed.
	TailscaleIP string
	// LookupErr is why TailscaleIP is empty.
	LookupErr error

	explicit bool
}

// Fallback reports whether the host listens on every interface because no
// tailnet address was found.
func (b Binding) Fallback() bool {
	return !b.explicit && b.TailscaleIP == ""
}

// ChooseBinding picks the listen address. An explicit address always wins.
// Otherwise the tailnet address from lookup is used, and all interfaces are
// the fallback.
func ChooseBinding(ctx context.Context, configured string, lookup func(context.Context) (string, error)) Binding {
	var binding Binding
	binding.TailscaleIP, binding.LookupErr = lookup(ctx)
	if binding.LookupErr != nil {
		binding.TailscaleIP = ""
	}

	switch {
	case strings.TrimSpace(configured) != "":
		binding.Address = strings.TrimSpace(configured)
		binding.explicit = true
	case binding.TailscaleIP != "":
		binding.Address = binding.TailscaleIP
	default:
		binding.Address = AllInterfaces
	}
	return binding
}
