package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type hosts advertise.
	DefaultService = "_termlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the host advertiser and the client scanner.
//
// Advertised records are a convenience for finding hosts. They carry no
// certificate material: trust comes only from pairing.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// Host side.
	HostID   string
	HostName string
	Port     int
	Version  string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.HostID) == "" {
		return errors.New("host ID is required")
	}
	if strings.TrimSpace(c.HostName) == "" {
		return errors.New("host name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be within 1-65535")
	}
	return nil
}

// Advertiser publishes a host session service over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the host service.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{"host_id=" + cfg.HostID}
	if cfg.Version != "" {
		txt = append(txt, "version="+cfg.Version)
	}

	server, err := cfg.registerFn(cfg.HostName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
