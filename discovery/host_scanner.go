package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventHostUpserted is emitted when a host appears or its record changes.
	EventHostUpserted EventType = "host_upserted"
	// EventHostRemoved is emitted when a previously seen host disappears.
	EventHostRemoved EventType = "host_removed"
)

// EventType identifies scanner updates.
type EventType string

// Event carries one scanner update.
type Event struct {
	Type EventType
	Host DiscoveredHost
}

// DiscoveredHost is a candidate host found on the local network. It is only
// a hint for where to start pairing.
type DiscoveredHost struct {
	HostID    string
	Name      string
	HostName  string
	Port      int
	Version   string
	Addresses []string
	LastSeen  time.Time
}

// Address returns the best dialable address: the first IPv4 address when
// one was advertised, otherwise the mDNS host name.
func (h DiscoveredHost) Address() string {
	for _, addr := range h.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0]
	}
	return strings.TrimSuffix(h.HostName, ".")
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// HostScanner browses for hosts periodically and on demand.
type HostScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	hosts map[string]DiscoveredHost

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewHostScanner creates a scanner with config defaults applied.
func NewHostScanner(config Config) (*HostScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &HostScanner{
		cfg:             cfg,
		browse:          browse,
		hosts:           make(map[string]DiscoveredHost),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *HostScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes the event stream.
func (s *HostScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous scanner updates.
func (s *HostScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan on the background loop.
func (s *HostScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("host scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("host scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("host scanner is stopped")
	}
}

// Browse runs one scan window without the background loop and returns the
// hosts it found.
func (s *HostScanner) Browse(ctx context.Context) ([]DiscoveredHost, error) {
	if err := s.runScan(ctx); err != nil {
		return nil, err
	}
	return s.ListHosts(), nil
}

// ListHosts returns the current snapshot ordered by name.
func (s *HostScanner) ListHosts() []DiscoveredHost {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredHost, 0, len(s.hosts))
	for _, host := range s.hosts {
		out = append(out, host)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].HostID < out[j].HostID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *HostScanner) loop() {
	defer s.wg.Done()

	s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *HostScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(requestCtx, s.cfg.ScanTimeout)
	defer cancel()
	if s.ctx != nil {
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredHost)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// zeroconf closes the channel when its browse ends.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				host, ok := parseEntry(entry)
				if !ok {
					continue
				}
				host.LastSeen = time.Now()
				collected[host.HostID] = host
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	if requestCtx.Err() != nil {
		return requestCtx.Err()
	}
	s.applySnapshot(collected)
	return nil
}

func (s *HostScanner) applySnapshot(next map[string]DiscoveredHost) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.hosts
	s.hosts = next

	for id, host := range next {
		old, exists := previous[id]
		if !exists || !hostsEqual(old, host) {
			s.emitEvent(Event{Type: EventHostUpserted, Host: host})
		}
	}

	for id, host := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventHostRemoved, Host: host})
		}
	}
}

func (s *HostScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredHost, bool) {
	txt := txtToMap(entry.Text)

	hostID := txt["host_id"]
	if hostID == "" || entry.Port <= 0 {
		return DiscoveredHost{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = hostID
	}

	return DiscoveredHost{
		HostID:    hostID,
		Name:      name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Version:   txt["version"],
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func hostsEqual(a, b DiscoveredHost) bool {
	if a.HostID != b.HostID ||
		a.Name != b.Name ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Version != b.Version ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
