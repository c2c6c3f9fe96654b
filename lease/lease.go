// Package lease implements the authoritative IP/MAC lease table shared by
// the DHCP allocator and the DNS source-IP gate.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/krolaw/dhcp4"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/netutil"
)

// ErrHeldByOtherMAC is returned by AddStatic/AllocateRequested when the
// requested IP is already leased to a different MAC address.
var ErrHeldByOtherMAC = errors.New("lease: ip held by a different mac")

// ErrNotFound is returned by Remove when the IP has no lease.
var ErrNotFound = errors.New("lease: not found")

// Lease is a single {IP, MAC, hostname, expiry, static} entry.
type Lease struct {
	IP        string     `json:"ip"`
	MAC       string     `json:"mac"`
	Hostname  string     `json:"hostname"`
	ExpiresAt *time.Time `json:"expires_at"` // nil means "never" (static)
	Static    bool       `json:"static"`
}

// Table is the authoritative map from IP to Lease, with a secondary
// MAC-to-IP index. All mutations are serialized under mu so that two
// concurrent allocations can never hand out the same address.
type Table struct {
	mu sync.Mutex

	byIP  map[string]*Lease
	byMAC map[string]string // mac -> ip; static leases are indexed too

	rangeStart net.IP
	rangeEnd   net.IP
	gateway    net.IP
	bindAddr   net.IP
	duration   time.Duration

	persistPath string
	slog        *zap.SugaredLogger
}

// Config bundles the parameters a Table needs at construction time.
type Config struct {
	RangeStart  net.IP
	RangeEnd    net.IP
	Gateway     net.IP
	BindAddr    net.IP
	Duration    time.Duration
	PersistPath string // empty disables persistence
}

// New builds an empty lease Table.
func New(cfg Config, slog *zap.SugaredLogger) *Table {
	return &Table{
		byIP:        make(map[string]*Lease),
		byMAC:       make(map[string]string),
		rangeStart:  cfg.RangeStart,
		rangeEnd:    cfg.RangeEnd,
		gateway:     cfg.Gateway,
		bindAddr:    cfg.BindAddr,
		duration:    cfg.Duration,
		persistPath: cfg.PersistPath,
		slog:        slog,
	}
}

// List returns a snapshot copy of every lease in the table.
func (t *Table) List() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Lease, 0, len(t.byIP))
	for _, l := range t.byIP {
		out = append(out, *l)
	}
	return out
}

// MacToIP returns the IP currently leased to mac, if any.
func (t *Table) MacToIP(mac string) (string, bool) {
	mac = netutil.NormalizeMAC(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	ip, ok := t.byMAC[mac]
	return ip, ok
}

// IPLeased reports whether ip currently has any lease (static or dynamic).
func (t *Table) IPLeased(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.byIP[ip]
	return ok
}

// AddStatic removes any existing lease for ip and installs a static one,
// unless ip is already held by a different MAC, in which case it fails.
func (t *Table) AddStatic(ip, mac, hostname string) error {
	mac = netutil.NormalizeMAC(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byIP[ip]; ok && existing.MAC != mac {
		return fmt.Errorf("%w: %s", ErrHeldByOtherMAC, ip)
	}

	t.deleteLocked(ip)
	t.byIP[ip] = &Lease{IP: ip, MAC: mac, Hostname: hostname, Static: true}
	t.byMAC[mac] = ip
	t.persistLocked()
	return nil
}

// Remove deletes the lease for ip.
func (t *Table) Remove(ip string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byIP[ip]; !ok {
		return ErrNotFound
	}
	t.deleteLocked(ip)
	t.persistLocked()
	return nil
}

// deleteLocked removes ip from both indices. Caller must hold mu.
func (t *Table) deleteLocked(ip string) {
	if l, ok := t.byIP[ip]; ok {
		if !l.Static {
			delete(t.byMAC, l.MAC)
		} else if t.byMAC[l.MAC] == ip {
			delete(t.byMAC, l.MAC)
		}
		delete(t.byIP, ip)
	}
}

// AllocateDynamic returns the existing lease IP for mac if one exists,
// otherwise scans the configured range in ascending order for the first
// free address, persists a new lease for it, and returns it.
func (t *Table) AllocateDynamic(mac, hostname string) (string, bool) {
	mac = netutil.NormalizeMAC(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if ip, ok := t.byMAC[mac]; ok {
		return ip, true
	}

	ip, ok := t.firstFreeLocked()
	if !ok {
		return "", false
	}

	expires := time.Now().Add(t.duration)
	t.byIP[ip] = &Lease{
		IP: ip, MAC: mac, Hostname: hostname, ExpiresAt: &expires,
	}
	t.byMAC[mac] = ip
	t.persistLocked()
	return ip, true
}

// AllocateRequested grants reqIP to mac if it is unheld or already held
// by mac; any dangling prior entry for mac is replaced.
func (t *Table) AllocateRequested(mac, hostname, reqIP string) (string, bool) {
	mac = netutil.NormalizeMAC(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byIP[reqIP]; ok {
		if existing.MAC != mac {
			return "", false
		}
		if existing.Static {
			// Already statically leased to this MAC: a REQUEST for it is
			// a no-op, not a downgrade to a dynamic, expiring lease.
			return reqIP, true
		}
	}

	// Release any other address this MAC might dynamically hold.
	if oldIP, ok := t.byMAC[mac]; ok && oldIP != reqIP {
		if old, ok := t.byIP[oldIP]; !ok || !old.Static {
			t.deleteLocked(oldIP)
		}
	}

	expires := time.Now().Add(t.duration)
	t.byIP[reqIP] = &Lease{
		IP: reqIP, MAC: mac, Hostname: hostname, ExpiresAt: &expires,
	}
	t.byMAC[mac] = reqIP
	t.persistLocked()
	return reqIP, true
}

// FindFreeIPReadonly performs the same scan as AllocateDynamic but does
// not persist anything; used for DHCP OFFER, which is non-committing. If
// mac already holds a lease, that address is returned.
func (t *Table) FindFreeIPReadonly(mac string) (string, bool) {
	mac = netutil.NormalizeMAC(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if ip, ok := t.byMAC[mac]; ok {
		return ip, true
	}
	return t.firstFreeLocked()
}

// firstFreeLocked scans range_start..=range_end in ascending order,
// skipping gateway and bind_address, for the first address absent from
// byIP. Caller must hold mu.
func (t *Table) firstFreeLocked() (string, bool) {
	cur := append(net.IP(nil), t.rangeStart.To4()...)
	end := t.rangeEnd.To4()

	for netutil.CompareIPv4(cur, end) <= 0 {
		ipStr := cur.String()
		_, held := t.byIP[ipStr]
		skip := (t.gateway != nil && cur.Equal(t.gateway)) ||
			(t.bindAddr != nil && cur.Equal(t.bindAddr))
		if !held && !skip {
			return ipStr, true
		}
		cur = dhcp4.IPAdd(cur, 1)
	}
	return "", false
}

// Sweep removes dynamic leases whose expiry has passed. It is the
// implementation of the periodic lease-expiry pass described in
// SPEC_FULL.md section 4.1.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, l := range t.byIP {
		if !l.Static && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			t.deleteLocked(ip)
			removed++
		}
	}
	if removed > 0 {
		t.persistLocked()
	}
	return removed
}

// persistLocked best-effort writes the full table to disk as JSON.
// Failures are logged, never propagated: in-memory state stays
// authoritative even if the write-through fails. Caller must hold mu.
func (t *Table) persistLocked() {
	if t.persistPath == "" {
		return
	}

	leases := make([]Lease, 0, len(t.byIP))
	for _, l := range t.byIP {
		leases = append(leases, *l)
	}

	data, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		t.slog.Warnf("lease: marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(t.persistPath, data, 0644); err != nil {
		t.slog.Warnf("lease: write-through to %s failed: %v", t.persistPath, err)
	}
}

// LoadPersisted reads a previously persisted lease file, if present, and
// installs its entries. Missing files are not an error.
func (t *Table) LoadPersisted() error {
	if t.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(t.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var leases []Lease
	if err := json.Unmarshal(data, &leases); err != nil {
		return fmt.Errorf("lease: parsing %s: %w", t.persistPath, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range leases {
		l := leases[i]
		t.byIP[l.IP] = &l
		if !l.Static {
			t.byMAC[l.MAC] = l.IP
		} else if _, ok := t.byMAC[l.MAC]; !ok {
			t.byMAC[l.MAC] = l.IP
		}
	}
	return nil
}
