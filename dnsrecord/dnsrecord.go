// Package dnsrecord holds the local record store and the domain
// blacklist consulted by the DNS decision procedure.
package dnsrecord

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/netutil"
)

// Type enumerates the record types the local store answers.
type Type int

// The record types named in SPEC_FULL.md section 3.
const (
	A Type = iota
	AAAA
	CNAME
	MX
)

func (t Type) String() string {
	switch t {
	case A:
		return "A"
	case AAAA:
		return "AAAA"
	case CNAME:
		return "CNAME"
	case MX:
		return "MX"
	default:
		return "?"
	}
}

// Record is a single local DNS record. Its uniqueness key is (Name, Type).
type Record struct {
	Name  string
	Type  Type
	Value string
	TTL   uint32
}

type key struct {
	name string
	typ  Type
}

// Store is the hot-updatable local record store.
type Store struct {
	mu      sync.RWMutex
	records map[key]Record
}

// NewStore returns an empty record store.
func NewStore() *Store {
	return &Store{records: make(map[key]Record)}
}

// Add inserts or replaces a record. Names that aren't syntactically
// valid domain names are rejected rather than silently stored.
func (s *Store) Add(r Record) {
	r.Name = netutil.NormalizeDomain(r.Name)
	if _, ok := dns.IsDomainName(r.Name); !ok {
		return
	}

	s.mu.Lock()
	s.records[key{r.Name, r.Type}] = r
	s.mu.Unlock()
}

// Update replaces the record at (oldName, oldType) with r. If no record
// exists at the old key, this behaves like Add.
func (s *Store) Update(oldName string, oldType Type, r Record) {
	oldName = netutil.NormalizeDomain(oldName)
	r.Name = netutil.NormalizeDomain(r.Name)

	s.mu.Lock()
	delete(s.records, key{oldName, oldType})
	if _, ok := dns.IsDomainName(r.Name); ok {
		s.records[key{r.Name, r.Type}] = r
	}
	s.mu.Unlock()
}

// Remove deletes the record at (name, typ), if present.
func (s *Store) Remove(name string, typ Type) {
	name = netutil.NormalizeDomain(name)

	s.mu.Lock()
	delete(s.records, key{name, typ})
	s.mu.Unlock()
}

// Lookup returns the record for (name, typ), if present.
func (s *Store) Lookup(name string, typ Type) (Record, bool) {
	name = netutil.NormalizeDomain(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key{name, typ}]
	return r, ok
}

// List returns a snapshot of every record in the store.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Blacklist is the hot-updatable set of blocked FQDNs. Membership is
// case-insensitive and exact (not suffix).
type Blacklist struct {
	mu   sync.RWMutex
	set  map[string]bool
	slog *zap.SugaredLogger
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist(slog *zap.SugaredLogger) *Blacklist {
	return &Blacklist{set: make(map[string]bool), slog: slog}
}

// Block adds d to the blacklist. block_domain(d); block_domain(d) is
// equivalent to one call because the underlying set is idempotent.
func (b *Blacklist) Block(d string) {
	d = netutil.NormalizeDomain(d)
	if _, ok := dns.IsDomainName(d); !ok {
		return
	}
	b.mu.Lock()
	b.set[d] = true
	b.mu.Unlock()
}

// Unblock removes d from the blacklist.
func (b *Blacklist) Unblock(d string) {
	d = netutil.NormalizeDomain(d)
	b.mu.Lock()
	delete(b.set, d)
	b.mu.Unlock()
}

// Contains reports whether name is blacklisted.
func (b *Blacklist) Contains(name string) bool {
	name = netutil.NormalizeDomain(name)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set[name]
}

// List returns every blacklisted domain.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.set))
	for d := range b.set {
		out = append(out, d)
	}
	return out
}

// Import merges a list of domains into the blacklist.
func (b *Blacklist) Import(domains []string) {
	b.mu.Lock()
	for _, d := range domains {
		d = netutil.NormalizeDomain(d)
		if _, ok := dns.IsDomainName(d); !ok {
			continue
		}
		b.set[d] = true
	}
	b.mu.Unlock()
}

// LoadFile ingests a one-domain-per-line (optionally CSV, first field)
// text file into the blacklist, matching the teacher's antiphishing CSV
// ingestion convention. A missing file is not an error.
func (b *Blacklist) LoadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, ","); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.Block(line)
		n++
	}
	if b.slog != nil {
		b.slog.Infof("ingested %d blacklisted domains from %s", n, path)
	}
	return scanner.Err()
}
