// Package dnsd implements the DNS server loop and the hijack/blacklist/
// local-record/upstream decision procedure described in spec.md section
// 4.4, grounded on the teacher's ap.dns4d localHandler/proxyHandler
// split but hand-rolled at the byte level for byte-identical answers.
package dnsd

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/authset"
	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/dnsrecord"
	"github.com/revdeluxe/CrabFlow-Canary/dnswire"
	"github.com/revdeluxe/CrabFlow-Canary/lease"
	"github.com/revdeluxe/CrabFlow-Canary/netutil"
	"github.com/revdeluxe/CrabFlow-Canary/querylog"
)

const (
	readTimeout     = time.Second
	upstreamTimeout = 2 * time.Second
	classIN         = 1

	hijackTTL = 60
)

type metrics struct {
	requests         prometheus.Counter
	blocked          prometheus.Counter
	hijacked         prometheus.Counter
	upstreamCnt      prometheus.Counter
	upstreamFailures prometheus.Counter
	upstreamTimeouts prometheus.Counter
	dropped          prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		requests:         registerCounter("dnsd_requests_total", "DNS queries handled"),
		blocked:          registerCounter("dnsd_blocked_total", "queries answered from the blacklist"),
		hijacked:         registerCounter("dnsd_hijacked_total", "queries redirected by the captive portal hijack"),
		upstreamCnt:      registerCounter("dnsd_upstream_total", "queries forwarded to an upstream resolver"),
		upstreamFailures: registerCounter("dnsd_upstream_failures_total", "upstream forward attempts that errored"),
		upstreamTimeouts: registerCounter("dnsd_upstream_timeouts_total", "upstream forward attempts that timed out"),
		dropped:          registerCounter("dnsd_dropped_total", "malformed or policy-dropped queries"),
	}
}

// registerCounter registers a counter with the default registry, reusing
// the already-registered collector if one of the same name exists. This
// lets multiple Server instances coexist in one process (e.g. tests)
// without panicking on duplicate registration.
func registerCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

// Server is the DNS listener.
type Server struct {
	leases    *lease.Table
	store     *config.Store
	auth      *authset.Set
	records   *dnsrecord.Store
	blacklist *dnsrecord.Blacklist
	log       *querylog.Ring
	slog      *zap.SugaredLogger
	m         *metrics

	mu      sync.Mutex
	conn    *net.UDPConn
	cancel  chan struct{}
	stopped chan struct{}
}

// New builds a Server wired to the shared gateway state.
func New(
	leases *lease.Table,
	store *config.Store,
	auth *authset.Set,
	records *dnsrecord.Store,
	blacklist *dnsrecord.Blacklist,
	qlog *querylog.Ring,
	slog *zap.SugaredLogger,
) *Server {
	return &Server{
		leases: leases, store: store, auth: auth, records: records,
		blacklist: blacklist, log: qlog, slog: slog, m: newMetrics(),
	}
}

// Start opens the UDP/53 socket and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 53})
	if err != nil {
		return err
	}

	s.conn = conn
	s.cancel = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.serve(conn, s.cancel, s.stopped)
	s.slog.Infof("dns server listening on :53")
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	cancel := s.cancel
	stopped := s.stopped
	s.conn = nil
	s.mu.Unlock()

	close(cancel)
	conn.Close()
	<-stopped
}

// IsRunning reports whether the server currently owns an open socket.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Server) serve(conn *net.UDPConn, cancel <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	buf := make([]byte, 1500)
	for {
		select {
		case <-cancel:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-cancel:
				return
			default:
				continue
			}
		}

		raw := append([]byte(nil), buf[:n]...)
		go s.handlePacket(conn, raw, addr)
	}
}

func (s *Server) handlePacket(conn *net.UDPConn, raw []byte, client *net.UDPAddr) {
	resp, ok := s.buildResponse(raw, client.IP.String())
	if ok {
		s.reply(conn, client, resp)
	}
}

// buildResponse runs the query decision procedure and returns the wire
// response to send back, if any. It touches no socket beyond the
// upstream-forwarding step, which keeps the rest directly testable.
func (s *Server) buildResponse(raw []byte, srcIP string) ([]byte, bool) {
	q, err := dnswire.Decode(raw)
	if err != nil {
		s.m.dropped.Inc()
		return nil, false
	}
	s.m.requests.Inc()

	cfg := s.store.Get()

	// 1. Source filter.
	if !cfg.DNS.AllowNonDHCPClients && !s.leases.IPLeased(srcIP) {
		s.m.dropped.Inc()
		return nil, false
	}

	gateway := net.ParseIP(cfg.DNS.UpstreamInterface)

	if q.QType == dnswire.TypeA && q.QClass == classIN {
		if resp, status, ok := s.tryHijack(q, cfg, srcIP, gateway); ok {
			s.logQuery(srcIP, q.Name, "A", status)
			return resp, true
		}

		if s.blacklist.Contains(q.Name) {
			resp := dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
				{Type: dnswire.TypeA, TTL: 0, IP: net.IPv4zero},
			})
			s.m.blocked.Inc()
			s.logQuery(srcIP, q.Name, "A", querylog.Blocked)
			return resp, true
		}

		if rec, ok := s.records.Lookup(q.Name, dnsrecord.A); ok {
			resp := dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
				{Type: dnswire.TypeA, TTL: rec.TTL, IP: net.ParseIP(rec.Value)},
			})
			s.logQuery(srcIP, q.Name, "A", querylog.Allowed)
			return resp, true
		}
	} else if resp, ok := s.tryLocalSupplement(q); ok {
		s.logQuery(srcIP, q.Name, qtypeName(q.QType), querylog.Allowed)
		return resp, true
	}

	if resp, ok := s.forwardUpstream(raw, cfg.DNS); ok {
		s.m.upstreamCnt.Inc()
		s.logQuery(srcIP, q.Name, qtypeName(q.QType), querylog.Forwarded)
		return resp, true
	}

	resp := dnswire.EncodeResponse(q, dnswire.FlagsNXDomain, nil)
	return resp, true
}

// tryHijack implements decision-procedure step 2: the captive-portal
// DNS rewrite for unauthorized clients.
func (s *Server) tryHijack(q *dnswire.Query, cfg *config.GatewayConfig, srcIP string, gateway net.IP) ([]byte, querylog.Status, bool) {
	cp := cfg.CaptivePortal
	if !cp.Enabled || s.auth.Contains(srcIP) || matchesAny(q.Name, cp.AllowedDomains) {
		return nil, 0, false
	}

	status := querylog.Redirected
	if matchesAny(q.Name, cp.DetectionDomains) {
		status = querylog.CaptiveDetect
	} else if strings.Contains(q.Name, netutil.NormalizeDomain(cp.PortalFQDN)) {
		status = querylog.Portal
	}

	resp := dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
		{Type: dnswire.TypeA, TTL: hijackTTL, IP: gateway},
	})
	s.m.hijacked.Inc()
	return resp, status, true
}

// tryLocalSupplement answers CNAME, MX, and PTR queries from the local
// record store / lease table directly, per SPEC_FULL.md section 4.4.
func (s *Server) tryLocalSupplement(q *dnswire.Query) ([]byte, bool) {
	switch q.QType {
	case dnswire.TypeCNAME:
		rec, ok := s.records.Lookup(q.Name, dnsrecord.CNAME)
		if !ok {
			return nil, false
		}
		return dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
			{Type: dnswire.TypeCNAME, TTL: rec.TTL, Name: rec.Value},
		}), true

	case dnswire.TypeMX:
		rec, ok := s.records.Lookup(q.Name, dnsrecord.MX)
		if !ok {
			return nil, false
		}
		return dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
			{Type: dnswire.TypeMX, TTL: rec.TTL, Name: rec.Value, Pref: 10},
		}), true

	case dnswire.TypePTR:
		return s.tryPTR(q)

	default:
		return nil, false
	}
}

// tryPTR answers a reverse lookup for an address that has an entry in the
// lease table with a non-empty hostname, using that bare hostname as the
// target name (no domain suffix is appended). Lease expiry and the DHCP
// range are not checked.
func (s *Server) tryPTR(q *dnswire.Query) ([]byte, bool) {
	ip := ptrNameToIP(q.Name)
	if ip == "" {
		return nil, false
	}
	for _, l := range s.leases.List() {
		if l.IP == ip && l.Hostname != "" {
			return dnswire.EncodeResponse(q, dnswire.FlagsSuccess, []dnswire.Answer{
				{Type: dnswire.TypePTR, TTL: 300, Name: l.Hostname},
			}), true
		}
	}
	return nil, false
}

// forwardUpstream implements decision-procedure step 5: forward the raw
// query to each configured upstream in order, returning the first
// verbatim response.
func (s *Server) forwardUpstream(raw []byte, dnsCfg config.DNS) ([]byte, bool) {
	laddr := &net.UDPAddr{IP: net.ParseIP(dnsCfg.UpstreamInterface)}

	for _, upstream := range dnsCfg.UpstreamServers {
		raddr, err := net.ResolveUDPAddr("udp4", upstream)
		if err != nil {
			s.m.upstreamFailures.Inc()
			continue
		}

		conn, err := net.DialUDP("udp4", laddr, raddr)
		if err != nil {
			s.m.upstreamFailures.Inc()
			continue
		}

		conn.SetDeadline(time.Now().Add(upstreamTimeout))
		if _, err := conn.Write(raw); err != nil {
			conn.Close()
			s.m.upstreamFailures.Inc()
			continue
		}

		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		conn.Close()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.m.upstreamTimeouts.Inc()
			} else {
				s.m.upstreamFailures.Inc()
			}
			continue
		}

		return append([]byte(nil), buf[:n]...), true
	}

	return nil, false
}

func (s *Server) reply(conn *net.UDPConn, addr *net.UDPAddr, resp []byte) {
	if _, err := conn.WriteToUDP(resp, addr); err != nil {
		s.slog.Warnf("dnsd: write failed: %v", err)
	}
}

func (s *Server) logQuery(srcIP, name, qtype string, status querylog.Status) {
	s.log.Append(querylog.Entry{
		Timestamp: time.Now(), ClientIP: srcIP, Domain: name, QType: qtype, Status: status,
	})
}

// matchesAny reports whether name equals one of domains or is a
// subdomain of one (suffix match on a label boundary).
func matchesAny(name string, domains []string) bool {
	for _, d := range domains {
		if netutil.IsDetectionMatch(name, d) {
			return true
		}
	}
	return false
}

func qtypeName(t uint16) string {
	switch t {
	case dnswire.TypeA:
		return "A"
	case dnswire.TypeAAAA:
		return "AAAA"
	case dnswire.TypeCNAME:
		return "CNAME"
	case dnswire.TypeMX:
		return "MX"
	case dnswire.TypePTR:
		return "PTR"
	default:
		return "?"
	}
}

// ptrNameToIP converts a "d.c.b.a.in-addr.arpa" query name back into its
// dotted-quad IPv4 address, or "" if name is not a valid PTR name.
func ptrNameToIP(name string) string {
	if !strings.HasSuffix(name, ".in-addr.arpa") {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa"), ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0]
}
