// Package dhcpd implements the DHCP server loop described in spec.md
// section 4.3, grounded on the teacher's ap.dhcp4d listener
// (mainLoop/listenAndServeIf/MultiConn). Packet encode/decode lives in
// dhcpwire, which borrows its option/message-type constants from
// github.com/krolaw/dhcp4 but hand-rolls the byte layout itself rather
// than going through that package's Serve abstraction, so replies stay
// byte-identical to what spec.md section 4.3 requires.
package dhcpd

import (
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/dhcpwire"
	"github.com/revdeluxe/CrabFlow-Canary/lease"
)

// readTimeout bounds each ReadFrom so the accept loop can observe
// cancellation promptly, per spec.md section 4.5.
const readTimeout = time.Second

var broadcastAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: 68}

type metrics struct {
	discovers prometheus.Counter
	requests  prometheus.Counter
	offers    prometheus.Counter
	acks      prometheus.Counter
	nacks     prometheus.Counter
	dropped   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		discovers: registerCounter("dhcpd_discovers_total", "DHCPDISCOVER packets received"),
		requests:  registerCounter("dhcpd_requests_total", "DHCPREQUEST packets received"),
		offers:    registerCounter("dhcpd_offers_total", "DHCPOFFER packets sent"),
		acks:      registerCounter("dhcpd_acks_total", "DHCPACK packets sent"),
		nacks:     registerCounter("dhcpd_nacks_total", "DHCPREQUEST packets that could not be satisfied"),
		dropped:   registerCounter("dhcpd_dropped_total", "malformed or unrecognized packets dropped"),
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

// Server is the DHCP listener. It owns one UDP/67 socket and serves
// DISCOVER/REQUEST packets against a shared lease.Table until Stop is
// called.
type Server struct {
	leases *lease.Table
	store  *config.Store
	slog   *zap.SugaredLogger
	m      *metrics

	mu       sync.Mutex
	conn     *net.UDPConn
	cancel   chan struct{}
	stopped  chan struct{}
	bindPort int // DefaultPort (67), set by New
}

// DefaultPort is the standard DHCP server port.
const DefaultPort = 67

// New builds a Server bound to the given lease table and config store.
// It does not start listening; call Start for that.
func New(leases *lease.Table, store *config.Store, slog *zap.SugaredLogger) *Server {
	return &Server{leases: leases, store: store, slog: slog, m: newMetrics(), bindPort: DefaultPort}
}

// Start opens the UDP socket and begins serving in a background
// goroutine. Calling Start while already running is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	laddr := &net.UDPAddr{Port: s.bindPort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	if err := enableBroadcast(conn); err != nil {
		s.slog.Warnf("dhcpd: could not enable SO_BROADCAST: %v", err)
	}

	s.conn = conn
	s.cancel = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.serve(conn, s.cancel, s.stopped)
	s.slog.Infof("dhcp server listening on %s", laddr)
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
		n, _, err := conn.ReadFromUDP(buf)
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

		s.handlePacket(conn, append([]byte(nil), buf[:n]...))
	}
}

func (s *Server) handlePacket(conn *net.UDPConn, raw []byte) {
	reply, ok := s.buildReply(raw)
	if ok {
		s.send(conn, reply)
	}
}

// buildReply runs the DISCOVER/REQUEST decision procedure against the
// shared lease table and returns the encoded reply to send, if any. It
// touches no socket, which keeps it directly testable.
func (s *Server) buildReply(raw []byte) ([]byte, bool) {
	req, err := dhcpwire.Decode(raw)
	if err != nil {
		s.m.dropped.Inc()
		return nil, false
	}

	cfg := s.store.Get().DHCP
	if !cfg.Enabled {
		return nil, false
	}

	gateway := net.ParseIP(cfg.Gateway)
	subnetMask := net.ParseIP(cfg.SubnetMask)

	// Option 6: while dhcp.captive_portal is on, clients are handed the
	// gateway itself as their only DNS server, so every lookup flows
	// through the hijack/enforcement path. dhcp.captive_portal is the
	// DHCP section's own flag for this (distinct from captive_portal.enabled,
	// which gates the DNS-side hijack decision) — see spec.md section 3.
	var dnsServers []net.IP
	if cfg.CaptivePortal {
		dnsServers = []net.IP{gateway}
	} else {
		for _, d := range cfg.DNSServers {
			if ip := net.ParseIP(d); ip != nil {
				dnsServers = append(dnsServers, ip)
			}
		}
	}

	mac := req.CHAddr.String()
	hostname := req.Hostname

	switch req.MsgType {
	case dhcpwire.MsgDiscover:
		s.m.discovers.Inc()

		ip, ok := s.leases.FindFreeIPReadonly(mac)
		if !ok {
			s.slog.Warnf("dhcpd: no free address for %s", mac)
			return nil, false
		}

		reply := dhcpwire.Encode(dhcpwire.Reply{
			XID: req.XID, YIAddr: net.ParseIP(ip), Gateway: gateway,
			CHAddr: req.CHAddr, MsgType: dhcpwire.MsgOffer,
			SubnetMask: subnetMask, LeaseTime: cfg.LeaseTimeSeconds,
			DNSServers: dnsServers,
		})
		s.m.offers.Inc()
		return reply, true

	case dhcpwire.MsgRequest:
		s.m.requests.Inc()

		var ip string
		var ok bool
		if req.RequestedIP != nil {
			ip, ok = s.leases.AllocateRequested(mac, hostname, req.RequestedIP.String())
		} else {
			ip, ok = s.leases.AllocateDynamic(mac, hostname)
		}
		if !ok {
			s.m.nacks.Inc()
			s.slog.Warnf("dhcpd: could not satisfy request from %s", mac)
			return nil, false
		}

		reply := dhcpwire.Encode(dhcpwire.Reply{
			XID: req.XID, YIAddr: net.ParseIP(ip), Gateway: gateway,
			CHAddr: req.CHAddr, MsgType: dhcpwire.MsgACK,
			SubnetMask: subnetMask, LeaseTime: cfg.LeaseTimeSeconds,
			DNSServers: dnsServers,
		})
		s.m.acks.Inc()
		return reply, true

	default:
		s.m.dropped.Inc()
		return nil, false
	}
}

func (s *Server) send(conn *net.UDPConn, reply []byte) {
	if _, err := conn.WriteToUDP(reply, broadcastAddr); err != nil {
		s.slog.Warnf("dhcpd: write failed: %v", err)
	}
}

// enableBroadcast sets SO_BROADCAST on the underlying socket so replies
// can be addressed to 255.255.255.255, since a freshly created UDP
// socket on Linux does not permit broadcast writes by default.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
