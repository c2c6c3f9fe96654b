// Package gateway wires the lease table, authorization set, record
// store, blacklist, query log, DHCP server, and DNS server into a
// single lifecycle-controlled unit, and exposes the admin operations of
// spec.md section 6 as plain Go methods. Grounded on the teacher's
// main() wiring order in ap.dhcp4d/ap.dns4d (prometheusInit then
// http.ListenAndServe in a goroutine, then the subsystem main loop).
package gateway

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/revdeluxe/CrabFlow-Canary/authset"
	"github.com/revdeluxe/CrabFlow-Canary/config"
	"github.com/revdeluxe/CrabFlow-Canary/dhcpd"
	"github.com/revdeluxe/CrabFlow-Canary/dnsd"
	"github.com/revdeluxe/CrabFlow-Canary/dnsrecord"
	"github.com/revdeluxe/CrabFlow-Canary/gwlog"
	"github.com/revdeluxe/CrabFlow-Canary/lease"
	"github.com/revdeluxe/CrabFlow-Canary/netutil"
	"github.com/revdeluxe/CrabFlow-Canary/querylog"
)

// sweepInterval is the default period of the lease-expiry sweep
// goroutine, per SPEC_FULL.md section 4.1.
const sweepInterval = 60 * time.Second

// Gateway owns every shared subsystem and both network servers.
type Gateway struct {
	Leases    *lease.Table
	Auth      *authset.Set
	Records   *dnsrecord.Store
	Blacklist *dnsrecord.Blacklist
	QueryLog  *querylog.Ring

	store *config.Store
	watch *config.Watcher
	slog  *zap.SugaredLogger

	dhcp *dhcpd.Server
	dns  *dnsd.Server

	metricsSrv *http.Server
	sweepStop  chan struct{}
}

// New builds a Gateway from the config file at cfgPath, using
// config.Default() if that file cannot be loaded. It does not start any
// network listeners; call Start for that.
func New(cfgPath string) (*Gateway, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	slog := gwlog.New("gateway")
	if err := gwlog.SetLevel(cfg.Log.Level); err != nil {
		slog.Warnf("invalid log level %q, keeping default: %v", cfg.Log.Level, err)
	}

	store := config.NewStore(cfg)
	watch, err := config.NewWatcher(cfgPath, store, slog)
	if err != nil {
		slog.Warnf("config hot-reload disabled: %v", err)
	}

	var bindAddr net.IP
	if cfg.DHCP.BindAddress != "" {
		bindAddr, err = netutil.ResolveBindAddress(cfg.DHCP.BindAddress)
		if err != nil {
			slog.Warnf("dhcp bind_address %q is neither an IP nor a known interface: %v", cfg.DHCP.BindAddress, err)
		}
	}

	leases := lease.New(lease.Config{
		RangeStart:  net.ParseIP(cfg.DHCP.RangeStart),
		RangeEnd:    net.ParseIP(cfg.DHCP.RangeEnd),
		Gateway:     net.ParseIP(cfg.DHCP.Gateway),
		BindAddr:    bindAddr,
		Duration:    time.Duration(cfg.DHCP.LeaseTimeSeconds) * time.Second,
		PersistPath: "leases.json",
	}, slog)
	if err := leases.LoadPersisted(); err != nil {
		slog.Warnf("loading persisted leases: %v", err)
	}

	auth := authset.New(time.Duration(cfg.CaptivePortal.SessionTimeoutSeconds) * time.Second)
	records := dnsrecord.NewStore()
	blacklist := dnsrecord.NewBlacklist(slog)
	qlog := querylog.New(querylog.DefaultCapacity)

	if cfg.CaptivePortal.Enabled {
		injectPortalRecord(records, cfg)
	}

	g := &Gateway{
		Leases: leases, Auth: auth, Records: records, Blacklist: blacklist,
		QueryLog: qlog, store: store, watch: watch, slog: slog,
	}
	g.dhcp = dhcpd.New(leases, store, slog)
	g.dns = dnsd.New(leases, store, auth, records, blacklist, qlog, slog)

	return g, nil
}

// injectPortalRecord synthesizes a local A-record for the configured
// portal FQDN at boot, per spec.md section 4.4. It is never persisted.
func injectPortalRecord(records *dnsrecord.Store, cfg *config.GatewayConfig) {
	records.Add(dnsrecord.Record{
		Name: cfg.CaptivePortal.PortalFQDN,
		Type: dnsrecord.A,
		Value: firstNonEmpty(cfg.DNS.UpstreamInterface, cfg.DHCP.Gateway),
		TTL:  hijackRecordTTL,
	})
}

const hijackRecordTTL = 60

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// StartDHCP starts the DHCP subsystem, if enabled in config.
func (g *Gateway) StartDHCP() error {
	if !g.store.Get().DHCP.Enabled {
		return nil
	}
	return g.dhcp.Start()
}

// StopDHCP stops the DHCP subsystem.
func (g *Gateway) StopDHCP() { g.dhcp.Stop() }

// StartDNS starts the DNS subsystem.
func (g *Gateway) StartDNS() error { return g.dns.Start() }

// StopDNS stops the DNS subsystem.
func (g *Gateway) StopDNS() { g.dns.Stop() }

// IsRunning reports whether either subsystem currently holds an open
// socket.
func (g *Gateway) IsRunning() bool {
	return g.dhcp.IsRunning() || g.dns.IsRunning()
}

// Start brings up both servers, the metrics exporter, and the lease
// sweep goroutine, matching the teacher's main() wiring order.
func (g *Gateway) Start() error {
	cfg := g.store.Get()

	if addr := cfg.Metrics.BindAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := g.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				g.slog.Warnf("metrics server exited: %v", err)
			}
		}()
	}

	g.sweepStop = make(chan struct{})
	go g.sweepLoop()

	if err := g.StartDHCP(); err != nil {
		g.slog.Errorf("dhcp subsystem failed to start: %v", err)
	}
	if err := g.StartDNS(); err != nil {
		return fmt.Errorf("dns subsystem failed to start: %w", err)
	}
	return nil
}

// Stop tears down every subsystem in reverse order.
func (g *Gateway) Stop() {
	g.StopDNS()
	g.StopDHCP()

	if g.sweepStop != nil {
		close(g.sweepStop)
	}
	if g.metricsSrv != nil {
		g.metricsSrv.Close()
	}
	if g.watch != nil {
		g.watch.Close()
	}
}

func (g *Gateway) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-g.sweepStop:
			return
		case <-t.C:
			if n := g.Leases.Sweep(); n > 0 {
				g.slog.Infof("lease sweep removed %d expired leases", n)
			}
		}
	}
}

// AuthorizeIP marks ip as authenticated through the captive portal.
func (g *Gateway) AuthorizeIP(ip string) string { return g.Auth.Authorize(ip) }

// AddStaticLease adds or replaces a static lease.
func (g *Gateway) AddStaticLease(ip, mac, hostname string) error {
	return g.Leases.AddStatic(ip, mac, hostname)
}

// RemoveLease removes the lease for ip.
func (g *Gateway) RemoveLease(ip string) error { return g.Leases.Remove(ip) }

// AddRecord inserts or replaces a DNS record.
func (g *Gateway) AddRecord(r dnsrecord.Record) { g.Records.Add(r) }

// UpdateRecord replaces the record at (oldName, oldType) with r.
func (g *Gateway) UpdateRecord(oldName string, oldType dnsrecord.Type, r dnsrecord.Record) {
	g.Records.Update(oldName, oldType, r)
}

// RemoveRecord deletes the record at (name, typ).
func (g *Gateway) RemoveRecord(name string, typ dnsrecord.Type) { g.Records.Remove(name, typ) }

// ListRecords returns every local DNS record.
func (g *Gateway) ListRecords() []dnsrecord.Record { return g.Records.List() }

// BlockDomain adds d to the blacklist.
func (g *Gateway) BlockDomain(d string) { g.Blacklist.Block(d) }

// UnblockDomain removes d from the blacklist.
func (g *Gateway) UnblockDomain(d string) { g.Blacklist.Unblock(d) }

// ImportBlacklist merges domains into the blacklist.
func (g *Gateway) ImportBlacklist(domains []string) { g.Blacklist.Import(domains) }

// GetBlacklist returns every blacklisted domain.
func (g *Gateway) GetBlacklist() []string { return g.Blacklist.List() }

// GetQueryLogs returns up to limit of the most recent query log entries.
func (g *Gateway) GetQueryLogs(limit int) []querylog.Entry { return g.QueryLog.Recent(limit) }

// SetUpstreamInterface updates the local bind address used for
// forwarded DNS queries and captive-portal hijack answers.
func (g *Gateway) SetUpstreamInterface(ip string) {
	cfg := *g.store.Get()
	cfg.DNS.UpstreamInterface = ip
	g.store.Set(&cfg)
}
