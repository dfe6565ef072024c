// Package discovery finds bridges on the local network via mDNS, so hosts
// can offer a bridge to pair with instead of asking for an IP address.
//
// The bridge advertises a plain HTTP service; instances are recognized by
// their instance-name prefix. Discovery is a convenience only: the client
// itself always connects to a configured address.
package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const (
	// serviceType is the DNS-SD service the bridge registers.
	serviceType = "_http._tcp"

	// serviceDomain is the mDNS domain.
	serviceDomain = "local."

	// instancePrefix identifies bridge instances among other HTTP services.
	instancePrefix = "xComfort"
)

// DefaultBrowseTimeout bounds a browse operation.
const DefaultBrowseTimeout = 10 * time.Second

// BridgeInfo describes one discovered bridge.
type BridgeInfo struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// HostName is the bridge's mDNS host name.
	HostName string

	// IP is the preferred address, IPv4 first.
	IP net.IP

	// Port is the advertised service port.
	Port int
}

// MDNSResolver is the interface to the underlying mDNS implementation.
// It allows injecting a fake in tests.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// Config holds configuration for the Browser.
type Config struct {
	// MDNSResolver overrides the mDNS implementation. Nil uses zeroconf.
	MDNSResolver MDNSResolver

	// BrowseTimeout bounds one Browse call (default 10s).
	BrowseTimeout time.Duration

	// LoggerFactory creates the browser logger. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory
}

// Browser discovers bridges on the LAN.
type Browser struct {
	resolver MDNSResolver
	timeout  time.Duration
	log      logging.LeveledLogger
}

// NewBrowser creates a Browser.
func NewBrowser(config Config) (*Browser, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		r, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = r
	}

	timeout := config.BrowseTimeout
	if timeout == 0 {
		timeout = DefaultBrowseTimeout
	}

	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	return &Browser{
		resolver: resolver,
		timeout:  timeout,
		log:      factory.NewLogger("discovery"),
	}, nil
}

// Browse scans for bridges until the timeout or context end, returning every
// instance whose name marks it as a bridge.
func (b *Browser) Browse(ctx context.Context) ([]BridgeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := b.resolver.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return nil, err
	}

	var found []BridgeInfo
	for entry := range entries {
		if entry == nil {
			continue
		}
		if !strings.HasPrefix(entry.Instance, instancePrefix) {
			continue
		}
		info := BridgeInfo{
			Instance: entry.Instance,
			HostName: entry.HostName,
			Port:     entry.Port,
		}
		if len(entry.AddrIPv4) > 0 {
			info.IP = entry.AddrIPv4[0]
		} else if len(entry.AddrIPv6) > 0 {
			info.IP = entry.AddrIPv6[0]
		}
		b.log.Debugf("found bridge %q at %s:%d", info.Instance, info.IP, info.Port)
		found = append(found, info)
	}
	return found, nil
}
