package transportp2p

import (
	"context"
	"time"

	"go.uber.org/zap"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

const (
	// DiscoveryNamespace is the rendezvous string cluster members advertise
	// under in the DHT.
	DiscoveryNamespace = "rbft-cluster"
	// DiscoveryInterval is how often the peer search re-runs.
	DiscoveryInterval = 30 * time.Second
	connectTimeout    = 30 * time.Second
)

// Discovery finds and connects cluster peers: configured bootstrap
// addresses first, then continuous Kademlia-DHT rendezvous under
// DiscoveryNamespace.
type Discovery struct {
	host   host.Host
	dht    *dht.IpfsDHT
	logger *zap.SugaredLogger
	cancel context.CancelFunc
}

// StartDiscovery connects to the bootstrap addresses and begins the DHT
// rendezvous loop. bootstrap entries are full multiaddrs including the
// /p2p/<peerID> component.
func StartDiscovery(ctx context.Context, h host.Host, bootstrap []string, logger *zap.SugaredLogger) (*Discovery, error) {
	ctx, cancel := context.WithCancel(ctx)
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		return nil, err
	}
	d := &Discovery{host: h, dht: kdht, logger: logger, cancel: cancel}

	for _, raw := range bootstrap {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			logger.Warnw("bad bootstrap multiaddr", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warnw("bootstrap multiaddr has no peer id", "addr", raw, "error", err)
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
		if err := h.Connect(cctx, *info); err != nil {
			logger.Warnw("bootstrap connect failed", "peer", info.ID, "error", err)
		}
		ccancel()
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		cancel()
		return nil, err
	}

	rd := routing.NewRoutingDiscovery(kdht)
	util.Advertise(ctx, rd, DiscoveryNamespace)
	go d.findPeersLoop(ctx, rd)

	return d, nil
}

func (d *Discovery) findPeersLoop(ctx context.Context, rd *routing.RoutingDiscovery) {
	ticker := time.NewTicker(DiscoveryInterval)
	defer ticker.Stop()
	for {
		peers, err := rd.FindPeers(ctx, DiscoveryNamespace)
		if err != nil {
			d.logger.Warnw("peer search failed", "error", err)
		} else {
			for info := range peers {
				if info.ID == d.host.ID() || len(info.Addrs) == 0 {
					continue
				}
				if d.host.Network().Connectedness(info.ID).String() == "Connected" {
					continue
				}
				cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
				if err := d.host.Connect(cctx, info); err != nil {
					d.logger.Debugw("peer connect failed", "peer", info.ID, "error", err)
				}
				ccancel()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the rendezvous loop and shuts the DHT down.
func (d *Discovery) Close() error {
	d.cancel()
	return d.dht.Close()
}
