package transportp2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
)

// NewHost creates the node's libp2p host: TCP transport, noise security,
// NAT port mapping and hole punching enabled. identity may be nil, in
// which case an ephemeral Ed25519 identity is generated (fine for tests,
// wrong for a production node whose peers pin its peer ID in their
// config).
func NewHost(ctx context.Context, port int, identity libp2pcrypto.PrivKey) (host.Host, error) {
	if identity == nil {
		priv, _, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("transportp2p: generate identity: %w", err)
		}
		identity = priv
	}

	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Identity(identity),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultMuxers,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transportp2p: create host: %w", err)
	}
	return h, nil
}

// LoadIdentity parses a raw libp2p private key previously produced by
// MarshalIdentity, for a node restarting with a stable peer ID.
func LoadIdentity(raw []byte) (libp2pcrypto.PrivKey, error) {
	return libp2pcrypto.UnmarshalPrivateKey(raw)
}

// MarshalIdentity renders a libp2p private key into the bytes LoadIdentity
// reads back.
func MarshalIdentity(priv libp2pcrypto.PrivKey) ([]byte, error) {
	return libp2pcrypto.MarshalPrivateKey(priv)
}
