package transportp2p

import (
	"fmt"

	"github.com/ccding/go-stun/stun"
)

// ExternalAddr asks a STUN server for this node's NAT type and external
// address, for the operator to hand to peers as a bootstrap address when
// the node sits behind a NAT libp2p's port mapping can't open. server may
// be empty to use the library's default.
func ExternalAddr(server string) (natType string, addr string, err error) {
	client := stun.NewClient()
	if server != "" {
		client.SetServerAddr(server)
	}
	nat, host, err := client.Discover()
	if err != nil {
		return "", "", fmt.Errorf("transportp2p: stun discover: %w", err)
	}
	if host == nil {
		return nat.String(), "", nil
	}
	return nat.String(), host.String(), nil
}
