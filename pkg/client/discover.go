package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// DefaultDiscoveryAddr is the broadcast address probed when none is given.
const DefaultDiscoveryAddr = "255.255.255.255:8888"

// Discover sends a discovery probe to addr (usually a broadcast address) and
// returns the host:port of the first server that answers. The probe is
// resent every 500ms until ctx ends.
func Discover(ctx context.Context, addr string) (string, error) {
	if addr == "" {
		addr = DefaultDiscoveryAddr
	}
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", fmt.Errorf("client: resolve discovery address: %w", err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return "", fmt.Errorf("client: discovery socket: %w", err)
	}
	defer func() { _ = pc.Close() }()

	buf := make([]byte, protocol.MaxDiscoveryDatagram)
	for {
		if _, err := pc.WriteTo([]byte(protocol.DiscoveryProbe), target); err != nil {
			return "", fmt.Errorf("client: send discovery probe: %w", err)
		}

		deadline := time.Now().Add(500 * time.Millisecond)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = pc.SetReadDeadline(deadline)

		for {
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return "", fmt.Errorf("client: read discovery reply: %w", err)
			}
			if server, ok := protocol.ParseDiscoveryReply(buf[:n]); ok {
				return server, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("client: no server answered: %w", err)
		}
	}
}
