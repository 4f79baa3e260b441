package server

import (
	"errors"
	"net"
	"strconv"

	"github.com/NicolasHaas/messenger/pkg/protocol"
)

// startDiscovery binds the UDP discovery responder. An empty address disables it.
func (s *Server) startDiscovery() error {
	if s.cfg.DiscoveryAddr == "" {
		return nil
	}
	pc, err := net.ListenPacket("udp", s.cfg.DiscoveryAddr)
	if err != nil {
		return err
	}
	s.discovery = pc
	s.logger.Info("discovery responder listening", "addr", pc.LocalAddr().String())

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.serveDiscovery(pc)
	}()
	return nil
}

func (s *Server) serveDiscovery(pc net.PacketConn) {
	buf := make([]byte, protocol.MaxDiscoveryDatagram)
	for {
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("discovery read error", "err", err)
			continue
		}
		if !protocol.IsDiscoveryProbe(buf[:n]) {
			continue
		}
		s.metrics.DiscoveryQueries.Add(1)

		addr := s.advertiseFor(peer)
		if _, err := pc.WriteTo(protocol.DiscoveryReply(addr), peer); err != nil {
			s.logger.Debug("discovery reply failed", "peer", peer.String(), "err", err)
			continue
		}
		s.logger.Debug("answered discovery probe", "peer", peer.String(), "advertised", addr)
	}
}

// advertiseFor picks the host:port a given peer should connect to.
func (s *Server) advertiseFor(peer net.Addr) string {
	port := ""
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}

	if adv := s.cfg.AdvertiseAddr; adv != "" {
		if _, _, err := net.SplitHostPort(adv); err == nil {
			return adv
		}
		return net.JoinHostPort(adv, port)
	}
	return net.JoinHostPort(localIPFor(peer), port)
}

// localIPFor returns the local address the kernel would route to peer. No
// packet is sent by a UDP dial.
func localIPFor(peer net.Addr) string {
	udp, ok := peer.(*net.UDPAddr)
	if !ok || udp.IP == nil || udp.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	conn, err := net.DialUDP("udp", nil, udp)
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return local.IP.String()
	}
	return "127.0.0.1"
}
