package protocol

import "strings"

const (
	// DiscoveryProbe is the datagram a client broadcasts to find a server.
	DiscoveryProbe = "MESSENGER_SERVER_DISCOVERY"

	// DiscoveryReplyPrefix precedes the host:port in a discovery answer.
	DiscoveryReplyPrefix = "MESSENGER_SERVER_AT:"

	// MaxDiscoveryDatagram bounds discovery packets in both directions.
	MaxDiscoveryDatagram = 1024
)

// IsDiscoveryProbe reports whether a datagram is a discovery request.
func IsDiscoveryProbe(data []byte) bool {
	return strings.TrimSpace(string(data)) == DiscoveryProbe
}

// DiscoveryReply encodes the answer advertising addr.
func DiscoveryReply(addr string) []byte {
	return []byte(DiscoveryReplyPrefix + addr)
}

// ParseDiscoveryReply extracts the advertised address from an answer.
func ParseDiscoveryReply(data []byte) (string, bool) {
	s := strings.TrimSpace(string(data))
	addr, ok := strings.CutPrefix(s, DiscoveryReplyPrefix)
	if !ok || addr == "" {
		return "", false
	}
	return addr, true
}
