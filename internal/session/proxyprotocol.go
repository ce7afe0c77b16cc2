package session

import (
	"fmt"
	"net"
)

// ProxyProtocolV1Header builds the PROXY protocol v1 line spec.md §6
// names: "PROXY TCP4 <src-ip> <dst-ip> <src-port> <dst-port>\r\n",
// selecting TCP4 or TCP6 per address family (grounded in
// original_source/amqpprox_proxyprotocolheaderv1.h).
func ProxyProtocolV1Header(src, dst *net.TCPAddr) []byte {
	family := "TCP4"
	if src.IP.To4() == nil || dst.IP.To4() == nil {
		family = "TCP6"
	}
	line := fmt.Sprintf("PROXY %s %s %s %d %d\r\n", family, src.IP.String(), dst.IP.String(), src.Port, dst.Port)
	return []byte(line)
}
