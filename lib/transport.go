package lib

import (
	"net"

	"golang.org/x/net/ipv4"
)

// listenUDP opens the datagram socket an endpoint runs on and applies the
// optional IPv4 TOS and TTL settings.
func listenUDP(ip string, port int, tos, ttl int) (net.PacketConn, error) {
	addr := &net.UDPAddr{Port: port}
	if ip != "" {
		addr.IP = net.ParseIP(ip)
		if addr.IP == nil {
			return nil, &net.AddrError{Err: "invalid IP address", Addr: ip}
		}
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	if tos > 0 || ttl > 0 {
		p := ipv4.NewPacketConn(conn)
		if tos > 0 {
			if err := p.SetTOS(tos); err != nil {
				conn.Close()
				return nil, err
			}
		}
		if ttl > 0 {
			if err := p.SetTTL(ttl); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}
	return conn, nil
}
