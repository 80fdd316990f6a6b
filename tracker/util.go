package tracker

import (
	"net"
	"time"
)

func parseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func secondsToDuration(s uint32) time.Duration {
	return time.Duration(s) * time.Second
}
