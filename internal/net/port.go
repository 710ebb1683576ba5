package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free loopback port.
// The port is released before returning, so callers hand it to a child process that binds it shortly after.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// PortOf returns the TCP port of a listener address.
func PortOf(addr net.Addr) (int, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("address %s is not a TCP address", addr)
	}
	return tcpAddr.Port, nil
}
