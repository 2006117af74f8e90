// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoAddress is returned when no IPv4 address is assigned yet
var ErrNoAddress = errors.New("no IPv4 address assigned")

// AddressFunc looks up the node's IPv4 address on an interface
type AddressFunc func(iface string) (net.IP, error)

// LocalIPv4 returns the first IPv4 address of the named interface, or of
// the first interface that is up and not a loopback when iface is empty
func LocalIPv4(iface string) (net.IP, error) {
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", iface, err)
		}
		return interfaceIPv4(ifi)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, err := interfaceIPv4(ifi); err == nil {
			return ip, nil
		}
	}
	return nil, ErrNoAddress
}

func interfaceIPv4(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifi.Name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, ErrNoAddress
}

// ClientID derives the MQTT client id from a prefix and the node address
func ClientID(prefix string, ip net.IP) string {
	if ip == nil {
		return prefix
	}
	return prefix + ip.String()
}
