// Copyright (c) 2025 The Rio Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package socket

import (
	"net"
	"syscall"
)

// Family returns the address family matching addr.
func Family(addr *net.TCPAddr) int {
	if addr != nil && addr.IP.To4() == nil && len(addr.IP) == net.IPv6len {
		return syscall.AF_INET6
	}
	return syscall.AF_INET
}

// TCPAddrs converts resolved IP addresses into dial candidates for port.
func TCPAddrs(ips []net.IPAddr, port int) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
	}
	return addrs
}
