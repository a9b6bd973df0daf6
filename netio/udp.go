// Package netio implements the UDP multicast and HTTP transports (spec.md
// C2/C3): bind-once, join-per-interface UDP multicast, non-blocking receive,
// and a chi-routed HTTP server plus a small HTTP client wrapper for SOAP and
// GENA calls.
package netio

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/ipv4"

	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/log"
)

// UDPTransport is the C2 transport: one multicast socket joined on every
// active interface, with a non-blocking recv the event loop polls each
// tick. Grounded on gossdp's createSsdpHeader/createSocket (per-interface
// ipv4.PacketConn.JoinGroup loop, tolerating individual interface failures)
// and navidrome's getActiveInterfaces (skip loopback/down interfaces).
type UDPTransport struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	group   net.IP
	addr    *net.UDPAddr
	bufSize int
}

// NewUDPTransport binds a UDP socket on 0.0.0.0:port and joins the multicast
// group on every interface in ifaces (all active interfaces if ifaces is
// nil, resolved by ActiveInterfaces). Per-interface join failures are
// aggregated into a non-fatal *multierror.Error and logged; the transport is
// usable as long as at least one interface joined, matching gossdp's
// didFindInterface guard.
func NewUDPTransport(ctx context.Context, groupAddr string, port int, ifaces []net.Interface, bufSize int) (*UDPTransport, error) {
	group := net.ParseIP(groupAddr)
	if group == nil {
		return nil, dlnaerr.Config("netio.NewUDPTransport", nil)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, dlnaerr.Transport("netio.NewUDPTransport", err)
	}

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastLoopback(true)

	if ifaces == nil {
		ifaces, err = ActiveInterfaces()
		if err != nil {
			_ = conn.Close()
			return nil, dlnaerr.Transport("netio.NewUDPTransport", err)
		}
	}

	var joinErrs *multierror.Error
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			joinErrs = multierror.Append(joinErrs, fmt.Errorf("interface %s: %w", iface.Name, err))
			continue
		}
		joined++
	}
	if joined == 0 {
		_ = conn.Close()
		return nil, dlnaerr.Transport("netio.NewUDPTransport", joinErrs.ErrorOrNil())
	}
	if joinErrs != nil {
		log.Warn(ctx, "some interfaces failed to join multicast group", joinErrs.ErrorOrNil())
	}

	return &UDPTransport{
		conn:    conn.(*net.UDPConn),
		pc:      pc,
		group:   group,
		addr:    &net.UDPAddr{IP: group, Port: port},
		bufSize: bufSize,
	}, nil
}

// SetMulticastInterface restricts outbound multicast sends to iface, used
// when replying on the interface a request arrived on.
func (t *UDPTransport) SetMulticastInterface(iface *net.Interface) error {
	return t.pc.SetMulticastInterface(iface)
}

// Send transmits b to the multicast group (or, if dst is non-nil, to dst
// directly — used for unicast M-SEARCH replies).
func (t *UDPTransport) Send(b []byte, dst *net.UDPAddr) error {
	target := t.addr
	if dst != nil {
		target = dst
	}
	_, err := t.conn.WriteToUDP(b, target)
	if err != nil {
		return dlnaerr.Transport("netio.UDPTransport.Send", err)
	}
	return nil
}

// RecvNonBlocking returns one datagram if one is immediately available, or
// (nil, nil, nil) if none is pending — the event loop calls this once per
// tick rather than blocking, matching spec.md's single-threaded loop model.
func (t *UDPTransport) RecvNonBlocking() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, t.bufSize)
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, nil, dlnaerr.Transport("netio.UDPTransport.RecvNonBlocking", err)
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, nil
		}
		return nil, nil, dlnaerr.Transport("netio.UDPTransport.RecvNonBlocking", err)
	}
	return buf[:n], addr, nil
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// ActiveInterfaces returns interfaces that are up, not loopback, and carry a
// usable IPv4 address — ported from navidrome's getActiveInterfaces.
func ActiveInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var active []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					active = append(active, iface)
					break
				}
			}
		}
	}
	return active, nil
}

// LocalIP returns the first non-loopback IPv4 address among active
// interfaces and ok=true, or ("", false) if no active interface carries
// one — ported from navidrome's getLocalIP, used to rewrite a device's
// advertised URL lazily (dlna.Device.Start passes it to
// device.Info.ResolveHost). Unlike the original, it does not
// fall back to "127.0.0.1": a caller that cannot resolve a real host has
// no usable base URL to advertise and must treat that as a configuration
// failure rather than silently binding to loopback.
func LocalIP() (string, bool) {
	ifaces, err := ActiveInterfaces()
	if err != nil || len(ifaces) == 0 {
		return "", false
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String(), true
				}
			}
		}
	}
	return "", false
}
