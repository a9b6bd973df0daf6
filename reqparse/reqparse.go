// Package reqparse implements C8: classifying inbound SSDP datagrams and
// turning them into schedule.Schedule entries — device-side M-SEARCH
// replies, and control-point-side NotifyReplyCP/MSearchReplyCP
// observations — grounded on navidrome's handleMSearch/sendSearchResponse
// (server/dlna/ssdp.go) generalized from its fixed ContentDirectory/
// ConnectionManager service pair to device.Info's arbitrary service list.
package reqparse

import (
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/schedule"
	"github.com/dlnakit/dlnakit/ssdp"
)

// ParseMX clamps an M-SEARCH MX header value to [1,5], defaulting to 1
// when absent or unparsable.
func ParseMX(raw string) int {
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 1
	}
	if n < 1 {
		n = 1
	}
	if n > 5 {
		n = 5
	}
	return n
}

// SameSubnet reports whether peerIP and localIP fall in the same subnet
// under mask. A nil mask disables filtering (reports true for everything),
// matching DLNA_DISCOVERY_NETMASK's "subnet filter" being an opt-in knob.
func SameSubnet(peerIP, localIP net.IP, mask net.IPMask) bool {
	if mask == nil {
		return true
	}
	p4, l4 := peerIP.To4(), localIP.To4()
	if p4 == nil || l4 == nil {
		return false
	}
	return p4.Mask(mask).Equal(l4.Mask(mask))
}

// ReplyTargets expands an M-SEARCH ST into the list of NT/USN targets a
// device replies with, mirroring navidrome's handleMSearch switch over ST
// (ssdp:all / upnp:rootdevice / deviceType / exact service type / exact
// UUID) but driven off dev's actual service list instead of two hardcoded
// service types.
func ReplyTargets(dev *device.Info, st string) []string {
	switch st {
	case "ssdp:all":
		targets := []string{"upnp:rootdevice", dev.UDN, dev.DeviceType}
		for _, s := range dev.Services {
			targets = append(targets, s.ServiceType)
		}
		return targets
	case "upnp:rootdevice":
		return []string{"upnp:rootdevice"}
	case dev.DeviceType:
		return []string{dev.DeviceType}
	case dev.UDN:
		return []string{dev.UDN}
	default:
		if dev.ServiceByType(st) != nil {
			return []string{st}
		}
		return nil
	}
}

// DeviceRequestHandler turns inbound M-SEARCH datagrams into a scheduled
// burst of 200 OK replies.
type DeviceRequestHandler struct {
	Dev           *device.Info
	UDP           *netio.UDPTransport
	Clock         clock.Clock
	LocalIP       net.IP
	Netmask       net.IPMask
	Rand          *rand.Rand
	MaxAgeSeconds int
	Server        string
	InterMsgDelay time.Duration
}

// HandleDatagram classifies raw as an M-SEARCH addressed at this device and,
// if it warrants a reply, returns a *schedule.Schedule ready for
// schedule.Queue.Enqueue. Returns (nil, nil) for anything dropped silently
// (empty datagram, non-M-SEARCH, unmatched ST, subnet mismatch) per
// spec.md §4.8 — nothing here is an error condition the caller must
// surface.
func (h *DeviceRequestHandler) HandleDatagram(raw []byte, peer *net.UDPAddr) (*schedule.Schedule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	msg, err := ssdp.Decode(raw)
	if err != nil {
		return nil, nil
	}
	if !msg.IsMSearch() {
		return nil, nil
	}

	st, ok := msg.Get("ST")
	if !ok || st == "" {
		return nil, nil
	}
	targets := ReplyTargets(h.Dev, st)
	if len(targets) == 0 {
		return nil, nil
	}

	if h.Netmask != nil && !SameSubnet(peer.IP, h.LocalIP, h.Netmask) {
		return nil, nil
	}

	mxStr, _ := msg.Get("MX")
	mx := ParseMX(mxStr)

	now := h.Clock.NowMS()
	var jitterMS int64
	if h.Rand != nil && mx > 0 {
		jitterMS = int64(h.Rand.Intn(mx*1000 + 1))
	}

	s := &schedule.Schedule{
		Kind:     schedule.KindMSearchReply,
		FireAtMS: now + jitterMS,
		Process:  func() error { return h.emitReplies(targets, peer) },
	}
	return s, nil
}

func (h *DeviceRequestHandler) emitReplies(targets []string, peer *net.UDPAddr) error {
	var firstErr error
	for i, target := range targets {
		usn := ssdp.USN(h.Dev.UDN, target)
		loc := h.Dev.URL("/device.xml")
		raw := ssdp.EncodeSearchResponse(h.MaxAgeSeconds, loc, h.Server, target, usn)
		if err := h.UDP.Send(raw, peer); err != nil && firstErr == nil {
			firstErr = err
		}
		if i < len(targets)-1 && h.InterMsgDelay > 0 {
			h.Clock.Sleep(h.InterMsgDelay)
		}
	}
	return firstErr
}

// ControlPointObservation is one decoded MSearchReplyCP or NotifyReplyCP
// event, ready for discovery.Engine to act on.
type ControlPointObservation struct {
	Kind     schedule.Kind // KindMSearchReplyCP or KindNotifyReplyCP
	Location string
	USN      string
	ST       string // search target (200 OK) or NT (NOTIFY)
	NTS      string // ssdp:alive / ssdp:byebye, empty for a 200 OK
}

// ParseControlPointDatagram classifies raw as a 200 OK search response or a
// NOTIFY alive/byebye. Returns ok=false for anything else (including
// malformed datagrams), which the caller drops silently. maxURLLen bounds
// the accepted LOCATION length (DLNA_MAX_URL_LEN): a peer advertising a
// longer URL is dropped rather than handed to discovery.Engine, which
// would otherwise HTTP-GET whatever URL an unauthenticated UDP datagram
// names; maxURLLen<=0 disables the check.
func ParseControlPointDatagram(raw []byte, maxURLLen int) (ControlPointObservation, bool) {
	msg, err := ssdp.Decode(raw)
	if err != nil {
		return ControlPointObservation{}, false
	}

	switch {
	case msg.IsSearchResponse():
		loc, _ := msg.Get("LOCATION")
		if !locationWithinLimit(loc, maxURLLen) {
			return ControlPointObservation{}, false
		}
		usn, _ := msg.Get("USN")
		st, _ := msg.Get("ST")
		return ControlPointObservation{Kind: schedule.KindMSearchReplyCP, Location: loc, USN: usn, ST: st}, true
	case msg.IsNotify():
		nts, _ := msg.Get("NTS")
		if nts != ssdp.NTSAlive && nts != ssdp.NTSByeBye {
			return ControlPointObservation{}, false
		}
		loc, _ := msg.Get("LOCATION")
		if !locationWithinLimit(loc, maxURLLen) {
			return ControlPointObservation{}, false
		}
		usn, _ := msg.Get("USN")
		nt, _ := msg.Get("NT")
		return ControlPointObservation{Kind: schedule.KindNotifyReplyCP, Location: loc, USN: usn, ST: nt, NTS: nts}, true
	default:
		return ControlPointObservation{}, false
	}
}

func locationWithinLimit(loc string, maxURLLen int) bool {
	return maxURLLen <= 0 || len(loc) <= maxURLLen
}
