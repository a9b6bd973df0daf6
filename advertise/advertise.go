// Package advertise implements C9: the repeating ssdp:alive burst and the
// ssdp:byebye shutdown sequence, grounded on navidrome's announcePresence/
// sendByeBye/periodicAnnounce/sendNotify (server/dlna/ssdp.go), generalized
// from its fixed 30-minute ticker and two-service NT list into a
// schedule.Queue entry driven by the facade's own loop, with the 4-part
// NT/USN burst spec.md §4.9 requires for an arbitrary service list.
package advertise

import (
	"time"

	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/schedule"
	"github.com/dlnakit/dlnakit/ssdp"
)

// Config parameterizes the advertise engine; defaults match spec.md §6.
type Config struct {
	MulticastHost string // e.g. "239.255.255.250:1900"
	IntervalMS    int64  // default 900000
	Server        string // SERVER header value
	InterMsgDelay time.Duration
	ByeByeSpacing time.Duration // default ~20s between the 3 byebye firings
	MaxAge        int           // floor for maxAgeSeconds, default 86400 per spec.md §6
}

// Engine owns the repeating Alive schedule and, on Stop, the byebye
// sequence for one device.
type Engine struct {
	dev   *device.Info
	udp   *netio.UDPTransport
	queue *schedule.Queue
	cfg   Config

	alive *schedule.Schedule
}

func New(dev *device.Info, udp *netio.UDPTransport, queue *schedule.Queue, cfg Config) *Engine {
	return &Engine{dev: dev, udp: udp, queue: queue, cfg: cfg}
}

// burstTargets returns the (NT) list for the 4-part burst: the bare UDN,
// upnp:rootdevice, the device type, then one entry per registered service —
// matching spec.md §4.9 items 1-4 exactly (getAllServiceTypes in the
// teacher hardcodes the last two of these as ContentDirectory/
// ConnectionManager; here it walks dev.Services).
func burstTargets(dev *device.Info) []string {
	targets := []string{dev.UDN, "upnp:rootdevice", dev.DeviceType}
	for _, s := range dev.Services {
		targets = append(targets, s.ServiceType)
	}
	return targets
}

// maxAgeSeconds is IntervalMS/1000 + 10 (enough slack for one missed burst),
// floored at cfg.MaxAge so a device never advertises a CACHE-CONTROL shorter
// than its configured minimum, matching dlna.maxAgeSeconds's reqparse-facing
// counterpart.
func (e *Engine) maxAgeSeconds() int {
	fromInterval := int(e.cfg.IntervalMS/1000) + 10
	if fromInterval > e.cfg.MaxAge {
		return fromInterval
	}
	return e.cfg.MaxAge
}

func (e *Engine) emitAliveBurst() error {
	var firstErr error
	loc := e.dev.URL("/device.xml")
	targets := burstTargets(e.dev)
	for i, nt := range targets {
		usn := ssdp.USN(e.dev.UDN, nt)
		raw := ssdp.EncodeNotify(e.cfg.MulticastHost, ssdp.NTSAlive, nt, usn, e.maxAgeSeconds(), loc, e.cfg.Server)
		if err := e.udp.Send(raw, nil); err != nil && firstErr == nil {
			firstErr = err
		}
		if i < len(targets)-1 && e.cfg.InterMsgDelay > 0 {
			time.Sleep(e.cfg.InterMsgDelay)
		}
	}
	return firstErr
}

// Start enqueues the repeating Alive schedule. Per spec.md §4.9 the first
// burst fires immediately (FireAtMS = now); callers typically call Start
// right after the device's HTTP routes are registered so the LOCATION URL
// in the first burst is already servable.
func (e *Engine) Start(nowMS int64) error {
	e.alive = &schedule.Schedule{
		Kind:     schedule.KindAlive,
		FireAtMS: nowMS,
		RepeatMS: e.cfg.IntervalMS,
		Process:  e.emitAliveBurst,
	}
	return e.queue.Enqueue(e.alive)
}

// Stop cancels the repeating Alive schedule and enqueues three ByeBye
// firings spaced cfg.ByeByeSpacing apart, matching navidrome's sendByeBye
// (sent immediately, no spacing) generalized per spec.md §4.9's "three
// emissions on shutdown, losses expected" requirement.
func (e *Engine) Stop(nowMS int64) error {
	if e.alive != nil {
		e.queue.Cancel(schedule.KindAlive)
	}

	targets := burstTargets(e.dev)
	loc := e.dev.URL("/device.xml")

	emit := func() error {
		var firstErr error
		for _, nt := range targets {
			usn := ssdp.USN(e.dev.UDN, nt)
			raw := ssdp.EncodeNotify(e.cfg.MulticastHost, ssdp.NTSByeBye, nt, usn, 0, loc, "")
			if err := e.udp.Send(raw, nil); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var firstErr error
	for i := 0; i < 3; i++ {
		s := &schedule.Schedule{
			Kind:     schedule.KindByeBye,
			FireAtMS: nowMS + int64(i)*e.cfg.ByeByeSpacing.Milliseconds(),
			Process:  emit,
		}
		if err := e.queue.Enqueue(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
