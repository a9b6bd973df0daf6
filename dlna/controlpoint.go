package dlna

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/discovery"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/log"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/reqparse"
	"github.com/dlnakit/dlnakit/schedule"
	"github.com/dlnakit/dlnakit/soap"
	"github.com/dlnakit/dlnakit/ssdp"
)

// ControlPoint is the control-point half of C13, grounded on
// server/sonos_cast/sonos_cast.go's manual composition of discovery,
// transport, and per-action dispatch into one top-level type with no
// dependency-injection container — generalized from its Sonos-only device
// model and AVTransport-only action set to any UPnP device/service pair via
// package discovery and package soap.
type ControlPoint struct {
	cfg     *dlnacfg.Config
	clock   clock.Clock
	udp     *netio.UDPTransport
	httpSrv *netio.HTTPServerTransport
	httpCli *netio.HTTPClientTransport
	queue   *schedule.Queue
	disc    *discovery.Engine
	invoker *soap.Invoker
	gena    *gena.Manager

	callbackURL string

	lastQueueRunMS int64

	mu   sync.Mutex
	subs map[string]*gena.Subscription // key: udn + "|" + serviceType
}

// NewControlPoint builds a control point filtered to deviceTypeFilter (a
// substring match against each discovered device's declared type, "" for
// no filtering), retaining devices for deviceTTL since their last sighting,
// per spec.md §4.10.
func NewControlPoint(cfg *dlnacfg.Config, deviceTypeFilter string, deviceTTL time.Duration, onNotify func(udn string, pc gena.PropertyChange)) *ControlPoint {
	httpCli := netio.NewHTTPClientTransport(cfg.HTTPTimeout)
	cp := &ControlPoint{
		cfg:     cfg,
		clock:   clock.NewSystem(),
		httpCli: httpCli,
		disc:    discovery.New(httpCli, deviceTypeFilter, deviceTTL, cfg.XMLParserBufferSize),
		invoker: soap.NewInvoker(httpCli, cfg.XMLParserBufferSize),
		subs:    map[string]*gena.Subscription{},
	}
	cp.gena = gena.NewManager(httpCli, cfg.XMLParserBufferSize, func(pc gena.PropertyChange) {
		if onNotify != nil {
			cp.mu.Lock()
			udn := cp.udnForSID(pc.SID)
			cp.mu.Unlock()
			onNotify(udn, pc)
		}
	})
	return cp
}

func (cp *ControlPoint) udnForSID(sid string) string {
	for key, sub := range cp.subs {
		if sub.SID() == sid {
			if idx := indexByte(key, '|'); idx >= 0 {
				return key[:idx]
			}
		}
	}
	return ""
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Begin joins the SSDP multicast group, starts an HTTP server to receive
// GENA NOTIFYs at /notify, and enqueues the schedule queue the caller's
// Tick loop drives — spec.md §4.13's ControlPoint.begin().
func (cp *ControlPoint) Begin(ctx context.Context) error {
	udp, err := netio.NewUDPTransport(ctx, cp.cfg.SSDPMulticastAddr, cp.cfg.SSDPMulticastPort, cp.cfg.Interfaces, cp.cfg.MaxDatagramSize)
	if err != nil {
		return err
	}
	cp.udp = udp
	cp.queue = schedule.NewQueue(cp.clock, cp.cfg.ScheduleQueueCapacity)

	if cp.cfg.HTTPPort != 0 {
		host, ok := netio.LocalIP()
		if !ok {
			return dlnaerr.Config("dlna.ControlPoint.Begin", fmt.Errorf("no active non-loopback interface found"))
		}

		cp.httpSrv = netio.NewHTTPServerTransport()
		cp.httpSrv.Router().Method("NOTIFY", "/notify", http.HandlerFunc(cp.handleNotify))
		if err := cp.httpSrv.Start(fmt.Sprintf(":%d", cp.cfg.HTTPPort)); err != nil {
			return dlnaerr.Transport("dlna.ControlPoint.Begin", err)
		}
		cp.callbackURL = fmt.Sprintf("http://%s:%d/notify", host, cp.cfg.HTTPPort)
	}

	log.Info(ctx, "control point started")
	return nil
}

func (cp *ControlPoint) handleNotify(w http.ResponseWriter, req *http.Request) {
	sid := req.Header.Get("SID")
	body, err := io.ReadAll(req.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := cp.gena.HandleNotify(sid, body); err != nil {
		log.Warn(req.Context(), "notify handling failed", err)
	}
	w.WriteHeader(http.StatusOK)
}

// Search sends one M-SEARCH burst for st (e.g. "ssdp:all" or a specific
// service type) to the multicast group, per spec.md §4.10's active-scan
// entry point.
func (cp *ControlPoint) Search(st string) error {
	host := fmt.Sprintf("%s:%d", cp.cfg.SSDPMulticastAddr, cp.cfg.SSDPMulticastPort)
	raw := ssdp.EncodeMSearch(host, st, cp.cfg.MSearchMX)
	return cp.udp.Send(raw, nil)
}

// Tick polls for one inbound datagram, classifies and feeds it to the
// discovery engine, then dispatches any due schedule (throttled to
// cfg.SubscriptionCheckPeriod, since subscription renewals are this
// queue's main occupant) — spec.md §4.13's ControlPoint.loop() body as a
// single externally-driven step.
func (cp *ControlPoint) Tick(ctx context.Context) {
	raw, _, err := cp.udp.RecvNonBlocking()
	if err != nil {
		log.Warn(ctx, "udp recv failed", err)
	} else if raw != nil {
		if obs, ok := reqparse.ParseControlPointDatagram(raw, cp.cfg.MaxURLLen); ok {
			if err := cp.disc.HandleObservation(ctx, obs, cp.clock.NowMS()); err != nil {
				log.Warn(ctx, "discovery observation failed", err)
			}
		}
	}

	now := cp.clock.NowMS()
	if now-cp.lastQueueRunMS >= cp.cfg.SubscriptionCheckPeriod.Milliseconds() {
		cp.lastQueueRunMS = now
		for _, err := range cp.queue.Tick() {
			log.Warn(ctx, "scheduled action failed", err)
		}
	}
}

// GetDevices returns every currently known remote device.
func (cp *ControlPoint) GetDevices() []discovery.Device {
	return cp.disc.Devices()
}

// Invoke issues one SOAP action against udn's serviceType, per spec.md
// §4.13's ControlPoint.invoke().
func (cp *ControlPoint) Invoke(ctx context.Context, udn, serviceType, action string, args []soap.Argument) (soap.ActionReply, error) {
	dev, ok := cp.disc.Device(udn)
	if !ok {
		return soap.ActionReply{}, dlnaerr.State("dlna.ControlPoint.Invoke", fmt.Errorf("unknown device %q", udn))
	}
	svc, ok := dev.ServiceByType(serviceType)
	if !ok {
		return soap.ActionReply{}, dlnaerr.State("dlna.ControlPoint.Invoke", fmt.Errorf("device %q has no service %q", udn, serviceType))
	}
	return cp.invoker.Invoke(ctx, serviceType, svc.ControlURL, action, args)
}

// Subscribe opens a GENA subscription to udn's serviceType and schedules its
// renewal ahead of expiry, per spec.md §4.13's ControlPoint.subscribe() and
// §4.12's RenewGuard rule. The Subscription handle for a udn/serviceType
// pair is created once and reused; calling Subscribe again while it is
// still Subscribed returns that handle with gena.Subscribe's state error.
// Requires
// Begin to have been called with a nonzero HTTPPort so a callback URL
// exists for the remote device to NOTIFY.
func (cp *ControlPoint) Subscribe(ctx context.Context, udn, serviceType string, seconds int) (*gena.Subscription, error) {
	if cp.callbackURL == "" {
		return nil, dlnaerr.Config("dlna.ControlPoint.Subscribe", fmt.Errorf("no callback URL: HTTPPort not configured"))
	}
	dev, ok := cp.disc.Device(udn)
	if !ok {
		return nil, dlnaerr.State("dlna.ControlPoint.Subscribe", fmt.Errorf("unknown device %q", udn))
	}
	svc, ok := dev.ServiceByType(serviceType)
	if !ok {
		return nil, dlnaerr.State("dlna.ControlPoint.Subscribe", fmt.Errorf("device %q has no service %q", udn, serviceType))
	}

	key := udn + "|" + serviceType
	cp.mu.Lock()
	sub, exists := cp.subs[key]
	if !exists {
		sub = gena.NewSubscription(svc.EventSubURL, cp.callbackURL)
		cp.subs[key] = sub
	}
	cp.mu.Unlock()

	if err := cp.gena.Subscribe(ctx, sub, seconds, cp.clock.NowMS()); err != nil {
		return sub, err
	}

	cp.scheduleRenewal(key, sub, seconds)
	return sub, nil
}

// scheduleRenewal enqueues a repeating schedule that fires every
// seconds*1000 - RenewGuard(seconds) milliseconds, which (since every
// successful renewal requests the same timeout) lands consistently inside
// the renewal guard window ahead of each subsequent expiry, per spec.md
// §4.12. A renewal failure is left for the caller to notice via
// sub.State(); this package does not retry outside the normal repeat
// interval (each Renew call makes one attempt; after gena.MaxNotifyRetries
// consecutive failed calls package gena resets the subscription to
// Unsubscribed and Renew returns dlnaerr.ErrStaleSID).
func (cp *ControlPoint) scheduleRenewal(key string, sub *gena.Subscription, seconds int) {
	guard := gena.RenewGuard(seconds)
	repeatMS := int64(seconds)*1000 - guard.Milliseconds()
	if repeatMS <= 0 {
		repeatMS = guard.Milliseconds()
	}
	s := &schedule.Schedule{
		Kind:     schedule.KindSubscribe,
		FireAtMS: sub.ExpiresAt() - guard.Milliseconds(),
		RepeatMS: repeatMS,
		Process: func() error {
			return cp.gena.Renew(context.Background(), sub, seconds, cp.clock.NowMS())
		},
	}
	_ = cp.queue.Enqueue(s)
}

// Unsubscribe cancels udn's serviceType subscription, if any.
func (cp *ControlPoint) Unsubscribe(ctx context.Context, udn, serviceType string) error {
	key := udn + "|" + serviceType
	cp.mu.Lock()
	sub, ok := cp.subs[key]
	if ok {
		delete(cp.subs, key)
	}
	cp.mu.Unlock()
	if !ok {
		return nil
	}
	return cp.gena.Unsubscribe(ctx, sub)
}

// Close releases the control point's UDP socket, HTTP server, and
// discovery engine's TTL cache janitor goroutine.
func (cp *ControlPoint) Close(ctx context.Context) error {
	cp.disc.Close()
	if cp.udp != nil {
		_ = cp.udp.Close()
	}
	if cp.httpSrv != nil {
		return cp.httpSrv.Stop(ctx)
	}
	return nil
}
