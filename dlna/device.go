// Package dlna implements C13: the facade that composes every other
// package into the two entry points spec.md §4.13 describes — a host
// device's start/loop/stop lifecycle and a control point's begin/loop/
// get_devices/invoke/subscribe lifecycle. Grounded on server/dlna/dlna.go's
// Router (mutex-guarded running flag, context+cancel pair, Start/Stop) and
// server/sonos_cast/sonos_cast.go's manual top-level wiring (no DI
// container), generalized from navidrome's fixed ContentDirectory/
// ConnectionManager pair and Sonos-only control point into an arbitrary
// service list and arbitrary remote device type.
package dlna

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlnakit/dlnakit/advertise"
	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/log"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/reqparse"
	"github.com/dlnakit/dlnakit/schedule"
	"github.com/dlnakit/dlnakit/soap"
	"github.com/dlnakit/dlnakit/xmlio"
)

// ActionHandler answers one SOAP action invocation against a registered
// service. Returning a *dlnaerr.PeerRejection produces a Fault carrying its
// Code/Description; any other error produces a generic ActionFailed Fault.
type ActionHandler func(ctx context.Context, action string, args []soap.Argument) (soap.ActionReply, error)

type registeredService struct {
	info    *device.ServiceInfo
	scpd    string
	handler ActionHandler
}

// router is the subset of chi.Router this package depends on, kept narrow
// so registerRoutes can be exercised against a fake in tests without
// standing up a real chi mux.
type router interface {
	Get(pattern string, h http.HandlerFunc)
	Post(pattern string, h http.HandlerFunc)
	Method(method, pattern string, h http.Handler)
}

// Device hosts one UPnP device: it advertises over SSDP, serves its
// descriptor/SCPD/control/event URLs over HTTP, and answers SOAP actions
// and GENA subscriptions via handlers the caller registers per service.
type Device struct {
	cfg   *dlnacfg.Config
	info  *device.Info
	clock clock.Clock

	mu       sync.Mutex
	services []registeredService
	running  bool

	subMu        sync.Mutex
	callbackURLs map[string]map[string]string // serviceType -> sid -> callback URL

	udp     *netio.UDPTransport
	httpSrv *netio.HTTPServerTransport
	httpCli *netio.HTTPClientTransport
	queue   *schedule.Queue
	adv     *advertise.Engine
	reqH    *reqparse.DeviceRequestHandler

	lastSchedulerRunMS int64

	metrics *Metrics
}

// NewDevice constructs a device identity from cfg (see dlnacfg.Config);
// register services with AddService before calling Start, matching
// device.Info's "no AddService after start" rule (spec.md §4.5).
func NewDevice(cfg *dlnacfg.Config, deviceType string, metrics *Metrics) *Device {
	return &Device{
		cfg:          cfg,
		info:         device.New(cfg.UDN, deviceType, cfg.FriendlyName),
		clock:        clock.NewSystem(),
		metrics:      metrics,
		callbackURLs: map[string]map[string]string{},
	}
}

// Info exposes the underlying device model, mainly for tests and hosts
// that want to read back the resolved base URL or UDN.
func (d *Device) Info() *device.Info { return d.info }

// AddService registers one UPnP service: scpd is served verbatim at the
// service's SCPD path, and handler answers SOAP actions posted to its
// control path. Subscriptions to the service's event path are handled
// generically by the facade; hosts push NOTIFYs via NotifyChange.
func (d *Device) AddService(info *device.ServiceInfo, scpd string, handler ActionHandler) error {
	if err := d.info.AddService(info); err != nil {
		return err
	}
	d.mu.Lock()
	d.services = append(d.services, registeredService{info: info, scpd: scpd, handler: handler})
	d.mu.Unlock()
	return nil
}

// Start binds the device's HTTP and UDP transports, registers every route,
// and begins the repeating ssdp:alive burst. cfg.HTTPPort must be nonzero:
// the device's own LOCATION URL is derived from it, and this module's
// simple HTTPServerTransport.Start does not recover an OS-chosen ephemeral
// port (see netio/http.go).
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if d.cfg.HTTPPort == 0 {
		return dlnaerr.Config("dlna.Device.Start", fmt.Errorf("HTTPPort must be set explicitly"))
	}

	host, ok := netio.LocalIP()
	if !ok {
		return dlnaerr.Config("dlna.Device.Start", fmt.Errorf("no active non-loopback interface found"))
	}
	d.info.ResolveHost(host)
	d.info.MarkStarted(host, d.cfg.HTTPPort)

	d.httpSrv = netio.NewHTTPServerTransport()
	d.registerRoutes(d.httpSrv.Router())
	if err := d.httpSrv.Start(fmt.Sprintf(":%d", d.cfg.HTTPPort)); err != nil {
		return dlnaerr.Transport("dlna.Device.Start", err)
	}
	d.httpCli = netio.NewHTTPClientTransport(d.cfg.HTTPTimeout)

	udp, err := netio.NewUDPTransport(ctx, d.cfg.SSDPMulticastAddr, d.cfg.SSDPMulticastPort, d.cfg.Interfaces, d.cfg.MaxDatagramSize)
	if err != nil {
		return err
	}
	d.udp = udp

	d.queue = schedule.NewQueue(d.clock, d.cfg.ScheduleQueueCapacity)

	server := "Linux/1.0 UPnP/1.1 dlnakit/1.0"
	d.reqH = &reqparse.DeviceRequestHandler{
		Dev:           d.info,
		UDP:           d.udp,
		Clock:         d.clock,
		LocalIP:       net.ParseIP(host),
		Netmask:       d.cfg.DiscoveryNetmask,
		MaxAgeSeconds: maxAgeSeconds(d.cfg),
		Server:        server,
		InterMsgDelay: d.cfg.MultiMsgDelay,
	}

	d.adv = advertise.New(d.info, d.udp, d.queue, advertise.Config{
		MulticastHost: fmt.Sprintf("%s:%d", d.cfg.SSDPMulticastAddr, d.cfg.SSDPMulticastPort),
		IntervalMS:    d.cfg.AdvertiseIntervalMS,
		Server:        server,
		InterMsgDelay: d.cfg.MultiMsgDelay,
		ByeByeSpacing: 20 * time.Second,
		MaxAge:        d.cfg.MaxAge,
	})
	if err := d.adv.Start(d.clock.NowMS()); err != nil {
		return err
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	log.Info(ctx, "dlna device started", "udn", d.info.UDN, "base_url", d.info.BaseURL())
	return nil
}

// Tick runs one loop iteration: poll for an inbound M-SEARCH, dispatch due
// schedules (throttled to cfg.SchedulerPeriod), and sleep cfg.LoopDelay,
// matching the source's loop() body generalized into a method a caller's
// own context-aware loop can call repeatedly instead of this package
// looping forever internally.
func (d *Device) Tick(ctx context.Context) {
	raw, peer, err := d.udp.RecvNonBlocking()
	if err != nil {
		log.Warn(ctx, "udp recv failed", err)
	} else if raw != nil {
		s, err := d.reqH.HandleDatagram(raw, peer)
		if err != nil {
			log.Warn(ctx, "m-search parse failed", err)
		} else if s != nil {
			if err := d.queue.Enqueue(s); err != nil {
				log.Warn(ctx, "schedule queue full, dropping reply", err)
				if d.metrics != nil {
					d.metrics.DatagramsDropped.Inc()
				}
			}
		}
	}

	now := d.clock.NowMS()
	if now-d.lastSchedulerRunMS >= d.cfg.SchedulerPeriod.Milliseconds() {
		d.lastSchedulerRunMS = now
		for _, err := range d.queue.Tick() {
			log.Warn(ctx, "scheduled action failed", err)
		}
		if d.metrics != nil {
			d.metrics.SchedulesFired.Inc()
		}
	}
	d.clock.Sleep(d.cfg.LoopDelay)
}

// maxAgeSeconds derives the CACHE-CONTROL max-age advertised with M-SEARCH
// replies and ssdp:alive NOTIFYs: the advertise-interval-derived value (so
// the cache entry outlives the next scheduled refresh) floored at
// cfg.MaxAge, the spec's own stated default for this header.
func maxAgeSeconds(cfg *dlnacfg.Config) int {
	fromInterval := int(cfg.AdvertiseIntervalMS/1000) + 10
	if fromInterval > cfg.MaxAge {
		return fromInterval
	}
	return cfg.MaxAge
}

// Run drives Tick in a loop until ctx is cancelled, then performs an
// orderly Stop. This is the convenience entry point most hosts use;
// Start/Tick/Stop remain available individually for a caller that wants to
// interleave its own work between iterations.
func (d *Device) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return d.Stop(context.Background())
		default:
			d.Tick(ctx)
		}
	}
}

// Stop sends the ssdp:byebye sequence and closes both transports. The
// three byebye firings are spaced ~20s apart per spec.md §4.9, so this call
// blocks for roughly 40s while draining the queue (giving up after 45s) —
// acceptable for a
// deliberate shutdown call, unlike the steady-state Tick loop which must
// never block more than one loop delay.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if err := d.adv.Stop(d.clock.NowMS()); err != nil {
		log.Warn(ctx, "advertise stop failed", err)
	}
	for i := 0; i < 180 && d.queue.Len() > 0; i++ {
		d.queue.Tick()
		d.clock.Sleep(250 * time.Millisecond)
	}

	if err := d.httpSrv.Stop(ctx); err != nil {
		log.Warn(ctx, "http server stop failed", err)
	}
	if err := d.udp.Close(); err != nil {
		log.Warn(ctx, "udp close failed", err)
	}
	log.Info(ctx, "dlna device stopped", "udn", d.info.UDN)
	return nil
}

// NotifyChange publishes a GENA NOTIFY to every current subscriber of
// serviceType carrying the given property changes, matching spec.md
// §4.12's outbound eventing half (the inbound-subscription side of C12;
// the control-point side lives in package gena). One NOTIFY request is
// sent per subscriber, synchronously; a failing subscriber is logged and
// skipped, not retried, since eventing delivery is best-effort.
func (d *Device) NotifyChange(ctx context.Context, serviceType string, changes []gena.PropertyChange) {
	svc := d.info.ServiceByType(serviceType)
	if svc == nil || len(changes) == 0 {
		return
	}
	body := buildPropertySet(changes)

	for _, sid := range svc.Subscribers() {
		url, ok := d.callbackURL(serviceType, sid)
		if !ok {
			continue
		}
		seq := svc.NextSEQ(sid)
		headers := map[string]string{
			"SID": sid,
			"SEQ": fmt.Sprintf("%d", seq),
			"NT":  "upnp:event",
			"NTS": "upnp:propchange",
		}
		_, _, status, err := d.httpCli.MethodWithBody(ctx, "NOTIFY", url, "text/xml", body, headers)
		if err != nil {
			log.Warn(ctx, "notify delivery failed", err, "sid", sid)
		} else if status != 200 {
			log.Warn(ctx, fmt.Sprintf("notify rejected with status %d", status), "sid", sid)
		}
	}
}

func buildPropertySet(changes []gena.PropertyChange) []byte {
	var b bytes.Buffer
	e := xmlio.NewEmitter(&b)
	_ = e.Header()
	_ = e.Open("e:propertyset", "xmlns:e", "urn:schemas-upnp-org:event-1-0")
	for _, c := range changes {
		_ = e.Open("e:property")
		_ = e.Leaf(c.Name, c.Value)
		_ = e.Close()
	}
	_ = e.Close()
	return b.Bytes()
}

func (d *Device) setCallbackURL(serviceType, sid, url string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	m, ok := d.callbackURLs[serviceType]
	if !ok {
		m = map[string]string{}
		d.callbackURLs[serviceType] = m
	}
	m[sid] = url
}

func (d *Device) clearCallbackURL(serviceType, sid string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if m, ok := d.callbackURLs[serviceType]; ok {
		delete(m, sid)
	}
}

func (d *Device) callbackURL(serviceType, sid string) (string, bool) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	m, ok := d.callbackURLs[serviceType]
	if !ok {
		return "", false
	}
	url, ok := m[sid]
	return url, ok
}

// registerRoutes wires device.xml plus per-service SCPD/control/event
// paths, mirroring server/dlna/dlna.go's Routes() but driven off the
// dynamically-registered service list instead of two hardcoded services.
func (d *Device) registerRoutes(r router) {
	r.Get("/device.xml", func(w http.ResponseWriter, req *http.Request) {
		body, err := d.info.DescriptorXML()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write(body)
	})

	d.mu.Lock()
	services := append([]registeredService(nil), d.services...)
	d.mu.Unlock()

	for _, rs := range services {
		rs := rs
		r.Get(rs.info.SCPDPath, func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			_, _ = w.Write([]byte(rs.scpd))
		})
		r.Post(rs.info.ControlPath, d.controlHandler(rs))
		r.Method("SUBSCRIBE", rs.info.EventPath, d.subscribeHandler(rs))
		r.Method("UNSUBSCRIBE", rs.info.EventPath, d.unsubscribeHandler(rs))
	}
}

func (d *Device) controlHandler(rs registeredService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeFault(w, soap.ErrActionFailed, "failed to read request")
			return
		}
		action := soap.ActionFromSOAPAction(req.Header.Get("SOAPACTION"))
		args, err := soap.ParseRequestArgs(body, d.cfg.XMLParserBufferSize)
		if err != nil {
			writeFault(w, soap.ErrInvalidArgs, "invalid SOAP envelope")
			return
		}
		reply, err := rs.handler(req.Context(), action, args)
		if err != nil {
			if rej, ok := err.(*dlnaerr.PeerRejection); ok {
				writeFault(w, rej.Code, rej.Description)
				return
			}
			writeFault(w, soap.ErrActionFailed, err.Error())
			return
		}
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		w.Header().Set("Ext", "")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(soap.WriteResponse(rs.info.ServiceType, action, reply.Args))
	}
}

func writeFault(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(soap.WriteFault(code, description))
}

// subscribeHandler implements the device side of GENA SUBSCRIBE: a fresh
// request (CALLBACK+NT present, no SID) creates a new subscriber; a
// renewal (SID present, no CALLBACK/NT) refreshes it, per GENA's own
// semantics (the spec.md §4.12 state machine describes the control-point
// view of the same exchange; this is the device answering it).
func (d *Device) subscribeHandler(rs registeredService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		timeout := parseRequestedTimeout(req.Header.Get("TIMEOUT"), int(d.cfg.SubscriptionDuration.Seconds()))
		sid := req.Header.Get("SID")
		if sid == "" {
			sid = "uuid:" + uuid.NewString()
			if cb := extractCallbackURL(req.Header.Get("CALLBACK")); cb != "" {
				d.setCallbackURL(rs.info.ServiceType, sid, cb)
			}
		}
		rs.info.AddSubscriber(sid)
		w.Header().Set("SID", sid)
		w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", timeout))
		w.WriteHeader(http.StatusOK)
	}
}

func (d *Device) unsubscribeHandler(rs registeredService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sid := req.Header.Get("SID")
		rs.info.RemoveSubscriber(sid)
		d.clearCallbackURL(rs.info.ServiceType, sid)
		w.WriteHeader(http.StatusOK)
	}
}

// extractCallbackURL pulls the URL out of a CALLBACK header of the form
// "<http://host:port/path>".
func extractCallbackURL(header string) string {
	start := strings.Index(header, "<")
	end := strings.Index(header, ">")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return header[start+1 : end]
}

func parseRequestedTimeout(header string, fallback int) int {
	header = strings.TrimPrefix(header, "Second-")
	n, ok := soap.ParseIntPrefix(header)
	if !ok {
		return fallback
	}
	return n
}
