// Package discovery implements C10: the control-point side device table.
// M-SEARCH replies and NOTIFY observations (reqparse.ControlPointObservation)
// feed in; descriptors are fetched and parsed on first sighting; ssdp:byebye
// removes the device. Grounded on server/sonos_cast/discovery.go's Scan/
// fetchDeviceDescription and its DeviceCache (server/sonos_cast/types.go),
// generalized from Sonos-only devices to any UPnP device type and backed by
// a TTL cache instead of a hand-rolled map+mutex.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/reqparse"
	"github.com/dlnakit/dlnakit/xmlio"
)

var errNoDeviceElement = errors.New("descriptor has no device element")

// ServiceRef is a control-point's view of one remote service: enough to
// invoke it (soap.Invoker needs ServiceType + ControlURL) or subscribe to
// it (gena.Manager needs ServiceType + EventSubURL).
type ServiceRef struct {
	ServiceType string
	ServiceID   string
	SCPDURL     string
	ControlURL  string
	EventSubURL string
}

// Device is a control-point's record of one remote UPnP device.
type Device struct {
	UDN          string
	DeviceType   string
	FriendlyName string
	BaseURL      string
	Services     []ServiceRef
	LastSeenAt   int64 // ms, per the engine's clock source
}

// ServiceByType returns the matching ServiceRef, or ok=false.
func (d Device) ServiceByType(serviceType string) (ServiceRef, bool) {
	for _, s := range d.Services {
		if s.ServiceType == serviceType {
			return s, true
		}
	}
	return ServiceRef{}, false
}

// Engine is the control-point discovery loop: it owns the device table and
// reacts to reqparse.ControlPointObservation values the facade feeds it
// from incoming UDP datagrams.
type Engine struct {
	http    *netio.HTTPClientTransport
	filter  string // substring match against DeviceType; "" matches everything
	bufSize int     // xmlio.Parser lookahead buffer size; 0 uses xmlio's default

	table *ttlcache.Cache[string, *Device]

	mu      sync.Mutex
	byebyes map[string]bool
}

// New builds a discovery Engine. deviceTTL bounds how long a device is kept
// without being re-observed (an alive refresh resets it); deviceTypeFilter
// is matched as a substring against each descriptor's declared device type,
// per spec.md §4.10 ("substring or equality as configured"); xmlParserBufSize
// sizes the lookahead buffer fetchDescriptor's xmlio.Parser reads through
// (spec.md §6's XML_PARSER_BUFFER_SIZE).
func New(httpClient *netio.HTTPClientTransport, deviceTypeFilter string, deviceTTL time.Duration, xmlParserBufSize int) *Engine {
	table := ttlcache.New[string, *Device](
		ttlcache.WithTTL[string, *Device](deviceTTL),
	)
	go table.Start()
	return &Engine{
		http:    httpClient,
		filter:  deviceTypeFilter,
		bufSize: xmlParserBufSize,
		table:   table,
		byebyes: map[string]bool{},
	}
}

// Close stops the underlying TTL cache's janitor goroutine.
func (e *Engine) Close() {
	e.table.Stop()
}

// Devices returns a snapshot of every currently known device.
func (e *Engine) Devices() []Device {
	items := e.table.Items()
	out := make([]Device, 0, len(items))
	for _, it := range items {
		out = append(out, *it.Value())
	}
	return out
}

// Device returns the device with the given UDN, if known.
func (e *Engine) Device(udn string) (Device, bool) {
	item := e.table.Get(udn)
	if item == nil {
		return Device{}, false
	}
	return *item.Value(), true
}

// matchesFilter reports whether deviceType satisfies the configured filter.
func (e *Engine) matchesFilter(deviceType string) bool {
	if e.filter == "" {
		return true
	}
	return strings.Contains(deviceType, e.filter) || deviceType == e.filter
}

// HandleObservation processes one reqparse.ControlPointObservation: for a
// 200 OK or ssdp:alive with a LOCATION not yet seen (or previously marked
// byebye), it fetches and parses the descriptor and stores/refreshes the
// device under its UDN (extracted from USN, matching spec.md's "udn[::
// target]" USN shape). For ssdp:byebye it only removes the device record;
// cancelling any gena.Manager subscriptions to that device is left to the
// caller. Deduplication key is always UDN, never LOCATION, per spec.md
// §4.10's "MUST NOT create duplicate DeviceInfo entries for the same UDN".
func (e *Engine) HandleObservation(ctx context.Context, obs reqparse.ControlPointObservation, nowMS int64) error {
	udn := udnFromUSN(obs.USN)
	if udn == "" {
		return nil
	}

	if obs.NTS == "ssdp:byebye" {
		e.mu.Lock()
		e.byebyes[udn] = true
		e.mu.Unlock()
		e.table.Delete(udn)
		return nil
	}

	e.mu.Lock()
	wasByeBye := e.byebyes[udn]
	e.mu.Unlock()

	if existing := e.table.Get(udn); existing != nil && !wasByeBye {
		d := existing.Value()
		d.LastSeenAt = nowMS
		e.table.Set(udn, d, ttlcache.DefaultTTL)
		return nil
	}

	if obs.Location == "" {
		return nil
	}

	dev, err := e.fetchDescriptor(ctx, obs.Location)
	if err != nil {
		return err
	}
	if !e.matchesFilter(dev.DeviceType) {
		return nil
	}
	dev.UDN = udn
	dev.LastSeenAt = nowMS

	e.mu.Lock()
	delete(e.byebyes, udn)
	e.mu.Unlock()

	e.table.Set(udn, dev, ttlcache.DefaultTTL)
	return nil
}

func udnFromUSN(usn string) string {
	if usn == "" {
		return ""
	}
	if idx := strings.Index(usn, "::"); idx >= 0 {
		return usn[:idx]
	}
	return usn
}

// fetchDescriptor HTTP-GETs a remote device's descriptor and parses it
// through xmlio.Parser rather than encoding/xml.Unmarshal: the body is
// attacker-controlled (any device answering SSDP can serve it), so it goes
// through the same depth-limited parser gena.Manager.HandleNotify and
// soap's response/fault parsing use for other untrusted-peer XML, instead
// of a second, unguarded encoding/xml entry point.
func (e *Engine) fetchDescriptor(ctx context.Context, location string) (*Device, error) {
	body, err := e.http.Get(ctx, location)
	if err != nil {
		return nil, err
	}

	p := xmlio.NewParserSize(bytes.NewReader(body), e.bufSize)
	if _, found, err := p.FindElement("device"); err != nil {
		return nil, dlnaerr.Protocol("discovery.fetchDescriptor", err)
	} else if !found {
		return nil, dlnaerr.Protocol("discovery.fetchDescriptor", errNoDeviceElement)
	}

	base := baseURLFromLocation(location)
	dev := &Device{BaseURL: base}

	for {
		name, err := p.FirstChildElement()
		if err != nil {
			break
		}
		switch name.Local {
		case "deviceType":
			dev.DeviceType, err = p.InnerText()
		case "friendlyName":
			dev.FriendlyName, err = p.InnerText()
		case "serviceList":
			err = parseServiceList(p, base, dev)
		default:
			_, err = p.InnerText()
		}
		if err != nil {
			return nil, dlnaerr.Protocol("discovery.fetchDescriptor", err)
		}
	}
	return dev, nil
}

// parseServiceList reads the <service> children of a <serviceList> element
// the parser has just entered via FirstChildElement, appending a ServiceRef
// to dev for each one.
func parseServiceList(p *xmlio.Parser, base string, dev *Device) error {
	for {
		name, err := p.FirstChildElement()
		if err != nil {
			return nil
		}
		if name.Local != "service" {
			if _, err := p.InnerText(); err != nil {
				return err
			}
			continue
		}
		kvs, err := p.Children()
		if err != nil {
			return err
		}
		var s ServiceRef
		for _, kv := range kvs {
			switch kv.Name {
			case "serviceType":
				s.ServiceType = kv.Value
			case "serviceId":
				s.ServiceID = kv.Value
			case "SCPDURL":
				s.SCPDURL = resolveURL(base, kv.Value)
			case "controlURL":
				s.ControlURL = resolveURL(base, kv.Value)
			case "eventSubURL":
				s.EventSubURL = resolveURL(base, kv.Value)
			}
		}
		dev.Services = append(dev.Services, s)
	}
}

// baseURLFromLocation strips everything from LOCATION after the host:port,
// mirroring how a control point derives a device's base URL from the
// descriptor URL it fetched (server/sonos_cast/discovery.go's
// parseIPPort/fetchDeviceDescription does the analogous thing for Sonos
// devices specifically; this generalizes it to any UPnP LOCATION).
func baseURLFromLocation(location string) string {
	idx := strings.Index(location, "://")
	if idx < 0 {
		return location
	}
	rest := location[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return location
	}
	return location[:idx+3+slash]
}

func resolveURL(base, rel string) string {
	if rel == "" {
		return ""
	}
	if strings.HasPrefix(rel, "http://") || strings.HasPrefix(rel, "https://") {
		return rel
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return strings.TrimSuffix(base, "/") + rel
}

// WaitForDevices blocks the caller (via repeated short polls) until either
// maxMS has elapsed or at least one device is known and minMS has elapsed —
// matching spec.md §4.10 item 4. sleep is injected so tests don't depend on
// wall-clock time.
func WaitForDevices(e *Engine, minMS, maxMS int64, nowMS func() int64, sleep func(time.Duration)) bool {
	start := nowMS()
	for {
		elapsed := nowMS() - start
		haveOne := len(e.Devices()) > 0
		if haveOne && elapsed >= minMS {
			return true
		}
		if elapsed >= maxMS {
			return haveOne
		}
		sleep(10 * time.Millisecond)
	}
}
