// Package device implements C5: the in-memory device model a host device
// advertises over SSDP and serves over HTTP — its descriptor XML, its
// service list, and the subscription-state each service's eventing side
// tracks. Generalized from navidrome's fixed two-service
// (ContentDirectory+ConnectionManager) DeviceDescription/Service/IconList
// structs (server/dlna/device.go) into an arbitrary service list any host
// can register, since this module is not tied to media serving.
package device

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dlnakit/dlnakit/dlnaerr"
)

// Icon describes one entry in the device's iconList. IsDefault marks the
// icon a control point without size preference should use — recovered from
// original_source/'s Icon.h default-icon concept (SPEC_FULL.md §12); the
// teacher always advertised exactly two fixed-size PNGs with no notion of a
// default.
type Icon struct {
	MimeType  string
	Width     int
	Height    int
	Depth     int
	Path      string // path component served under the device's base URL
	IsDefault bool
}

// ServiceInfo describes one UPnP service the device exposes, plus the
// eventing state GENA needs once a control point subscribes.
type ServiceInfo struct {
	ServiceType string
	ServiceID   string
	SCPDPath    string
	ControlPath string
	EventPath   string

	// SCPD is the service's control protocol description document, served
	// verbatim at SCPDPath (navidrome serves a fixed string constant per
	// service; here it is a field so any service can be registered).
	SCPD string

	mu            sync.Mutex
	subscriberSID map[string]struct{} // active GENA subscriptions, by SID
	eventKeys     map[string]uint32   // per-SID SEQ counters for NOTIFY
}

func (s *ServiceInfo) init() {
	if s.subscriberSID == nil {
		s.subscriberSID = map[string]struct{}{}
		s.eventKeys = map[string]uint32{}
	}
}

// AddSubscriber records sid as subscribed and resets its SEQ counter to 0.
func (s *ServiceInfo) AddSubscriber(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.subscriberSID[sid] = struct{}{}
	s.eventKeys[sid] = 0
}

func (s *ServiceInfo) RemoveSubscriber(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	delete(s.subscriberSID, sid)
	delete(s.eventKeys, sid)
}

func (s *ServiceInfo) HasSubscriber(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	_, ok := s.subscriberSID[sid]
	return ok
}

// NextSEQ returns the event key to use for the next NOTIFY to sid and
// advances the counter, per GENA's monotonically increasing SEQ header.
func (s *ServiceInfo) NextSEQ(sid string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	seq := s.eventKeys[sid]
	s.eventKeys[sid] = seq + 1
	return seq
}

func (s *ServiceInfo) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	out := make([]string, 0, len(s.subscriberSID))
	for sid := range s.subscriberSID {
		out = append(out, sid)
	}
	return out
}

// Info is the device model: identity, service list, icons, and the
// base-URL rewriting rule spec.md requires (a device constructed with a
// placeholder "localhost" host lazily resolves to the observed local IP the
// first time ResolveHost is called with one, rather than baking in an address that
// may not match the interface a request actually arrived on).
type Info struct {
	UDN          string
	DeviceType   string
	FriendlyName string
	Manufacturer string
	ModelName    string
	ModelNumber  string

	Icons    []Icon
	Services []*ServiceInfo

	mu      sync.Mutex
	host    string // "localhost" until resolved, then sticky
	port    int
	started bool
}

// New constructs a device identity. If udn is empty a random one is
// generated (google/uuid, grounded on generateUUID in navidrome's
// server/dlna/dlna.go, which instead derived a UUID from server name+port —
// generalized here to a random v4 UUID so identity does not depend on a
// caller-supplied name).
func New(udn, deviceType, friendlyName string) *Info {
	if udn == "" {
		udn = "uuid:" + uuid.NewString()
	}
	return &Info{
		UDN:          udn,
		DeviceType:   deviceType,
		FriendlyName: friendlyName,
		host:         "localhost",
	}
}

// AddService registers a service. Returns a *dlnaerr.Error (KindState) if
// the device has already Start()ed, matching spec.md's rule that the
// service list is fixed once advertising begins.
func (d *Info) AddService(s *ServiceInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return dlnaerr.State("device.AddService", fmt.Errorf("cannot add service %q after device start", s.ServiceType))
	}
	s.init()
	d.Services = append(d.Services, s)
	return nil
}

// MarkStarted freezes the service list; called by the facade once
// advertising begins.
func (d *Info) MarkStarted(host string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.port = port
	if host != "" {
		d.host = host
	}
}

// ResolveHost lazily rewrites the placeholder host to observedIP the first
// time it is called with a concrete value, then remains sticky — mirroring
// navidrome's getBaseURL deriving the base URL from the incoming request's
// Host header rather than a value fixed at construction.
func (d *Info) ResolveHost(observedIP string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.host == "localhost" && observedIP != "" {
		d.host = observedIP
	}
}

func (d *Info) BaseURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("http://%s:%d", d.host, d.port)
}

// URL joins the base URL with p, collapsing any doubled slash the join
// could introduce (e.g. a service path already starting with "/").
func (d *Info) URL(p string) string {
	base := d.BaseURL()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + strings.ReplaceAll(p, "//", "/")
	// ReplaceAll runs on the path only, so the scheme's "://" in BaseURL is
	// left intact.
}

// DefaultIcon returns the icon marked IsDefault, or the first icon if none
// is marked, or ok=false if the device has no icons.
func (d *Info) DefaultIcon() (Icon, bool) {
	var first Icon
	for i, icon := range d.Icons {
		if i == 0 {
			first = icon
		}
		if icon.IsDefault {
			return icon, true
		}
	}
	if len(d.Icons) > 0 {
		return first, true
	}
	return Icon{}, false
}

// xmlDescription mirrors navidrome's DeviceDescription/Device/IconList/
// ServiceList/Service structs (server/dlna/device.go), generalized to an
// arbitrary service/icon list instead of the two hardcoded services.
type xmlDescription struct {
	XMLName     xml.Name    `xml:"urn:schemas-upnp-org:device-1-0 root"`
	SpecVersion xmlSpecVer  `xml:"specVersion"`
	Device      xmlDevice   `xml:"device"`
}

type xmlSpecVer struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type xmlDevice struct {
	DeviceType   string        `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	Manufacturer string        `xml:"manufacturer"`
	ModelName    string        `xml:"modelName"`
	ModelNumber  string        `xml:"modelNumber,omitempty"`
	UDN          string        `xml:"UDN"`
	IconList     *xmlIconList  `xml:"iconList,omitempty"`
	ServiceList  xmlServiceList `xml:"serviceList"`
}

type xmlIconList struct {
	Icons []xmlIcon `xml:"icon"`
}

type xmlIcon struct {
	MIMEType string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

type xmlServiceList struct {
	Services []xmlService `xml:"service"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// DescriptorXML renders the device.xml document for this device, encoded
// via encoding/xml the same way handleDeviceDescription does in the
// teacher, with a leading XML declaration prepended.
func (d *Info) DescriptorXML() ([]byte, error) {
	desc := xmlDescription{
		SpecVersion: xmlSpecVer{Major: 1, Minor: 0},
		Device: xmlDevice{
			DeviceType:   d.DeviceType,
			FriendlyName: d.FriendlyName,
			Manufacturer: d.Manufacturer,
			ModelName:    d.ModelName,
			ModelNumber:  d.ModelNumber,
			UDN:          d.UDN,
		},
	}
	if len(d.Icons) > 0 {
		il := &xmlIconList{}
		for _, icon := range d.Icons {
			il.Icons = append(il.Icons, xmlIcon{
				MIMEType: icon.MimeType,
				Width:    icon.Width,
				Height:   icon.Height,
				Depth:    icon.Depth,
				URL:      d.URL(icon.Path),
			})
		}
		desc.Device.IconList = il
	}
	for _, s := range d.Services {
		desc.Device.ServiceList.Services = append(desc.Device.ServiceList.Services, xmlService{
			ServiceType: s.ServiceType,
			ServiceID:   s.ServiceID,
			SCPDURL:     d.URL(s.SCPDPath),
			ControlURL:  d.URL(s.ControlPath),
			EventSubURL: d.URL(s.EventPath),
		})
	}

	body, err := xml.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, dlnaerr.Protocol("device.DescriptorXML", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ServiceByType returns the registered service whose ServiceType matches,
// or nil.
func (d *Info) ServiceByType(serviceType string) *ServiceInfo {
	for _, s := range d.Services {
		if s.ServiceType == serviceType {
			return s
		}
	}
	return nil
}
