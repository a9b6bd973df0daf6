package dlna

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/discovery"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/reqparse"
	"github.com/dlnakit/dlnakit/schedule"
	"github.com/dlnakit/dlnakit/soap"
)

const remoteDeviceDescriptor = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Remote Renderer</friendlyName>
    <UDN>uuid:remote-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/AVTransport/scpd.xml</SCPDURL>
        <controlURL>/AVTransport/control</controlURL>
        <eventSubURL>/AVTransport/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

// newTestControlPoint builds a ControlPoint with no UDP/HTTP transports
// bound (Begin is never called), matching the approach in discovery_test.go
// of driving discovery.Engine.HandleObservation directly rather than
// standing up real multicast for every test.
func newTestControlPoint() *ControlPoint {
	cfg := dlnacfg.New()
	httpCli := netio.NewHTTPClientTransport(time.Second)
	cp := &ControlPoint{
		cfg:     cfg,
		clock:   clock.NewSystem(),
		httpCli: httpCli,
		disc:    discovery.New(httpCli, "", time.Hour, 0),
		invoker: soap.NewInvoker(httpCli, 0),
		subs:    map[string]*gena.Subscription{},
	}
	cp.queue = schedule.NewQueue(cp.clock, cfg.ScheduleQueueCapacity)
	cp.gena = gena.NewManager(httpCli, 0, func(pc gena.PropertyChange) {})
	return cp
}

func discoverRemote(cp *ControlPoint, descriptorSrv *httptest.Server) {
	obs := reqparse.ControlPointObservation{
		Kind:     schedule.KindMSearchReplyCP,
		Location: descriptorSrv.URL + "/device.xml",
		USN:      "uuid:remote-1::urn:schemas-upnp-org:device:MediaRenderer:1",
		ST:       "urn:schemas-upnp-org:device:MediaRenderer:1",
	}
	Expect(cp.disc.HandleObservation(context.Background(), obs, cp.clock.NowMS())).To(Succeed())
}

var _ = Describe("ControlPoint", func() {
	var descriptorSrv *httptest.Server

	BeforeEach(func() {
		descriptorSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			_, _ = w.Write([]byte(remoteDeviceDescriptor))
		}))
	})

	AfterEach(func() {
		descriptorSrv.Close()
	})

	It("records a discovered device under its UDN, with resolved service URLs", func() {
		cp := newTestControlPoint()
		defer cp.disc.Close()
		discoverRemote(cp, descriptorSrv)

		devices := cp.GetDevices()
		Expect(devices).To(HaveLen(1))
		Expect(devices[0].UDN).To(Equal("uuid:remote-1"))
		Expect(devices[0].FriendlyName).To(Equal("Remote Renderer"))
		svc, ok := devices[0].ServiceByType("urn:schemas-upnp-org:service:AVTransport:1")
		Expect(ok).To(BeTrue())
		Expect(svc.ControlURL).To(Equal(descriptorSrv.URL + "/AVTransport/control"))
	})

	It("invokes a SOAP action against a discovered device's control URL", func() {
		var gotSOAPAction string
		mux := http.NewServeMux()
		mux.HandleFunc("/device.xml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			_, _ = w.Write([]byte(remoteDeviceDescriptor))
		})
		mux.HandleFunc("/AVTransport/control", func(w http.ResponseWriter, r *http.Request) {
			gotSOAPAction = r.Header.Get("SOAPACTION")
			w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(soap.WriteResponse("urn:schemas-upnp-org:service:AVTransport:1", "GetTransportInfo",
				[]soap.Argument{{Name: "CurrentTransportState", Value: "PLAYING"}}))
		})
		controlSrv := httptest.NewServer(mux)
		defer controlSrv.Close()

		cp := newTestControlPoint()
		defer cp.disc.Close()
		Expect(cp.disc.HandleObservation(context.Background(), reqparse.ControlPointObservation{
			Kind:     schedule.KindMSearchReplyCP,
			Location: controlSrv.URL + "/device.xml",
			USN:      "uuid:remote-2::urn:schemas-upnp-org:device:MediaRenderer:1",
		}, cp.clock.NowMS())).To(Succeed())

		reply, err := cp.Invoke(context.Background(), "uuid:remote-2", "urn:schemas-upnp-org:service:AVTransport:1",
			"GetTransportInfo", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotSOAPAction).To(ContainSubstring("GetTransportInfo"))
		v, ok := reply.Get("CurrentTransportState")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("PLAYING"))
	})

	It("returns a state error invoking an unknown device", func() {
		cp := newTestControlPoint()
		defer cp.disc.Close()
		_, err := cp.Invoke(context.Background(), "uuid:does-not-exist", "urn:schemas-upnp-org:service:AVTransport:1", "Play", nil)
		Expect(err).To(HaveOccurred())
	})

	It("refuses to Subscribe when no callback URL is configured", func() {
		cp := newTestControlPoint()
		defer cp.disc.Close()
		discoverRemote(cp, descriptorSrv)

		_, err := cp.Subscribe(context.Background(), "uuid:remote-1", "urn:schemas-upnp-org:service:AVTransport:1", 1800)
		Expect(err).To(HaveOccurred())
	})

	It("subscribes, tracks the subscription, and unsubscribes by udn+serviceType", func() {
		var mu sync.Mutex
		var gotCallback, gotSID string
		eventSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case "SUBSCRIBE":
				mu.Lock()
				gotCallback = r.Header.Get("CALLBACK")
				mu.Unlock()
				w.Header().Set("SID", "uuid:sub-xyz")
				w.Header().Set("TIMEOUT", "Second-1800")
				w.WriteHeader(http.StatusOK)
			case "UNSUBSCRIBE":
				mu.Lock()
				gotSID = r.Header.Get("SID")
				mu.Unlock()
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer eventSrv.Close()

		descSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := fmt.Sprintf(`<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Remote Renderer</friendlyName>
    <UDN>uuid:remote-3</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/scpd.xml</SCPDURL>
        <controlURL>/control</controlURL>
        <eventSubURL>%s/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`, eventSrv.URL)
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}))
		defer descSrv.Close()

		cp := newTestControlPoint()
		defer cp.disc.Close()
		cp.callbackURL = "http://127.0.0.1:9/notify"
		Expect(cp.disc.HandleObservation(context.Background(), reqparse.ControlPointObservation{
			Kind:     schedule.KindMSearchReplyCP,
			Location: descSrv.URL + "/device.xml",
			USN:      "uuid:remote-3::urn:schemas-upnp-org:device:MediaRenderer:1",
		}, cp.clock.NowMS())).To(Succeed())

		sub, err := cp.Subscribe(context.Background(), "uuid:remote-3", "urn:schemas-upnp-org:service:AVTransport:1", 1800)
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.State()).To(Equal(gena.Subscribed))
		Expect(sub.SID()).To(Equal("uuid:sub-xyz"))
		mu.Lock()
		Expect(gotCallback).To(Equal("<http://127.0.0.1:9/notify>"))
		mu.Unlock()
		Expect(cp.queue.Len()).To(Equal(1))

		Expect(cp.Unsubscribe(context.Background(), "uuid:remote-3", "urn:schemas-upnp-org:service:AVTransport:1")).To(Succeed())
		mu.Lock()
		Expect(gotSID).To(Equal("uuid:sub-xyz"))
		mu.Unlock()
	})

	It("dispatches an inbound NOTIFY to the manager's callback via handleNotify", func() {
		cp := newTestControlPoint()
		defer cp.disc.Close()

		var received gena.PropertyChange
		cp.gena = gena.NewManager(cp.httpCli, 0, func(pc gena.PropertyChange) {
			received = pc
		})

		body := []byte(`<?xml version="1.0"?><e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><TransportState>PLAYING</TransportState></e:property></e:propertyset>`)
		req := httptest.NewRequest("NOTIFY", "/notify", bytes.NewReader(body))
		req.Header.Set("SID", "uuid:sub-xyz")

		rec := httptest.NewRecorder()
		cp.handleNotify(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(received.SID).To(Equal("uuid:sub-xyz"))
		Expect(received.Name).To(Equal("TransportState"))
		Expect(received.Value).To(Equal("PLAYING"))
	})
})
