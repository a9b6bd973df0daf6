package dlna

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dlnakit/dlnakit/clock"
	"github.com/dlnakit/dlnakit/device"
	"github.com/dlnakit/dlnakit/dlnacfg"
	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/gena"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/soap"
)

const testSCPD = `<?xml version="1.0"?><scpd><actionList></actionList></scpd>`

func newTestDevice(handler ActionHandler) (*Device, *httptest.Server) {
	cfg := dlnacfg.New(dlnacfg.WithHTTPPort(8200))
	dev := &Device{
		cfg:          cfg,
		info:         device.New("uuid:test-dev", "urn:schemas-upnp-org:device:Basic:1", "Test Device"),
		clock:        clock.NewSystem(),
		callbackURLs: map[string]map[string]string{},
	}
	svc := &device.ServiceInfo{
		ServiceType: "urn:schemas-upnp-org:service:TestService:1",
		ServiceID:   "urn:upnp-org:serviceId:TestService",
		SCPDPath:    "/TestService/scpd.xml",
		ControlPath: "/TestService/control",
		EventPath:   "/TestService/event",
	}
	Expect(dev.AddService(svc, testSCPD, handler)).To(Succeed())
	dev.info.MarkStarted("127.0.0.1", 8200)

	r := chi.NewRouter()
	dev.registerRoutes(r)
	srv := httptest.NewServer(r)
	dev.httpCli = netio.NewHTTPClientTransport(time.Second)
	return dev, srv
}

var _ = Describe("Device", func() {
	It("fails Start with a ConfigError when HTTPPort is unset", func() {
		cfg := dlnacfg.New()
		dev := NewDevice(cfg, "urn:schemas-upnp-org:device:Basic:1", nil)

		err := dev.Start(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, dlnaerr.Config("", nil))).To(BeTrue())
	})

	It("fails Start with a ConfigError when no active network interface is found", func() {
		// netio.LocalIP has no active interface in a sandboxed CI network
		// namespace exactly as often as ActiveInterfaces reports none; this
		// spec only exercises the failure path when that happens to be the
		// environment Start runs in, matching spec.md §8's "Base URL host
		// localhost without known IP -> start fails with ConfigError".
		if _, ok := netio.LocalIP(); ok {
			Skip("an active non-loopback interface is present in this environment")
		}

		cfg := dlnacfg.New(dlnacfg.WithHTTPPort(8200))
		dev := NewDevice(cfg, "urn:schemas-upnp-org:device:Basic:1", nil)

		err := dev.Start(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, dlnaerr.Config("", nil))).To(BeTrue())
	})

	It("serves device.xml with the registered service listed", func() {
		dev, srv := newTestDevice(nil)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/device.xml")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		Expect(string(body)).To(ContainSubstring("urn:schemas-upnp-org:service:TestService:1"))
		Expect(string(body)).To(ContainSubstring(dev.info.UDN))
	})

	It("serves the registered service's SCPD verbatim", func() {
		_, srv := newTestDevice(nil)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/TestService/scpd.xml")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		Expect(string(body)).To(Equal(testSCPD))
	})

	It("dispatches a SOAP action to the registered handler and writes a response envelope", func() {
		handler := func(ctx context.Context, action string, args []soap.Argument) (soap.ActionReply, error) {
			Expect(action).To(Equal("GetStatus"))
			return soap.ActionReply{Valid: true, Args: []soap.Argument{{Name: "Status", Value: "OK"}}}, nil
		}
		_, srv := newTestDevice(handler)
		defer srv.Close()

		client := netio.NewHTTPClientTransport(time.Second)
		inv := soap.NewInvoker(client, 0)
		reply, err := inv.Invoke(context.Background(), "urn:schemas-upnp-org:service:TestService:1",
			srv.URL+"/TestService/control", "GetStatus", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Valid).To(BeTrue())
		v, ok := reply.Get("Status")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("OK"))
	})

	It("turns a handler's PeerRejection into a Fault carrying its code and description", func() {
		handler := func(ctx context.Context, action string, args []soap.Argument) (soap.ActionReply, error) {
			return soap.ActionReply{}, dlnaerr.NewPeerRejection("TestService.GetStatus", soap.ErrInvalidArgs, "bad args")
		}
		_, srv := newTestDevice(handler)
		defer srv.Close()

		client := netio.NewHTTPClientTransport(time.Second)
		inv := soap.NewInvoker(client, 0)
		_, err := inv.Invoke(context.Background(), "urn:schemas-upnp-org:service:TestService:1",
			srv.URL+"/TestService/control", "GetStatus", nil)
		Expect(err).To(HaveOccurred())
		var rej *dlnaerr.PeerRejection
		Expect(err).To(BeAssignableToTypeOf(rej))
		cast := err.(*dlnaerr.PeerRejection)
		Expect(cast.Code).To(Equal(soap.ErrInvalidArgs))
		Expect(cast.Description).To(Equal("bad args"))
	})

	It("registers a subscriber's SID and callback URL on SUBSCRIBE, and forgets it on UNSUBSCRIBE", func() {
		dev, srv := newTestDevice(nil)
		defer srv.Close()

		req, err := http.NewRequest("SUBSCRIBE", srv.URL+"/TestService/event", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("CALLBACK", "<http://127.0.0.1:9/notify>")
		req.Header.Set("NT", "upnp:event")
		req.Header.Set("TIMEOUT", "Second-1800")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		sid := resp.Header.Get("SID")
		Expect(sid).NotTo(BeEmpty())

		svc := dev.info.ServiceByType("urn:schemas-upnp-org:service:TestService:1")
		Expect(svc.HasSubscriber(sid)).To(BeTrue())
		url, ok := dev.callbackURL("urn:schemas-upnp-org:service:TestService:1", sid)
		Expect(ok).To(BeTrue())
		Expect(url).To(Equal("http://127.0.0.1:9/notify"))

		unreq, err := http.NewRequest("UNSUBSCRIBE", srv.URL+"/TestService/event", nil)
		Expect(err).NotTo(HaveOccurred())
		unreq.Header.Set("SID", sid)
		unresp, err := http.DefaultClient.Do(unreq)
		Expect(err).NotTo(HaveOccurred())
		defer unresp.Body.Close()
		Expect(unresp.StatusCode).To(Equal(http.StatusOK))

		Expect(svc.HasSubscriber(sid)).To(BeFalse())
		_, ok = dev.callbackURL("urn:schemas-upnp-org:service:TestService:1", sid)
		Expect(ok).To(BeFalse())
	})

	It("delivers NotifyChange only to subscribers with a known callback URL", func() {
		dev, srv := newTestDevice(nil)
		defer srv.Close()

		var gotMethod, gotSID, gotNT string
		var gotBody []byte
		notifySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotSID = r.Header.Get("SID")
			gotNT = r.Header.Get("NT")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer notifySrv.Close()

		svc := dev.info.ServiceByType("urn:schemas-upnp-org:service:TestService:1")
		svc.AddSubscriber("uuid:sub-without-callback")
		svc.AddSubscriber("uuid:sub-with-callback")
		dev.setCallbackURL("urn:schemas-upnp-org:service:TestService:1", "uuid:sub-with-callback", notifySrv.URL+"/cb")

		dev.NotifyChange(context.Background(), "urn:schemas-upnp-org:service:TestService:1",
			[]gena.PropertyChange{{Name: "TransportState", Value: "PLAYING"}})

		Expect(gotMethod).To(Equal("NOTIFY"))
		Expect(gotSID).To(Equal("uuid:sub-with-callback"))
		Expect(gotNT).To(Equal("upnp:event"))
		Expect(string(gotBody)).To(ContainSubstring("TransportState"))
		Expect(string(gotBody)).To(ContainSubstring("PLAYING"))
	})
})
