package netio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dlnakit/dlnakit/dlnaerr"
)

// HTTPServerTransport is the C3 server half: a chi.Router that normalizes
// duplicate slashes the way reverse proxies in front of navidrome's
// server/dlna routes can introduce, before dispatching to the registered
// descriptor/SCPD/control/event handlers.
type HTTPServerTransport struct {
	router chi.Router
	srv    *http.Server
}

// GENA's SUBSCRIBE, UNSUBSCRIBE and NOTIFY verbs are not among chi's
// built-in methods, and chi.Router.Method panics on an unregistered verb, so
// they are registered once for every chi router in the process.
func init() {
	for _, m := range []string{"SUBSCRIBE", "UNSUBSCRIBE", "NOTIFY"} {
		chi.RegisterMethod(m)
	}
}

// NewHTTPServerTransport builds an empty router; callers (dlna.Device,
// dlna.ControlPoint) register routes on Router() before calling Start.
func NewHTTPServerTransport() *HTTPServerTransport {
	r := chi.NewRouter()
	r.Use(normalizeSlashes)
	return &HTTPServerTransport{router: r}
}

// Router exposes the chi.Router for route registration.
func (t *HTTPServerTransport) Router() chi.Router { return t.router }

// Start begins serving on addr (e.g. ":0" for an ephemeral port); the
// listener's actual port is not recovered here — callers that need the
// ephemeral port should bind their own net.Listener and pass its address via
// http.Server.Addr-independent Serve, which this simple wrapper does not do;
// production hosts set dlnacfg.Config.HTTPPort explicitly.
func (t *HTTPServerTransport) Start(addr string) error {
	t.srv = &http.Server{Addr: addr, Handler: t.router}
	go func() {
		_ = t.srv.ListenAndServe()
	}()
	return nil
}

func (t *HTTPServerTransport) Stop(ctx context.Context) error {
	if t.srv == nil {
		return nil
	}
	return t.srv.Shutdown(ctx)
}

// normalizeSlashes collapses "//" runs in the request path to "/", matching
// spec.md's requirement that duplicate-slash device paths be treated
// identically to their canonical form.
func normalizeSlashes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "//") {
			r.URL.Path = path.Clean(r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPClientTransport wraps http.Client with the GET/POST/SUBSCRIBE/
// RESUBSCRIBE/UNSUBSCRIBE verbs the control-point side (soap, gena) needs,
// grounded on server/sonos_cast/avtransport.go's sendAction and
// discovery.go's fetchDeviceDescription, both of which build an *http.Client
// with an explicit timeout rather than using http.DefaultClient.
type HTTPClientTransport struct {
	client *http.Client
}

func NewHTTPClientTransport(timeout time.Duration) *HTTPClientTransport {
	return &HTTPClientTransport{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClientTransport) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, dlnaerr.Protocol("netio.HTTPClientTransport.Get", err)
	}
	return c.do(req)
}

// Post issues a POST with contentType and body, and the exact extra headers
// a caller supplies (e.g. SOAPACTION) — soap.Invoker and gena.Manager set
// their own headers rather than this transport guessing at them.
func (c *HTTPClientTransport) Post(ctx context.Context, url, contentType string, body []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, dlnaerr.Protocol("netio.HTTPClientTransport.Post", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doStatus(req)
}

// Method issues a request with a non-standard verb (SUBSCRIBE, UNSUBSCRIBE)
// used by GENA, which RFC 2518/UPnP eventing define as their own HTTP
// methods rather than POST.
func (c *HTTPClientTransport) Method(ctx context.Context, method, url string, headers map[string]string) (http.Header, []byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, nil, 0, dlnaerr.Protocol("netio.HTTPClientTransport.Method", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, 0, dlnaerr.Timeout("netio.HTTPClientTransport.Method", err)
		}
		return nil, nil, 0, dlnaerr.Transport("netio.HTTPClientTransport.Method", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, nil, resp.StatusCode, dlnaerr.Protocol("netio.HTTPClientTransport.Method", err)
	}
	return resp.Header, b, resp.StatusCode, nil
}

// MethodWithBody is Method's counterpart for non-standard verbs that carry a
// body, such as a device pushing a GENA NOTIFY to a subscriber's callback
// URL (NOTIFY is not SUBSCRIBE/UNSUBSCRIBE, so it needs a request body
// Method's no-body signature can't express).
func (c *HTTPClientTransport) MethodWithBody(ctx context.Context, method, url string, contentType string, body []byte, headers map[string]string) (http.Header, []byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, 0, dlnaerr.Protocol("netio.HTTPClientTransport.MethodWithBody", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, 0, dlnaerr.Timeout("netio.HTTPClientTransport.MethodWithBody", err)
		}
		return nil, nil, 0, dlnaerr.Transport("netio.HTTPClientTransport.MethodWithBody", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, nil, resp.StatusCode, dlnaerr.Protocol("netio.HTTPClientTransport.MethodWithBody", err)
	}
	return resp.Header, b, resp.StatusCode, nil
}

func (c *HTTPClientTransport) do(req *http.Request) ([]byte, error) {
	b, _, err := c.doStatus(req)
	return b, err
}

func (c *HTTPClientTransport) doStatus(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, dlnaerr.Timeout("netio.HTTPClientTransport", err)
		}
		return nil, 0, dlnaerr.Transport("netio.HTTPClientTransport", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, dlnaerr.Protocol("netio.HTTPClientTransport", err)
	}
	return b, resp.StatusCode, nil
}

type timeouter interface{ Timeout() bool }

func isTimeout(err error) bool {
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
