// Package gena implements C12: the GENA subscription state machine a
// control point drives against one remote service's event subscription
// URL — SUBSCRIBE, periodic renewal ahead of expiry, UNSUBSCRIBE, and
// dispatch of inbound NOTIFY property changes to a user callback. No
// teacher file implements a GENA client directly (navidrome's DLNA code is
// device-only and never subscribes to anything; server/sonos_cast drives
// AVTransport purely by polling, never subscribing); this package follows
// spec.md §4.12's state diagram directly, built the way
// server/sonos_cast/avtransport.go composes and sends its own requests
// (explicit *http.Client, synchronous call-then-parse) and using this
// module's own xmlio.Parser for the inbound NOTIFY propertyset body, the
// shape ControlPointMediaRenderer.h's NotificationCallback (sid, varName,
// value) mirrors in the original source.
package gena

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/xmlio"
)

// State is one node of the per-subscription state machine of spec.md §4.12.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	Renewing
	Unsubscribing
	Failed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "Unsubscribed"
	case Subscribing:
		return "Subscribing"
	case Subscribed:
		return "Subscribed"
	case Renewing:
		return "Renewing"
	case Unsubscribing:
		return "Unsubscribing"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MaxNotifyRetries bounds how many consecutive renewal failures a
// Subscription tolerates before giving up and returning to Unsubscribed,
// per spec.md §6's DLNA_MAX_NOTIFY_RETRIES default.
const MaxNotifyRetries = 3

// PropertyChange is one (sid, variable, value) tuple delivered by an
// inbound NOTIFY, matching the NotificationCallback shape in
// ControlPointMediaRenderer.h.
type PropertyChange struct {
	SID   string
	Name  string
	Value string
}

// Subscription tracks one service's subscription lifecycle.
type Subscription struct {
	mu sync.Mutex

	eventSubURL string
	callbackURL string

	state       State
	sid         string
	confirmedAt int64
	expiresAt   int64
	retries     int
}

// NewSubscription builds an unsubscribed handle for one service's event
// subscription URL; callbackURL is this control point's own NOTIFY
// endpoint (registered on the HTTP server transport by the facade).
func NewSubscription(eventSubURL, callbackURL string) *Subscription {
	return &Subscription{eventSubURL: eventSubURL, callbackURL: callbackURL, state: Unsubscribed}
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// ExpiresAt returns the ms timestamp the subscription lapses at, valid only
// while Subscribed or Renewing.
func (s *Subscription) ExpiresAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Manager drives SUBSCRIBE/renew/UNSUBSCRIBE HTTP calls for subscriptions
// and dispatches inbound NOTIFY bodies, per spec.md §4.12. Outgoing calls
// are serialized by the caller's main loop (the facade calls Renew from a
// repeating schedule dispatched by its queue tick); inbound NOTIFY is serialized by the HTTP server's own
// handler goroutine, independent of outgoing traffic, matching spec.md §5's
// "concurrent subscriptions to distinct services are independent" rule.
type Manager struct {
	http    *netio.HTTPClientTransport
	cb      func(PropertyChange)
	bufSize int
}

// NewManager builds a Manager. bufSize sizes the xmlio.Parser lookahead
// buffer HandleNotify reads inbound NOTIFY bodies through (spec.md §6's
// XML_PARSER_BUFFER_SIZE); 0 uses xmlio's own default.
func NewManager(http *netio.HTTPClientTransport, bufSize int, cb func(PropertyChange)) *Manager {
	return &Manager{http: http, cb: cb, bufSize: bufSize}
}

// Subscribe issues SUBSCRIBE with CALLBACK/NT/TIMEOUT, per spec.md §4.12's
// Unsubscribed -> Subscribing -> Subscribed transition. seconds is the
// requested timeout; the remote's actual granted TIMEOUT is what
// ExpiresAt/ConfirmedAt are computed from.
func (m *Manager) Subscribe(ctx context.Context, s *Subscription, seconds int, nowMS int64) error {
	s.mu.Lock()
	if s.state != Unsubscribed && s.state != Failed {
		s.mu.Unlock()
		return dlnaerr.State("gena.Subscribe", fmt.Errorf("cannot subscribe from state %s", s.state))
	}
	s.state = Subscribing
	s.mu.Unlock()

	headers := map[string]string{
		"CALLBACK": "<" + s.callbackURL + ">",
		"NT":       "upnp:event",
		"TIMEOUT":  fmt.Sprintf("Second-%d", seconds),
	}
	hdr, _, status, err := m.http.Method(ctx, "SUBSCRIBE", s.eventSubURL, headers)
	if err != nil {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		return err
	}
	if status != 200 {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		return dlnaerr.NewPeerRejection("gena.Subscribe", status, "SUBSCRIBE rejected")
	}

	sid := hdr.Get("SID")
	timeout := parseTimeoutSeconds(hdr.Get("TIMEOUT"))
	if sid == "" {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		return dlnaerr.Protocol("gena.Subscribe", fmt.Errorf("no SID in SUBSCRIBE response"))
	}

	s.mu.Lock()
	s.sid = sid
	s.confirmedAt = nowMS
	s.expiresAt = nowMS + int64(timeout)*1000
	s.retries = 0
	s.state = Subscribed
	s.mu.Unlock()
	return nil
}

// RenewGuard returns how long before expiry a renewal should be attempted,
// per spec.md §4.12: max(30s, timeout/10).
func RenewGuard(timeoutSeconds int) time.Duration {
	guard := time.Duration(timeoutSeconds/10) * time.Second
	if guard < 30*time.Second {
		guard = 30 * time.Second
	}
	return guard
}

// Renew issues SUBSCRIBE with the existing SID (no CALLBACK/NT), per
// spec.md §4.12's Subscribed -> Renewing -> Subscribed/Failed transition.
// On repeated failure past MaxNotifyRetries the subscription falls back to
// Unsubscribed so the caller knows to Subscribe from scratch, and
// dlnaerr.ErrStaleSID is returned once that threshold is crossed.
func (m *Manager) Renew(ctx context.Context, s *Subscription, seconds int, nowMS int64) error {
	s.mu.Lock()
	// Failed is also accepted here: a prior failed renewal lands in Failed,
	// but spec.md §4.12 retries renewal from there (up to MaxNotifyRetries)
	// rather than requiring a fresh Subscribe before trying again.
	if s.state != Subscribed && s.state != Failed {
		st := s.state
		s.mu.Unlock()
		return dlnaerr.State("gena.Renew", fmt.Errorf("cannot renew from state %s", st))
	}
	sid := s.sid
	s.state = Renewing
	s.mu.Unlock()

	headers := map[string]string{
		"SID":     sid,
		"TIMEOUT": fmt.Sprintf("Second-%d", seconds),
	}
	hdr, _, status, err := m.http.Method(ctx, "SUBSCRIBE", s.eventSubURL, headers)
	if err != nil || status != 200 {
		return m.renewFailed(s, err, status)
	}

	timeout := parseTimeoutSeconds(hdr.Get("TIMEOUT"))
	s.mu.Lock()
	s.confirmedAt = nowMS
	s.expiresAt = nowMS + int64(timeout)*1000
	s.retries = 0
	s.state = Subscribed
	s.mu.Unlock()
	return nil
}

func (m *Manager) renewFailed(s *Subscription, err error, status int) error {
	s.mu.Lock()
	s.retries++
	retries := s.retries
	s.mu.Unlock()

	if retries >= MaxNotifyRetries {
		s.mu.Lock()
		s.state = Unsubscribed
		s.sid = ""
		s.mu.Unlock()
		return dlnaerr.ErrStaleSID
	}

	s.mu.Lock()
	s.state = Failed
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return dlnaerr.NewPeerRejection("gena.Renew", status, "renewal rejected")
}

// Unsubscribe issues UNSUBSCRIBE with the current SID, per spec.md §4.12's
// Subscribed/Renewing -> Unsubscribing -> Unsubscribed transition. The
// subscription is marked Unsubscribed locally regardless of the remote's
// response, since there is nothing further to retry once the caller no
// longer wants notifications.
func (m *Manager) Unsubscribe(ctx context.Context, s *Subscription) error {
	s.mu.Lock()
	if s.state != Subscribed && s.state != Renewing {
		st := s.state
		s.mu.Unlock()
		return dlnaerr.State("gena.Unsubscribe", fmt.Errorf("cannot unsubscribe from state %s", st))
	}
	sid := s.sid
	s.state = Unsubscribing
	s.mu.Unlock()

	_, _, _, err := m.http.Method(ctx, "UNSUBSCRIBE", s.eventSubURL, map[string]string{"SID": sid})

	s.mu.Lock()
	s.state = Unsubscribed
	s.sid = ""
	s.mu.Unlock()
	return err
}

// ExpireIfPast transitions Subscribed/Renewing -> Unsubscribed once
// ExpiresAt has passed without a successful renewal, per spec.md §4.12's
// passive expiry edge.
func (s *Subscription) ExpireIfPast(nowMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.state == Subscribed || s.state == Renewing) && s.expiresAt <= nowMS {
		s.state = Unsubscribed
		s.sid = ""
		return true
	}
	return false
}

func parseTimeoutSeconds(v string) int {
	v = strings.TrimPrefix(v, "Second-")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// HandleNotify parses an inbound GENA NOTIFY body (a propertyset element
// whose children are each one changed variable) and invokes the Manager's
// callback once per property, matching spec.md §4.12's "duplicate/
// reordered SEQ accepted, SEQ only used for logging" rule — sequencing is
// not enforced here, only observed.
func (m *Manager) HandleNotify(sid string, body []byte) error {
	p := xmlio.NewParserSize(bytes.NewReader(body), m.bufSize)
	if _, found, err := p.FindElement("propertyset"); err != nil {
		return dlnaerr.Protocol("gena.HandleNotify", err)
	} else if !found {
		return dlnaerr.Protocol("gena.HandleNotify", fmt.Errorf("no propertyset element"))
	}
	for {
		name, err := p.FirstChildElement()
		if err != nil {
			break
		}
		if name.Local != "property" {
			continue
		}
		kvs, err := p.Children()
		if err != nil {
			return dlnaerr.Protocol("gena.HandleNotify", err)
		}
		for _, kv := range kvs {
			if m.cb != nil {
				m.cb(PropertyChange{SID: sid, Name: kv.Name, Value: kv.Value})
			}
		}
	}
	return nil
}
