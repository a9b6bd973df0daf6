// Package ssdp implements C6: encoding and decoding of the three SSDP
// message shapes (M-SEARCH, NOTIFY, and the 200 OK search response) as
// plain CRLF-terminated HTTP-like text over UDP, grounded on navidrome's
// server/dlna/ssdp.go (sendSearchResponse/sendNotify build these by
// fmt.Sprintf, extractHeader parses them by a per-line prefix scan).
package ssdp

import (
	"fmt"
	"strings"
	"time"
)

const (
	NTSAlive  = "ssdp:alive"
	NTSByeBye = "ssdp:byebye"

	// BootID and ConfigID are fixed at 1 for this module's lifetime: it does
	// not support runtime re-configuration that would require bumping
	// CONFIGID.UPNP.ORG, matching navidrome's own hardcoded "1" values.
	BootID   = "1"
	ConfigID = "1"
)

// Header is one "Name: Value" line. Kept as an ordered slice (not a map) so
// encoding preserves a deterministic, UPnP-conventional header order and so
// duplicate headers (legal in HTTP, occasionally sent by noncompliant
// peers) are not silently collapsed.
type Header struct {
	Name  string
	Value string
}

// Message is a decoded SSDP datagram: its start line plus headers.
type Message struct {
	StartLine string
	Headers   []Header
}

// Get returns the value of the first header matching name, case-
// insensitively, comparing one header at a time via asciiEqualFold rather
// than lowercasing the whole message up front.
func (m Message) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if asciiEqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Encode renders m as CRLF-terminated text ready to write to a UDP socket.
func Encode(m Message) []byte {
	var b strings.Builder
	b.WriteString(m.StartLine)
	b.WriteString("\r\n")
	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Decode parses a raw datagram into a Message. Malformed lines (no ':' and
// not the start line) are skipped rather than rejecting the whole datagram,
// matching extractHeader's line-by-line tolerance of whatever surrounds the
// headers it actually looks for.
func Decode(raw []byte) (Message, error) {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return Message{}, fmt.Errorf("ssdp: empty datagram")
	}
	m := Message{StartLine: lines[0]}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		m.Headers = append(m.Headers, Header{
			Name:  strings.TrimSpace(line[:idx]),
			Value: strings.TrimSpace(line[idx+1:]),
		})
	}
	return m, nil
}

// IsMSearch reports whether the decoded message is an M-SEARCH request.
func (m Message) IsMSearch() bool {
	return strings.HasPrefix(m.StartLine, "M-SEARCH")
}

// IsNotify reports whether the decoded message is a NOTIFY.
func (m Message) IsNotify() bool {
	return strings.HasPrefix(m.StartLine, "NOTIFY")
}

// IsSearchResponse reports whether the decoded message is a 200 OK
// response to M-SEARCH.
func (m Message) IsSearchResponse() bool {
	return strings.HasPrefix(m.StartLine, "HTTP/1.1 200")
}

// EncodeMSearch builds an M-SEARCH request, sent by a control point to the
// multicast group (dlna.ControlPoint.Search) with the given search target and MX
// (max wait seconds a device should randomize its reply delay over).
func EncodeMSearch(host, st string, mx int) []byte {
	return Encode(Message{
		StartLine: "M-SEARCH * HTTP/1.1",
		Headers: []Header{
			{Name: "HOST", Value: host},
			{Name: "MAN", Value: `"ssdp:discover"`},
			{Name: "MX", Value: fmt.Sprintf("%d", mx)},
			{Name: "ST", Value: st},
		},
	})
}

// EncodeSearchResponse builds the 200 OK reply a device sends back to an
// M-SEARCH, unicast to the requester. cacheMaxAge is in seconds.
func EncodeSearchResponse(cacheMaxAge int, location, server, st, usn string) []byte {
	return Encode(Message{
		StartLine: "HTTP/1.1 200 OK",
		Headers: []Header{
			{Name: "CACHE-CONTROL", Value: fmt.Sprintf("max-age=%d", cacheMaxAge)},
			{Name: "DATE", Value: time.Now().UTC().Format(time.RFC1123)},
			{Name: "EXT", Value: ""},
			{Name: "LOCATION", Value: location},
			{Name: "SERVER", Value: server},
			{Name: "ST", Value: st},
			{Name: "USN", Value: usn},
			{Name: "BOOTID.UPNP.ORG", Value: BootID},
			{Name: "CONFIGID.UPNP.ORG", Value: ConfigID},
		},
	})
}

// EncodeNotify builds a NOTIFY ssdp:alive or ssdp:byebye message. For
// byebye, cacheMaxAge/location/server are omitted, matching navidrome's
// sendNotify branching on nts.
func EncodeNotify(host string, nts, nt, usn string, cacheMaxAge int, location, server string) []byte {
	if nts == NTSByeBye {
		return Encode(Message{
			StartLine: "NOTIFY * HTTP/1.1",
			Headers: []Header{
				{Name: "HOST", Value: host},
				{Name: "NT", Value: nt},
				{Name: "NTS", Value: nts},
				{Name: "USN", Value: usn},
				{Name: "BOOTID.UPNP.ORG", Value: BootID},
				{Name: "CONFIGID.UPNP.ORG", Value: ConfigID},
			},
		})
	}
	return Encode(Message{
		StartLine: "NOTIFY * HTTP/1.1",
		Headers: []Header{
			{Name: "HOST", Value: host},
			{Name: "CACHE-CONTROL", Value: fmt.Sprintf("max-age=%d", cacheMaxAge)},
			{Name: "LOCATION", Value: location},
			{Name: "NT", Value: nt},
			{Name: "NTS", Value: nts},
			{Name: "SERVER", Value: server},
			{Name: "USN", Value: usn},
			{Name: "BOOTID.UPNP.ORG", Value: BootID},
			{Name: "CONFIGID.UPNP.ORG", Value: ConfigID},
		},
	})
}

// USN composes the Unique Service Name for a given target, matching
// navidrome's getUSN: the bare UDN when target equals the UDN itself,
// otherwise "UDN::target".
func USN(udn, target string) string {
	if target == udn {
		return udn
	}
	return udn + "::" + target
}

// ServerString composes the SERVER header value, matching navidrome's
// getServerString shape ("Linux/1.0 UPnP/1.1 <product>/<version>").
func ServerString(product, version string) string {
	return fmt.Sprintf("Linux/1.0 UPnP/1.1 %s/%s", product, version)
}
