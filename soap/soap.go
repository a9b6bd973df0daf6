// Package soap implements C11: composing a SOAP 1.1 action envelope,
// POSTing it, and parsing the response or fault — grounded on
// server/sonos_cast/avtransport.go's sendAction (envelope shape, SOAPACTION
// header format, fault handling) and server/dlna/control.go's SOAPEnvelope/
// SOAPBody/SOAPFault structs, generalized from AVTransport-specific methods
// into a single Invoke callable for any service/action pair.
package soap

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dlnakit/dlnakit/dlnaerr"
	"github.com/dlnakit/dlnakit/netio"
	"github.com/dlnakit/dlnakit/xmlio"
)

// Argument is one SOAP action argument or response field.
type Argument struct {
	Name  string
	Value string
}

// ActionReply is the outcome of one Invoke call.
type ActionReply struct {
	Valid bool
	Args  []Argument
}

// Get returns the value of the first argument named name, or ok=false.
func (r ActionReply) Get(name string) (string, bool) {
	for _, a := range r.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Invoker issues SOAP action requests over an HTTPClientTransport.
type Invoker struct {
	http    *netio.HTTPClientTransport
	bufSize int
}

// NewInvoker builds an Invoker. bufSize sizes the xmlio.Parser lookahead
// buffer used to parse responses and faults (spec.md §6's
// XML_PARSER_BUFFER_SIZE); 0 uses xmlio's own default.
func NewInvoker(http *netio.HTTPClientTransport, bufSize int) *Invoker {
	return &Invoker{http: http, bufSize: bufSize}
}

// Invoke composes and sends a SOAP 1.1 envelope invoking action on
// serviceType at controlURL with args, matching spec.md §4.11:
//   - envelope: u:<action> in namespace serviceType
//   - POST controlURL, Content-Type: text/xml; charset="utf-8",
//     SOAPACTION: "<serviceType>#<action>", Connection: close
//   - 200: Response element's children become ActionReply.Args
//   - Fault or non-200: ActionReply{Valid: false}, error is a
//     *dlnaerr.PeerRejection carrying the UPnP error code/description when
//     a Fault body could be parsed, otherwise a *dlnaerr.PeerRejection whose
//     Code is the HTTP status
//   - a failed POST returns the transport's error; a 200 body that does not
//     parse returns a ProtocolError
func (inv *Invoker) Invoke(ctx context.Context, serviceType, controlURL, action string, args []Argument) (ActionReply, error) {
	body := buildEnvelope(serviceType, action, args)

	headers := map[string]string{
		"SOAPACTION": fmt.Sprintf(`"%s#%s"`, serviceType, action),
		"Connection": "close",
	}
	respBody, status, err := inv.http.Post(ctx, controlURL, `text/xml; charset="utf-8"`, body, headers)
	if err != nil {
		return ActionReply{Valid: false}, err
	}

	if status != 200 {
		if rej, parseErr := parseFault(respBody, inv.bufSize); parseErr == nil {
			return ActionReply{Valid: false}, rej
		}
		return ActionReply{Valid: false}, dlnaerr.NewPeerRejection("soap.Invoke", status, "non-200 response")
	}

	args, err = parseResponseArgs(respBody, inv.bufSize)
	if err != nil {
		return ActionReply{Valid: false}, dlnaerr.Protocol("soap.Invoke", err)
	}
	return ActionReply{Valid: true, Args: args}, nil
}

func buildEnvelope(serviceType, action string, args []Argument) []byte {
	var b bytes.Buffer
	e := xmlio.NewEmitter(&b)
	_ = e.Header()
	_ = e.Open("s:Envelope",
		"xmlns:s", "http://schemas.xmlsoap.org/soap/envelope/",
		"s:encodingStyle", "http://schemas.xmlsoap.org/soap/encoding/",
	)
	_ = e.Open("s:Body")
	_ = e.Open("u:"+action, "xmlns:u", serviceType)
	for _, a := range args {
		_ = e.Leaf(a.Name, a.Value)
	}
	_ = e.Close() // u:<action>
	_ = e.Close() // s:Body
	_ = e.Close() // s:Envelope
	return b.Bytes()
}

func parseResponseArgs(body []byte, bufSize int) ([]Argument, error) {
	p := xmlio.NewParserSize(bytes.NewReader(body), bufSize)
	if _, found, err := p.FindElement("Body"); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("soap: no Body element in response")
	}
	name, err := p.FirstChildElement()
	if err != nil {
		return nil, err
	}
	if name.Local == "Fault" {
		return nil, fmt.Errorf("soap: unexpected Fault in 200 response")
	}
	if !strings.HasSuffix(name.Local, "Response") {
		return nil, fmt.Errorf("soap: unexpected Body child %q", name.Local)
	}
	kvs, err := p.Children()
	if err != nil {
		return nil, err
	}
	out := make([]Argument, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, Argument{Name: kv.Name, Value: kv.Value})
	}
	return out, nil
}

// parseFault locates the Fault element and then, separately, its nested
// detail/UPnPError element (which may be arbitrarily deep under detail,
// per the UPnP spec, not a direct Fault child) rather than treating
// Fault's immediate children uniformly — a plain Children() call on Fault
// would hand back "detail" as one flattened text blob instead of
// errorCode/errorDescription as separate fields.
func parseFault(body []byte, bufSize int) (*dlnaerr.PeerRejection, error) {
	p := xmlio.NewParserSize(bytes.NewReader(body), bufSize)
	if _, found, err := p.FindElement("Fault"); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("soap: no Fault element")
	}

	code := 501
	desc := "Action Failed"

	if _, found, err := p.FindElement("faultstring"); err == nil && found {
		if text, err := p.InnerText(); err == nil && text != "" {
			desc = text
		}
	}

	if _, found, err := p.FindElement("UPnPError"); err == nil && found {
		kvs, err := p.Children()
		if err == nil {
			for _, kv := range kvs {
				switch kv.Name {
				case "errorCode":
					if n, ok := ParseIntPrefix(kv.Value); ok {
						code = n
					}
				case "errorDescription":
					desc = kv.Value
				}
			}
		}
	}

	return dlnaerr.NewPeerRejection("soap.Invoke", code, desc), nil
}

// ParseIntPrefix implements spec.md §4.11's "parse integer prefix" rule:
// an optional leading sign, then digits (leading zeros allowed), parsing
// stops at the first non-digit. Returns ok=false if no digit was found.
func ParseIntPrefix(s string) (int, bool) {
	s = strings.TrimSpace(s)
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseTimeArgMS converts a SOAP time argument in H:MM:SS, MM:SS, or SS
// form into milliseconds, per spec.md §4.11.
func ParseTimeArgMS(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	var h, m, sec int64
	var err error
	switch len(parts) {
	case 1:
		sec, err = parseInt64(parts[0])
	case 2:
		m, err = parseInt64(parts[0])
		if err == nil {
			sec, err = parseInt64(parts[1])
		}
	case 3:
		h, err = parseInt64(parts[0])
		if err == nil {
			m, err = parseInt64(parts[1])
		}
		if err == nil {
			sec, err = parseInt64(parts[2])
		}
	default:
		return 0, fmt.Errorf("soap: invalid time argument %q", s)
	}
	if err != nil {
		return 0, fmt.Errorf("soap: invalid time argument %q: %w", s, err)
	}
	total := ((h*60+m)*60 + sec) * 1000
	return total, nil
}

func parseInt64(s string) (int64, error) {
	n, ok := ParseIntPrefix(s)
	if !ok {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return int64(n), nil
}

// FormatTimeArgMS renders ms as an H:MM:SS string, the inverse of
// ParseTimeArgMS, used when this module acts as a control point issuing
// Seek or similar time-valued actions.
func FormatTimeArgMS(ms int64) string {
	totalSec := ms / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// ActionFromSOAPAction extracts the action name from a SOAPACTION header
// value of the form `"serviceType#action"`, matching
// server/dlna/control.go's extractActionName.
func ActionFromSOAPAction(soapAction string) string {
	soapAction = strings.Trim(soapAction, `"`)
	if idx := strings.LastIndex(soapAction, "#"); idx >= 0 {
		return soapAction[idx+1:]
	}
	return soapAction
}

// ParseRequestArgs is the device-side counterpart of parseResponseArgs: it
// locates the single action-name child of s:Body in an inbound SOAP
// request body (the name is already known from the SOAPACTION header, so
// this does not check it) and returns its children as Args. bufSize sizes
// the xmlio.Parser lookahead buffer (spec.md §6's XML_PARSER_BUFFER_SIZE);
// 0 uses xmlio's own default.
func ParseRequestArgs(body []byte, bufSize int) ([]Argument, error) {
	p := xmlio.NewParserSize(bytes.NewReader(body), bufSize)
	if _, found, err := p.FindElement("Body"); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("soap: no Body element in request")
	}
	if _, err := p.FirstChildElement(); err != nil {
		return nil, err
	}
	kvs, err := p.Children()
	if err != nil {
		return nil, err
	}
	out := make([]Argument, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, Argument{Name: kv.Name, Value: kv.Value})
	}
	return out, nil
}

// WriteResponse renders a successful device-side SOAP response for action
// on serviceType, with args as the response's output arguments, matching
// server/dlna/control.go's writeSOAPResponse envelope shape.
func WriteResponse(serviceType, action string, args []Argument) []byte {
	var b bytes.Buffer
	e := xmlio.NewEmitter(&b)
	_ = e.Header()
	_ = e.Open("s:Envelope",
		"xmlns:s", "http://schemas.xmlsoap.org/soap/envelope/",
		"s:encodingStyle", "http://schemas.xmlsoap.org/soap/encoding/",
	)
	_ = e.Open("s:Body")
	_ = e.Open("u:"+action+"Response", "xmlns:u", serviceType)
	for _, a := range args {
		_ = e.Leaf(a.Name, a.Value)
	}
	_ = e.Close()
	_ = e.Close()
	_ = e.Close()
	return b.Bytes()
}

// WriteFault renders a device-side SOAP Fault carrying a UPnP error code
// and description, matching server/dlna/control.go's writeSOAPFault.
func WriteFault(code int, description string) []byte {
	var b bytes.Buffer
	e := xmlio.NewEmitter(&b)
	_ = e.Header()
	_ = e.Open("s:Envelope",
		"xmlns:s", "http://schemas.xmlsoap.org/soap/envelope/",
		"s:encodingStyle", "http://schemas.xmlsoap.org/soap/encoding/",
	)
	_ = e.Open("s:Body")
	_ = e.Open("s:Fault")
	_ = e.Leaf("faultcode", "s:Client")
	_ = e.Leaf("faultstring", "UPnPError")
	_ = e.Open("detail")
	_ = e.Open("UPnPError", "xmlns", "urn:schemas-upnp-org:control-1-0")
	_ = e.LeafInt("errorCode", code)
	_ = e.Leaf("errorDescription", description)
	_ = e.Close() // UPnPError
	_ = e.Close() // detail
	_ = e.Close() // s:Fault
	_ = e.Close() // s:Body
	_ = e.Close() // s:Envelope
	return b.Bytes()
}

// UPnP error codes used by device-side action handlers, matching
// server/dlna/control.go's constants.
const (
	ErrInvalidAction = 401
	ErrInvalidArgs   = 402
	ErrActionFailed  = 501
)
