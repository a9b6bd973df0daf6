package xmlio

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
)

// DefaultMaxDepth bounds element nesting a Parser will descend into before
// aborting, guarding against a malicious or buggy peer sending deeply
// nested XML to exhaust the stack — spec.md requires this be finite and
// gives 16 as the default depth budget.
const DefaultMaxDepth = 16

// Parser is a depth-limited pull parser over encoding/xml's tokenizer. It is
// used wherever this module needs to locate one element inside a larger
// document without unmarshaling the whole thing into a struct: the SOAP
// envelope's s:Body child (the action name and its arguments, whose element
// name is not known in advance), and a GENA NOTIFY body's <e:property>
// children.
type Parser struct {
	dec      *xml.Decoder
	maxDepth int
	depth    int
}

func NewParser(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r), maxDepth: DefaultMaxDepth}
}

// NewParserSize is NewParser with r wrapped in a bufio.Reader sized
// bufSize, matching spec.md §6's XML_PARSER_BUFFER_SIZE lookahead knob.
// bufSize<=0 behaves exactly like NewParser.
func NewParserSize(r io.Reader, bufSize int) *Parser {
	if bufSize <= 0 {
		return NewParser(r)
	}
	return NewParser(bufio.NewReaderSize(r, bufSize))
}

// WithMaxDepth overrides DefaultMaxDepth; used by tests that want to assert
// the depth guard trips.
func (p *Parser) WithMaxDepth(d int) *Parser {
	p.maxDepth = d
	return p
}

// FirstChildElement advances past tokens until it finds the first child
// start element directly under the current position and returns its name;
// io.EOF if the document ends first.
func (p *Parser) FirstChildElement() (xml.Name, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return xml.Name{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			p.depth++
			if p.depth > p.maxDepth {
				return xml.Name{}, fmt.Errorf("xmlio: max depth %d exceeded", p.maxDepth)
			}
			return se.Name, nil
		}
		if _, ok := tok.(xml.EndElement); ok {
			p.depth--
		}
	}
}

// FindElement scans forward (depth-limited) for the next start element
// whose local name equals local, ignoring namespace, and returns its
// attributes. Used to find s:Body, then the single action-name child inside
// it, without needing to know the service's namespace URI up front.
func (p *Parser) FindElement(local string) (xml.StartElement, bool, error) {
	for {
		tok, err := p.dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, false, nil
		}
		if err != nil {
			return xml.StartElement{}, false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.depth++
			if p.depth > p.maxDepth {
				return xml.StartElement{}, false, fmt.Errorf("xmlio: max depth %d exceeded", p.maxDepth)
			}
			if t.Name.Local == local {
				return t, true, nil
			}
		case xml.EndElement:
			p.depth--
		}
	}
}

// InnerText reads character data up to the matching end element for the
// start element most recently returned by FindElement/FirstChildElement,
// concatenating CharData tokens and ignoring any nested elements' tags
// (their text is still collected, matching encoding/xml's innerxml-adjacent
// behavior for simple leaf-ish elements like SOAP arguments).
func (p *Parser) InnerText() (string, error) {
	var out []byte
	depth := 1
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			out = append(out, t...)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				p.depth--
				return string(out), nil
			}
		}
	}
}

// KV is one child element's local name and flattened text content, as
// returned by Children.
type KV struct {
	Name  string
	Value string
}

// Children reads immediate child elements of the element most recently
// entered by FindElement/FirstChildElement, returning each child's local
// name and its InnerText, until the enclosing end element is reached. Used
// by soap.Invoker to turn a SOAP Response/Fault element's children into
// Argument pairs without the caller knowing their names in advance.
func (p *Parser) Children() ([]KV, error) {
	var out []KV
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.depth++
			text, err := p.InnerText()
			if err != nil {
				return nil, err
			}
			out = append(out, KV{Name: t.Name.Local, Value: text})
		case xml.EndElement:
			p.depth--
			return out, nil
		}
	}
}

// Decode delegates to the underlying decoder's Decode for callers that
// already have a target struct (e.g. device descriptors), after the caller
// has used FindElement to seek to the right offset is not required — Decode
// is typically used directly against the full document.
func (p *Parser) Decode(v interface{}) error {
	return p.dec.Decode(v)
}
