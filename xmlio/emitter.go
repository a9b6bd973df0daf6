// Package xmlio implements C4: a streaming XML emitter and a depth-limited
// pull parser. Both exist because device descriptors, SOAP envelopes, and
// GENA NOTIFY bodies are generated and consumed far more often than a
// generic encoding/xml struct round-trip needs, and the source's
// XMLPrinter.h (original_source/src/dlna/xml/XMLPrinter.h) returns a byte
// count from every print call so a caller can track how much was written.
// Here the Emitter methods return only an error; the Emitter keeps the
// running byte total, read with N(), and output streams to the writer
// instead of being buffered in an xml.Marshal call.
package xmlio

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Emitter writes well-formed XML to an underlying io.Writer, tracking
// open-element nesting so Close can be called without repeating the tag
// name (mirroring printNodeBegin/printNodeEnd pairing in XMLPrinter.h).
type Emitter struct {
	w     io.Writer
	stack []string
	n     int64
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// N returns the total bytes written so far.
func (e *Emitter) N() int64 { return e.n }

func (e *Emitter) write(s string) (int, error) {
	n, err := io.WriteString(e.w, s)
	e.n += int64(n)
	return n, err
}

// Header writes the XML declaration.
func (e *Emitter) Header() error {
	_, err := e.write(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	return err
}

// Open writes a start tag with the given attributes (in the order given,
// name/value pairs) and pushes the tag name onto the nesting stack.
func (e *Emitter) Open(name string, attrs ...string) error {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(name)
	for i := 0; i+1 < len(attrs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(attrs[i])
		b.WriteString(`="`)
		b.WriteString(EscapeAttr(attrs[i+1]))
		b.WriteByte('"')
	}
	b.WriteByte('>')
	if _, err := e.write(b.String()); err != nil {
		return err
	}
	e.stack = append(e.stack, name)
	return nil
}

// Close ends the most recently opened element.
func (e *Emitter) Close() error {
	if len(e.stack) == 0 {
		return fmt.Errorf("xmlio: Close with no open element")
	}
	name := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	_, err := e.write("</" + name + ">")
	return err
}

// Leaf writes a complete open+escaped-text+close element in one call, or a
// self-closing empty tag if text is empty — matching XMLPrinter.h's
// printNode(node, txt) collapsing to a self-closed tag when content is null.
func (e *Emitter) Leaf(name, text string, attrs ...string) error {
	if text == "" {
		var b strings.Builder
		b.WriteByte('<')
		b.WriteString(name)
		for i := 0; i+1 < len(attrs); i += 2 {
			b.WriteString(" " + attrs[i] + `="` + EscapeAttr(attrs[i+1]) + `"`)
		}
		b.WriteString("/>")
		_, err := e.write(b.String())
		return err
	}
	if err := e.Open(name, attrs...); err != nil {
		return err
	}
	if text != "" {
		if _, err := e.write(EscapeText(text)); err != nil {
			return err
		}
	}
	return e.Close()
}

// LeafInt writes an integer leaf, mirroring XMLPrinter.h's printNode(node, int).
func (e *Emitter) LeafInt(name string, value int, attrs ...string) error {
	return e.Leaf(name, strconv.Itoa(value), attrs...)
}

// CData writes a CDATA section inline, used for DIDL-Lite metadata embedded
// inside a <res> or browse result string.
func (e *Emitter) CData(text string) error {
	_, err := e.write("<![CDATA[" + text + "]]>")
	return err
}

func EscapeText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}

func EscapeAttr(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
