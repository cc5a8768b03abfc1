// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"fmt"
	"strings"
)

// xmlRenderer writes the canonical EVTX XML form of an expanded token
// stream. Attribute order is the token stream order. When indentation is
// off a record renders on a single line.
type xmlRenderer struct {
	opts *Options
}

func newXMLRenderer(opts *Options) *xmlRenderer {
	return &xmlRenderer{opts: opts}
}

func (x *xmlRenderer) render(rec *Record) ([]byte, error) {
	w := xmlWriter{indent: x.opts.Indent}
	toks := rec.Tokens

	i := 0
	for i < len(toks) {
		switch toks[i].Kind {
		case TokenOpenStart:
			next, err := w.writeElement(toks, i)
			if err != nil {
				return nil, err
			}
			i = next
		case TokenPITarget:
			i = w.writePI(toks, i)
		default:
			// Stray content outside any element is dropped.
			i++
		}
	}
	return w.buf.Bytes(), nil
}

type xmlWriter struct {
	buf    bytes.Buffer
	indent bool
	depth  int
}

func (w *xmlWriter) pad() {
	if !w.indent {
		return
	}
	if w.buf.Len() > 0 {
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(strings.Repeat("  ", w.depth))
}

// writeElement renders the element opening at toks[i] and returns the
// index just past its closing token.
func (w *xmlWriter) writeElement(toks []Token, i int) (int, error) {
	open := toks[i]
	i++

	// Attribute pairs directly follow the open token.
	attrStart := i
	for i < len(toks) && toks[i].Kind == TokenAttribute {
		i += 2
	}
	attrEnd := i

	selfClosed := false
	switch {
	case i < len(toks) && toks[i].Kind == TokenCloseEmpty:
		selfClosed = true
		i++
	case i < len(toks) && toks[i].Kind == TokenCloseStart:
		i++
	}

	contentStart := i
	contentEnd, next := contentSpan(toks, i, selfClosed)

	// An array value as the element's sole content repeats the element
	// once per entry.
	if !selfClosed && spanIsSingleArray(toks, contentStart, contentEnd) {
		arr := toks[contentStart].Value
		for _, entry := range arr.Array {
			w.pad()
			w.buf.WriteByte('<')
			w.buf.WriteString(open.Name.Value)
			w.writeAttrs(toks, attrStart, attrEnd)
			w.buf.WriteByte('>')
			w.buf.WriteString(escapeXML(entry.String()))
			w.buf.WriteString("</")
			w.buf.WriteString(open.Name.Value)
			w.buf.WriteByte('>')
		}
		return next, nil
	}

	w.pad()
	w.buf.WriteByte('<')
	w.buf.WriteString(open.Name.Value)
	w.writeAttrs(toks, attrStart, attrEnd)

	if selfClosed || spanIsEmpty(toks, contentStart, contentEnd) {
		w.buf.WriteString("/>")
		return next, nil
	}

	w.buf.WriteByte('>')

	hasChildren := spanHasChildren(toks, contentStart, contentEnd)
	w.depth++
	j := contentStart
	for j < contentEnd {
		switch toks[j].Kind {
		case TokenOpenStart:
			nj, err := w.writeElement(toks, j)
			if err != nil {
				return 0, err
			}
			j = nj
		case TokenValue:
			if !toks[j].Value.IsNull() {
				w.buf.WriteString(escapeXML(toks[j].Value.String()))
			}
			j++
		case TokenCDATA:
			w.buf.WriteString("<![CDATA[")
			w.buf.WriteString(toks[j].Value.Str)
			w.buf.WriteString("]]>")
			j++
		case TokenCharRef:
			fmt.Fprintf(&w.buf, "&#%d;", toks[j].CharRef)
			j++
		case TokenEntityRef:
			w.buf.WriteByte('&')
			w.buf.WriteString(toks[j].Name.Value)
			w.buf.WriteByte(';')
			j++
		case TokenPITarget:
			j = w.writePI(toks, j)
		default:
			j++
		}
	}
	w.depth--

	if hasChildren {
		w.pad()
	}
	w.buf.WriteString("</")
	w.buf.WriteString(open.Name.Value)
	w.buf.WriteByte('>')
	return next, nil
}

func (w *xmlWriter) writeAttrs(toks []Token, start, end int) {
	for i := start; i < end; i += 2 {
		name := toks[i].Name.Value
		var val string
		if i+1 < end && toks[i+1].Kind == TokenValue {
			val = toks[i+1].Value.String()
		}
		w.buf.WriteByte(' ')
		w.buf.WriteString(name)
		w.buf.WriteString(`="`)
		w.buf.WriteString(escapeXML(val))
		w.buf.WriteByte('"')
	}
}

func (w *xmlWriter) writePI(toks []Token, i int) int {
	w.buf.WriteString("<?")
	w.buf.WriteString(toks[i].Name.Value)
	i++
	if i < len(toks) && toks[i].Kind == TokenPIData {
		if toks[i].Str != "" {
			w.buf.WriteByte(' ')
			w.buf.WriteString(toks[i].Str)
		}
		i++
	}
	w.buf.WriteString("?>")
	return i
}

// contentSpan returns the token range of an element's content and the
// index just past the element's close token.
func contentSpan(toks []Token, i int, selfClosed bool) (end, next int) {
	if selfClosed {
		return i, i
	}
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].Kind {
		case TokenOpenStart:
			depth++
		case TokenCloseEmpty:
			if depth > 0 {
				depth--
			}
		case TokenCloseElement:
			if depth == 0 {
				return j, j + 1
			}
			depth--
		}
	}
	return len(toks), len(toks)
}

// spanIsEmpty reports whether the content renders nothing: no tokens, or
// only values with an empty text form.
func spanIsEmpty(toks []Token, start, end int) bool {
	for i := start; i < end; i++ {
		if toks[i].Kind != TokenValue {
			return false
		}
		v := toks[i].Value
		if !v.IsNull() && v.String() != "" {
			return false
		}
	}
	return true
}

func spanIsSingleArray(toks []Token, start, end int) bool {
	return end-start == 1 && toks[start].Kind == TokenValue &&
		toks[start].Value.Type.IsArray()
}

func spanHasChildren(toks []Token, start, end int) bool {
	depth := 0
	for i := start; i < end; i++ {
		switch toks[i].Kind {
		case TokenOpenStart:
			if depth == 0 {
				return true
			}
			depth++
		case TokenCloseEmpty:
			if depth > 0 {
				depth--
			}
		case TokenCloseElement:
			depth--
		case TokenPITarget:
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
