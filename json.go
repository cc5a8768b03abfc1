// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Two JSON serializers consume the same expanded token stream: the
// streaming renderer writes straight to the output buffer during the token
// walk and never materializes a value tree; the tree renderer builds an
// intermediate node tree first, for callers that transform the document
// before emission. Both share the low-level emitter and must produce
// byte-identical output for the same record and options.

// jsonEmitter is the low-level writer: container state, commas, optional
// two-space indentation, key and scalar encoding.
type jsonEmitter struct {
	buf    bytes.Buffer
	indent bool
	depth  int
	// comma[i] records whether the i-th open container already holds an
	// entry.
	comma []bool
}

func (e *jsonEmitter) entrySep() {
	if len(e.comma) == 0 {
		return
	}
	if e.comma[len(e.comma)-1] {
		e.buf.WriteByte(',')
	}
	e.comma[len(e.comma)-1] = true
	if e.indent {
		e.buf.WriteByte('\n')
		e.buf.WriteString(strings.Repeat("  ", e.depth))
	}
}

func (e *jsonEmitter) open(c byte) {
	e.buf.WriteByte(c)
	e.depth++
	e.comma = append(e.comma, false)
}

func (e *jsonEmitter) close(c byte) {
	had := e.comma[len(e.comma)-1]
	e.comma = e.comma[:len(e.comma)-1]
	e.depth--
	if e.indent && had {
		e.buf.WriteByte('\n')
		e.buf.WriteString(strings.Repeat("  ", e.depth))
	}
	e.buf.WriteByte(c)
}

func (e *jsonEmitter) beginObject() { e.open('{') }
func (e *jsonEmitter) endObject()   { e.close('}') }
func (e *jsonEmitter) beginArray()  { e.open('[') }
func (e *jsonEmitter) endArray()    { e.close(']') }

func (e *jsonEmitter) key(k string) {
	e.entrySep()
	e.writeString(k)
	e.buf.WriteByte(':')
	if e.indent {
		e.buf.WriteByte(' ')
	}
}

// arrayElem must be called before writing a bare value inside an array.
func (e *jsonEmitter) arrayElem() {
	e.entrySep()
}

func (e *jsonEmitter) literal(raw string) {
	e.buf.WriteString(raw)
}

func (e *jsonEmitter) str(s string) {
	e.writeString(s)
}

// writeString quotes and escapes s. Names proven NCName skip the escape
// scan entirely.
func (e *jsonEmitter) writeString(s string) {
	if isNCName(s) {
		e.buf.WriteByte('"')
		e.buf.WriteString(s)
		e.buf.WriteByte('"')
		return
	}
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&e.buf, `\u%04x`, r)
			} else {
				e.buf.WriteRune(r)
			}
		}
	}
	e.buf.WriteByte('"')
}

// keyAllocator enforces key uniqueness per object. The first taker keeps
// the plain name; later collisions get deterministic _N suffixes in
// document order.
type keyAllocator struct {
	used map[string]bool
}

func newKeyAllocator() *keyAllocator {
	return &keyAllocator{used: make(map[string]bool)}
}

func (a *keyAllocator) alloc(name string) string {
	if !a.used[name] {
		a.used[name] = true
		return name
	}
	for n := 1; ; n++ {
		k := name + "_" + strconv.Itoa(n)
		if !a.used[k] {
			a.used[k] = true
			return k
		}
	}
}

// elemInfo locates one element inside the token slice: its attribute pair
// range and content range. Only indices are kept, never values.
type elemInfo struct {
	name         string
	attrStart    int
	attrEnd      int
	contentStart int
	contentEnd   int
}

// scanElement indexes the element opening at toks[i] and returns the index
// just past it.
func scanElement(toks []Token, i int) (elemInfo, int) {
	info := elemInfo{name: toks[i].Name.Value}
	i++

	info.attrStart = i
	for i < len(toks) && toks[i].Kind == TokenAttribute {
		i += 2
	}
	info.attrEnd = i

	selfClosed := false
	switch {
	case i < len(toks) && toks[i].Kind == TokenCloseEmpty:
		selfClosed = true
		i++
	case i < len(toks) && toks[i].Kind == TokenCloseStart:
		i++
	}

	info.contentStart = i
	info.contentEnd, i = contentSpan(toks, i, selfClosed)
	return info, i
}

// directChildren indexes the immediate child elements and text value
// tokens of a content span.
func directChildren(toks []Token, start, end int) (children []elemInfo,
	texts []int) {

	i := start
	for i < end {
		switch toks[i].Kind {
		case TokenOpenStart:
			info, next := scanElement(toks, i)
			children = append(children, info)
			i = next
		case TokenValue, TokenCDATA, TokenCharRef, TokenEntityRef:
			texts = append(texts, i)
			i++
		default:
			i++
		}
	}
	return children, texts
}

// childGroup aggregates same-named sibling elements, preserving first
// appearance order.
type childGroup struct {
	name  string
	items []elemInfo
}

func groupChildren(children []elemInfo) []childGroup {
	var groups []childGroup
	index := make(map[string]int)
	for _, c := range children {
		if gi, ok := index[c.name]; ok {
			groups[gi].items = append(groups[gi].items, c)
			continue
		}
		index[c.name] = len(groups)
		groups = append(groups, childGroup{name: c.name,
			items: []elemInfo{c}})
	}
	return groups
}

// textValue resolves a content text token to a Value.
func textValue(toks []Token, i int) Value {
	switch toks[i].Kind {
	case TokenValue, TokenCDATA:
		return toks[i].Value
	case TokenCharRef:
		return Value{Type: StringType, Str: string(rune(toks[i].CharRef))}
	case TokenEntityRef:
		return Value{Type: StringType,
			Str: resolveEntity(toks[i].Name.Value)}
	}
	return NullValue()
}

func resolveEntity(name string) string {
	switch name {
	case "amp":
		return "&"
	case "lt":
		return "<"
	case "gt":
		return ">"
	case "quot":
		return `"`
	case "apos":
		return "'"
	}
	return "&" + name + ";"
}

// elemShape classifies how an element renders as JSON.
type elemShape int

const (
	shapeEmpty  elemShape = iota // {}
	shapeNull                    // null (elided optional substitution)
	shapeScalar                  // bare value
	shapeArray                   // array value content
	shapeObject                  // object with attributes/children/#text
)

func classify(toks []Token, info elemInfo, separateAttrs bool) elemShape {
	hasAttrs := info.attrEnd > info.attrStart
	children, texts := directChildren(toks, info.contentStart,
		info.contentEnd)

	if len(children) > 0 || (hasAttrs && !separateAttrs) {
		return shapeObject
	}

	// Leaf: shape driven by the text content.
	nonNull := 0
	for _, ti := range texts {
		if !textValue(toks, ti).IsNull() {
			nonNull++
		}
	}
	switch {
	case nonNull == 0 && len(texts) > 0:
		return shapeNull
	case nonNull == 0:
		return shapeEmpty
	case nonNull == 1 && len(texts) == 1 &&
		textValue(toks, texts[0]).Type.IsArray():
		return shapeArray
	default:
		return shapeScalar
	}
}

// isEmptyFragment reports whether the element renders as {} with no
// attributes, the shape elided under SkipEmptyFragments.
func isEmptyFragment(toks []Token, info elemInfo, separateAttrs bool) bool {
	if info.attrEnd > info.attrStart {
		return false
	}
	return classify(toks, info, separateAttrs) == shapeEmpty
}

// jsonStreamRenderer is the direct-writer path.
type jsonStreamRenderer struct {
	opts   *Options
	pretty bool
}

// newJSONRenderer returns the streaming JSON renderer. pretty selects
// indented output; JSONL forces compact.
func newJSONRenderer(opts *Options, pretty bool) *jsonStreamRenderer {
	return &jsonStreamRenderer{opts: opts, pretty: pretty}
}

func (s *jsonStreamRenderer) render(rec *Record) ([]byte, error) {
	e := &jsonEmitter{indent: s.pretty}
	e.beginObject()

	alloc := newKeyAllocator()
	if s.opts.IncludeRecordMetadata {
		s.writeMetadata(e, alloc, rec)
	}

	roots, _ := directChildren(rec.Tokens, 0, len(rec.Tokens))
	s.writeChildGroups(e, rec.Tokens, groupChildren(roots), alloc)

	e.endObject()
	return e.buf.Bytes(), nil
}

func (s *jsonStreamRenderer) writeMetadata(e *jsonEmitter,
	alloc *keyAllocator, rec *Record) {

	e.key(alloc.alloc("#metadata"))
	e.beginObject()
	e.key("EventRecordID")
	e.literal(strconv.FormatUint(rec.ID, 10))
	e.key("TimeCreated")
	e.str(formatFiletime(rec.WrittenAt))
	e.key("ChunkIndex")
	e.literal(strconv.Itoa(rec.ChunkIndex))
	e.key("FileOffset")
	e.literal(strconv.FormatInt(rec.Offset, 10))
	e.endObject()
}

func (s *jsonStreamRenderer) writeChildGroups(e *jsonEmitter, toks []Token,
	groups []childGroup, alloc *keyAllocator) {

	for _, g := range groups {
		items := g.items
		if s.opts.SkipEmptyFragments {
			kept := items[:0:0]
			for _, it := range items {
				if !isEmptyFragment(toks, it,
					s.opts.SeparateJSONAttributes) {
					kept = append(kept, it)
				}
			}
			items = kept
			if len(items) == 0 {
				continue
			}
		}

		e.key(alloc.alloc(g.name))
		if len(items) == 1 {
			s.writeElementValue(e, toks, items[0])
		} else {
			e.beginArray()
			for _, it := range items {
				e.arrayElem()
				s.writeElementValue(e, toks, it)
			}
			e.endArray()
		}

		if s.opts.SeparateJSONAttributes {
			s.writeSeparateAttrs(e, toks, g.name, items, alloc)
		}
	}
}

func (s *jsonStreamRenderer) writeSeparateAttrs(e *jsonEmitter,
	toks []Token, name string, items []elemInfo, alloc *keyAllocator) {

	any := false
	for _, it := range items {
		if it.attrEnd > it.attrStart {
			any = true
			break
		}
	}
	if !any {
		return
	}

	e.key(alloc.alloc(name + "_attributes"))
	if len(items) == 1 {
		s.writeAttrObject(e, toks, items[0])
		return
	}
	e.beginArray()
	for _, it := range items {
		e.arrayElem()
		s.writeAttrObject(e, toks, it)
	}
	e.endArray()
}

func (s *jsonStreamRenderer) writeAttrObject(e *jsonEmitter, toks []Token,
	info elemInfo) {

	e.beginObject()
	alloc := newKeyAllocator()
	for i := info.attrStart; i < info.attrEnd; i += 2 {
		e.key(alloc.alloc(toks[i].Name.Value))
		if i+1 < info.attrEnd && toks[i+1].Kind == TokenValue {
			writeJSONValue(e, toks[i+1].Value)
		} else {
			e.literal("null")
		}
	}
	e.endObject()
}

func (s *jsonStreamRenderer) writeElementValue(e *jsonEmitter, toks []Token,
	info elemInfo) {

	shape := classify(toks, info, s.opts.SeparateJSONAttributes)
	children, texts := directChildren(toks, info.contentStart,
		info.contentEnd)

	switch shape {
	case shapeEmpty:
		e.beginObject()
		e.endObject()

	case shapeNull:
		e.literal("null")

	case shapeScalar:
		writeJSONValue(e, scalarTextValue(toks, texts))

	case shapeArray:
		writeJSONValue(e, textValue(toks, texts[0]))

	case shapeObject:
		e.beginObject()
		alloc := newKeyAllocator()

		if info.attrEnd > info.attrStart &&
			!s.opts.SeparateJSONAttributes {
			e.key(alloc.alloc("#attributes"))
			s.writeAttrObject(e, toks, info)
		}

		s.writeChildGroups(e, toks, groupChildren(children), alloc)

		if hasText, v := objectText(toks, texts); hasText {
			e.key(alloc.alloc("#text"))
			writeJSONValue(e, v)
		}
		e.endObject()
	}
}

// scalarTextValue merges the non-null text tokens of a leaf element:
// a single token keeps its type, multiple tokens concatenate as a string.
func scalarTextValue(toks []Token, texts []int) Value {
	var nonNull []Value
	for _, ti := range texts {
		if v := textValue(toks, ti); !v.IsNull() {
			nonNull = append(nonNull, v)
		}
	}
	if len(nonNull) == 1 {
		return nonNull[0]
	}
	var sb strings.Builder
	for _, v := range nonNull {
		sb.WriteString(v.String())
	}
	return Value{Type: StringType, Str: sb.String()}
}

// objectText resolves the #text entry of an object-shaped element.
func objectText(toks []Token, texts []int) (bool, Value) {
	if len(texts) == 0 {
		return false, Value{}
	}
	v := scalarTextValue(toks, texts)
	if v.Type == StringType && v.Str == "" && len(texts) > 0 {
		// Only null markers: keep an explicit null #text.
		allNull := true
		for _, ti := range texts {
			if !textValue(toks, ti).IsNull() {
				allNull = false
				break
			}
		}
		if allNull {
			return true, NullValue()
		}
	}
	return true, v
}

// writeJSONValue emits a Value: numbers, booleans and null as literals,
// arrays recursively, everything else in its canonical string form.
func writeJSONValue(e *jsonEmitter, v Value) {
	if v.Type.IsArray() {
		e.beginArray()
		for _, entry := range v.Array {
			e.arrayElem()
			writeJSONValue(e, entry)
		}
		e.endArray()
		return
	}
	if lit, ok := v.jsonLiteral(); ok {
		e.literal(lit)
		return
	}
	e.str(v.String())
}

// jsonTreeRenderer materializes an intermediate node tree before emitting.
// Retained for callers that post-process the document; its output is byte
// identical to the streaming path.
type jsonTreeRenderer struct {
	opts   *Options
	pretty bool
}

func newJSONTreeRenderer(opts *Options, pretty bool) *jsonTreeRenderer {
	return &jsonTreeRenderer{opts: opts, pretty: pretty}
}

type jkind int

const (
	jObject jkind = iota
	jArray
	jLiteral
	jString
)

type jnode struct {
	kind jkind
	keys []string
	vals []*jnode
	lit  string
}

func objNode() *jnode  { return &jnode{kind: jObject} }
func arrNode() *jnode  { return &jnode{kind: jArray} }
func litNode(raw string) *jnode {
	return &jnode{kind: jLiteral, lit: raw}
}
func strNode(s string) *jnode { return &jnode{kind: jString, lit: s} }

func (n *jnode) put(key string, v *jnode) {
	n.keys = append(n.keys, key)
	n.vals = append(n.vals, v)
}

func (n *jnode) push(v *jnode) {
	n.vals = append(n.vals, v)
}

func (t *jsonTreeRenderer) render(rec *Record) ([]byte, error) {
	root := t.buildDocument(rec)
	e := &jsonEmitter{indent: t.pretty}
	emitNode(e, root)
	return e.buf.Bytes(), nil
}

func (t *jsonTreeRenderer) buildDocument(rec *Record) *jnode {
	doc := objNode()
	alloc := newKeyAllocator()

	if t.opts.IncludeRecordMetadata {
		meta := objNode()
		meta.put("EventRecordID", litNode(strconv.FormatUint(rec.ID, 10)))
		meta.put("TimeCreated", strNode(formatFiletime(rec.WrittenAt)))
		meta.put("ChunkIndex", litNode(strconv.Itoa(rec.ChunkIndex)))
		meta.put("FileOffset", litNode(strconv.FormatInt(rec.Offset, 10)))
		doc.put(alloc.alloc("#metadata"), meta)
	}

	roots, _ := directChildren(rec.Tokens, 0, len(rec.Tokens))
	t.buildChildGroups(doc, rec.Tokens, groupChildren(roots), alloc)
	return doc
}

func (t *jsonTreeRenderer) buildChildGroups(parent *jnode, toks []Token,
	groups []childGroup, alloc *keyAllocator) {

	for _, g := range groups {
		items := g.items
		if t.opts.SkipEmptyFragments {
			kept := items[:0:0]
			for _, it := range items {
				if !isEmptyFragment(toks, it,
					t.opts.SeparateJSONAttributes) {
					kept = append(kept, it)
				}
			}
			items = kept
			if len(items) == 0 {
				continue
			}
		}

		if len(items) == 1 {
			parent.put(alloc.alloc(g.name),
				t.buildElementValue(toks, items[0]))
		} else {
			arr := arrNode()
			for _, it := range items {
				arr.push(t.buildElementValue(toks, it))
			}
			parent.put(alloc.alloc(g.name), arr)
		}

		if t.opts.SeparateJSONAttributes {
			t.buildSeparateAttrs(parent, toks, g.name, items, alloc)
		}
	}
}

func (t *jsonTreeRenderer) buildSeparateAttrs(parent *jnode, toks []Token,
	name string, items []elemInfo, alloc *keyAllocator) {

	any := false
	for _, it := range items {
		if it.attrEnd > it.attrStart {
			any = true
			break
		}
	}
	if !any {
		return
	}

	if len(items) == 1 {
		parent.put(alloc.alloc(name+"_attributes"),
			t.buildAttrObject(toks, items[0]))
		return
	}
	arr := arrNode()
	for _, it := range items {
		arr.push(t.buildAttrObject(toks, it))
	}
	parent.put(alloc.alloc(name+"_attributes"), arr)
}

func (t *jsonTreeRenderer) buildAttrObject(toks []Token,
	info elemInfo) *jnode {

	obj := objNode()
	alloc := newKeyAllocator()
	for i := info.attrStart; i < info.attrEnd; i += 2 {
		key := alloc.alloc(toks[i].Name.Value)
		if i+1 < info.attrEnd && toks[i+1].Kind == TokenValue {
			obj.put(key, valueNode(toks[i+1].Value))
		} else {
			obj.put(key, litNode("null"))
		}
	}
	return obj
}

func (t *jsonTreeRenderer) buildElementValue(toks []Token,
	info elemInfo) *jnode {

	shape := classify(toks, info, t.opts.SeparateJSONAttributes)
	children, texts := directChildren(toks, info.contentStart,
		info.contentEnd)

	switch shape {
	case shapeEmpty:
		return objNode()

	case shapeNull:
		return litNode("null")

	case shapeScalar:
		return valueNode(scalarTextValue(toks, texts))

	case shapeArray:
		return valueNode(textValue(toks, texts[0]))

	default: // shapeObject
		obj := objNode()
		alloc := newKeyAllocator()

		if info.attrEnd > info.attrStart &&
			!t.opts.SeparateJSONAttributes {
			obj.put(alloc.alloc("#attributes"),
				t.buildAttrObject(toks, info))
		}

		t.buildChildGroups(obj, toks, groupChildren(children), alloc)

		if hasText, v := objectText(toks, texts); hasText {
			obj.put(alloc.alloc("#text"), valueNode(v))
		}
		return obj
	}
}

func valueNode(v Value) *jnode {
	if v.Type.IsArray() {
		arr := arrNode()
		for _, entry := range v.Array {
			arr.push(valueNode(entry))
		}
		return arr
	}
	if lit, ok := v.jsonLiteral(); ok {
		return litNode(lit)
	}
	return strNode(v.String())
}

func emitNode(e *jsonEmitter, n *jnode) {
	switch n.kind {
	case jObject:
		e.beginObject()
		for i, k := range n.keys {
			e.key(k)
			emitNode(e, n.vals[i])
		}
		e.endObject()
	case jArray:
		e.beginArray()
		for _, v := range n.vals {
			e.arrayElem()
			emitNode(e, v)
		}
		e.endArray()
	case jLiteral:
		e.literal(n.lit)
	case jString:
		e.str(n.lit)
	}
}
