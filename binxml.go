// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// TokenKind identifies a deserialized BinXML token.
type TokenKind uint8

// Token kinds.
const (
	TokenEOF TokenKind = iota
	TokenFragmentHeader
	TokenOpenStart
	TokenCloseStart
	TokenCloseEmpty
	TokenCloseElement
	TokenValue
	TokenAttribute
	TokenCDATA
	TokenCharRef
	TokenEntityRef
	TokenPITarget
	TokenPIData
	TokenNormalSubst
	TokenOptionalSubst
	TokenTemplateInstance
)

// Name is a resolved BinXML name together with its MS-EVEN6 hash.
type Name struct {
	Hash  uint16
	Value string
}

// Token is one element of the deserialized BinXML stream. The populated
// fields depend on Kind: elements, attributes, entity references and PI
// targets carry Name; value and CDATA tokens carry Value; substitutions
// carry Slot and DeclType; template instances carry Template and Subs.
type Token struct {
	Kind     TokenKind
	Name     Name
	Value    Value
	Slot     uint16
	DeclType ValueType
	// More mirrors the 0x40 opcode flag on attributes.
	More bool
	// HasAttrs is set on open-start tokens whose element carries an
	// attribute list.
	HasAttrs bool
	CharRef  uint16
	Str      string
	Template *CachedTemplate
	Subs     []Value
}

// CachedTemplate is a template definition parsed once per chunk and shared
// by every record instantiating it.
type CachedTemplate struct {
	Offset   uint32
	GUID     string
	DataSize uint32
	Tokens   []Token
}

// deserializer translates a byte range into a token stream, resolving name
// and template references through the owning chunk's caches. The name
// encoding dialect is fixed per deserializer: chunk-offset references for
// EVTX chunks, inline names for provider-embedded (WEVT) templates.
type deserializer struct {
	chunk       *Chunk
	opts        *Options
	r           *reader
	inlineNames bool
	depth       int
}

// fork derives a deserializer over a different reader, keeping caches and
// bumping the recursion depth.
func (d *deserializer) fork(r *reader) *deserializer {
	return &deserializer{
		chunk:       d.chunk,
		opts:        d.opts,
		r:           r,
		inlineNames: d.inlineNames,
		depth:       d.depth + 1,
	}
}

func (d *deserializer) strictUTF16() bool {
	return d.opts != nil && d.opts.RecoveryMode == RecoveryStrict
}

func (d *deserializer) codepage() encoding.Encoding {
	if d.opts != nil && d.opts.codepage != nil {
		return d.opts.codepage
	}
	return charmap.Windows1252
}

// ParseWevtFragment deserializes a standalone BinXML fragment in the WEVT
// dialect, where names are stored inline with verified MS-EVEN6 hashes.
// Intended for provider-embedded template data extracted from PE
// resources; such fragments carry no chunk, so chunk-offset references
// are invalid in this dialect.
func ParseWevtFragment(data []byte, opts *Options) ([]Token, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.codepage == nil {
		if err := opts.normalize(); err != nil {
			return nil, err
		}
	}
	d := &deserializer{opts: opts, r: newReader(data), inlineNames: true}
	return d.tokens()
}

// nestedFragment deserializes a detached fragment buffer. It is reached
// through decodeScalar for BinXMLType; in-stream fragments go through
// parseValue, which deserializes them in place and keeps chunk-relative
// positioning.
func (d *deserializer) nestedFragment(raw []byte) ([]Token, error) {
	if d.depth+1 > maxTemplateDepth {
		return nil, ErrInvalidTemplateOffset
	}
	sub := d.fork(newReader(raw))
	return sub.tokens()
}

// tokens reads the stream until an end-of-stream token or the end of the
// byte range.
func (d *deserializer) tokens() ([]Token, error) {
	if d.depth > maxTemplateDepth {
		return nil, ErrInvalidTemplateOffset
	}

	var out []Token
	for d.r.remaining() > 0 {
		tok, err := d.next()
		if err != nil {
			return nil, err
		}
		if tok.Kind == TokenEOF {
			break
		}
		out = append(out, tok)
	}
	return out, nil
}

// next decodes a single token.
func (d *deserializer) next() (Token, error) {
	pos := d.r.pos()
	op, err := d.r.uint8()
	if err != nil {
		return Token{}, err
	}

	more := op&tokenFlagMore != 0
	switch op &^ tokenFlagMore {

	case tokenEOF:
		if more {
			return Token{}, d.tokenErr(ErrUnsupportedToken, pos)
		}
		return Token{Kind: TokenEOF}, nil

	case tokenOpenStart:
		return d.readOpenStart(more)

	case tokenCloseStart:
		return Token{Kind: TokenCloseStart}, nil

	case tokenCloseEmpty:
		return Token{Kind: TokenCloseEmpty}, nil

	case tokenCloseElement:
		return Token{Kind: TokenCloseElement}, nil

	case tokenValueText:
		return d.readValueText(more)

	case tokenAttribute:
		name, err := d.readNameRef()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenAttribute, Name: name, More: more}, nil

	case tokenCDATA:
		s, err := d.readLengthPrefixedUTF16()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenCDATA,
			Value: Value{Type: StringType, Str: s}}, nil

	case tokenCharRef:
		if more {
			return Token{}, d.tokenErr(ErrUnsupportedToken, pos)
		}
		ref, err := d.r.uint16()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenCharRef, CharRef: ref}, nil

	case tokenEntityRef:
		name, err := d.readNameRef()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenEntityRef, Name: name}, nil

	case tokenPITarget:
		name, err := d.readNameRef()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenPITarget, Name: name}, nil

	case tokenPIData:
		s, err := d.readLengthPrefixedUTF16()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenPIData, Str: s}, nil

	case tokenTemplateInstance:
		return d.readTemplateInstance()

	case tokenNormalSubst:
		slot, err := d.r.uint16()
		if err != nil {
			return Token{}, err
		}
		vt, err := d.r.uint8()
		if err != nil {
			return Token{}, err
		}
		kind := TokenNormalSubst
		if more {
			kind = TokenOptionalSubst
		}
		return Token{Kind: kind, Slot: slot, DeclType: ValueType(vt)}, nil

	case tokenFragmentHeader:
		// major u8, minor u8, flags u8.
		if err := d.r.skip(3); err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenFragmentHeader}, nil

	default:
		return Token{}, d.tokenErr(
			fmt.Errorf("%w: opcode 0x%02x", ErrUnsupportedToken, op), pos)
	}
}

func (d *deserializer) tokenErr(kind error, pos int) error {
	chunk := -1
	if d.chunk != nil {
		chunk = d.chunk.Index
	}
	return parseErr(kind, int64(pos), chunk, 0)
}

// readOpenStart parses an open-start-element token: dependency id, data
// size, name reference, and when flagged an attribute list size.
func (d *deserializer) readOpenStart(hasAttrs bool) (Token, error) {
	if _, err := d.r.uint16(); err != nil { // dependency id
		return Token{}, err
	}
	if _, err := d.r.uint32(); err != nil { // data size
		return Token{}, err
	}
	name, err := d.readNameRef()
	if err != nil {
		return Token{}, err
	}
	if hasAttrs {
		if _, err := d.r.uint32(); err != nil { // attribute list size
			return Token{}, err
		}
	}
	return Token{Kind: TokenOpenStart, Name: name, HasAttrs: hasAttrs}, nil
}

// readValueText parses a value token: type tag then the typed payload.
// Strings carry a u16 character count, ANSI strings and binary a u16 byte
// count, other types their fixed width.
func (d *deserializer) readValueText(more bool) (Token, error) {
	pos := d.r.pos()
	vt, err := d.r.uint8()
	if err != nil {
		return Token{}, err
	}
	t := ValueType(vt)

	var size int
	switch t.Base() {
	case StringType:
		n, err := d.r.uint16()
		if err != nil {
			return Token{}, err
		}
		size = int(n) * 2
	case AnsiStringType, BinaryType:
		n, err := d.r.uint16()
		if err != nil {
			return Token{}, err
		}
		size = int(n)
	default:
		size = valueSize(t)
		if size < 0 {
			return Token{}, d.tokenErr(fmt.Errorf("%w: 0x%02x",
				ErrUnexpectedValueType, vt), pos)
		}
	}

	v, err := d.parseValue(t, size)
	if err != nil {
		return Token{}, err
	}
	return Token{Kind: TokenValue, Value: v, More: more}, nil
}

func (d *deserializer) readLengthPrefixedUTF16() (string, error) {
	n, err := d.r.uint16()
	if err != nil {
		return "", err
	}
	raw, err := d.r.bytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(raw, d.strictUTF16())
}

// readNameRef resolves a name in the deserializer's dialect. EVTX chunks
// store a u32 chunk-relative offset; the referenced record may coincide
// with the current stream position, in which case parsing continues past
// it. WEVT streams store the name inline with a verified hash.
func (d *deserializer) readNameRef() (Name, error) {
	if d.inlineNames {
		return d.readInlineName()
	}

	pos := d.r.pos()
	off, err := d.r.uint32()
	if err != nil {
		return Name{}, err
	}

	if off == uint32(d.r.pos()) {
		// Name record is embedded in the stream; parse it in place so
		// the cursor lands after it, then memoize.
		name, err := d.parseNameRecord(d.r)
		if err != nil {
			return Name{}, err
		}
		if d.chunk != nil {
			d.chunk.cacheName(off, name)
		}
		return name, nil
	}

	if d.chunk == nil {
		return Name{}, d.tokenErr(ErrInvalidNameOffset, pos)
	}
	if name, ok := d.chunk.lookupName(off); ok {
		return name, nil
	}

	side, err := d.r.section(int(off), len(d.r.data)-int(off))
	if err != nil {
		return Name{}, d.tokenErr(
			fmt.Errorf("%w: 0x%x", ErrInvalidNameOffset, off), pos)
	}
	name, err := d.parseNameRecord(side)
	if err != nil {
		return Name{}, d.tokenErr(
			fmt.Errorf("%w: 0x%x", ErrInvalidNameOffset, off), pos)
	}
	d.chunk.cacheName(off, name)
	return name, nil
}

// parseNameRecord reads a chunk name record: next-offset u32, hash u16,
// character count u16, UTF-16 characters, u16 terminator.
func (d *deserializer) parseNameRecord(r *reader) (Name, error) {
	if _, err := r.uint32(); err != nil { // next-offset in the hash chain
		return Name{}, err
	}
	hash, err := r.uint16()
	if err != nil {
		return Name{}, err
	}
	numChars, err := r.uint16()
	if err != nil {
		return Name{}, err
	}
	raw, err := r.bytes(int(numChars) * 2)
	if err != nil {
		return Name{}, err
	}
	if err := r.skip(2); err != nil { // NUL terminator
		return Name{}, err
	}
	s, err := decodeUTF16(raw, d.strictUTF16())
	if err != nil {
		return Name{}, err
	}
	return Name{Hash: hash, Value: s}, nil
}

// readInlineName reads a WEVT dialect name: hash u16, character count u16,
// UTF-16 characters, u16 terminator. The stored hash must validate.
func (d *deserializer) readInlineName() (Name, error) {
	pos := d.r.pos()
	hash, err := d.r.uint16()
	if err != nil {
		return Name{}, err
	}
	numChars, err := d.r.uint16()
	if err != nil {
		return Name{}, err
	}
	raw, err := d.r.bytes(int(numChars) * 2)
	if err != nil {
		return Name{}, err
	}
	if err := d.r.skip(2); err != nil {
		return Name{}, err
	}

	if computed := nameHash(utf16Units(raw)); computed != hash {
		return Name{}, d.tokenErr(fmt.Errorf(
			"%w: stored 0x%04x, computed 0x%04x",
			ErrNameHashMismatch, hash, computed), pos)
	}

	s, err := decodeUTF16(raw, d.strictUTF16())
	if err != nil {
		return Name{}, err
	}
	return Name{Hash: hash, Value: s}, nil
}

// readTemplateInstance parses a template-instance token: marker byte,
// definition reference, substitution descriptors, then the packed values.
// Expansion happens later in the template engine; the deserializer only
// resolves the definition through the chunk cache.
func (d *deserializer) readTemplateInstance() (Token, error) {
	pos := d.r.pos()
	if _, err := d.r.uint8(); err != nil { // marker
		return Token{}, err
	}
	defOffset, err := d.r.uint32()
	if err != nil {
		return Token{}, err
	}

	var tmpl *CachedTemplate
	if defOffset == uint32(d.r.pos()) {
		// Definition is inlined at the current position; parse it here so
		// the cursor advances past it, and cache for sibling records.
		tmpl, err = d.parseTemplateDefinition(d.r, defOffset)
		if err != nil {
			return Token{}, err
		}
		if d.chunk != nil {
			d.chunk.cacheTemplate(defOffset, tmpl)
		}
	} else {
		tmpl, err = d.resolveTemplate(defOffset)
		if err != nil {
			return Token{}, d.tokenErr(fmt.Errorf("%w: 0x%x",
				ErrInvalidTemplateOffset, defOffset), pos)
		}
	}

	subs, err := d.readSubstitutionArray()
	if err != nil {
		return Token{}, err
	}
	return Token{Kind: TokenTemplateInstance, Template: tmpl, Subs: subs}, nil
}

// resolveTemplate returns the cached definition at a chunk offset, parsing
// it on first reference. Cycles in the definition chain surface as
// ErrInvalidTemplateOffset through the parsing guard.
func (d *deserializer) resolveTemplate(off uint32) (*CachedTemplate, error) {
	if d.chunk == nil {
		return nil, ErrInvalidTemplateOffset
	}
	if t, ok := d.chunk.lookupTemplate(off); ok {
		return t, nil
	}
	if d.chunk.templateParsing[off] {
		return nil, ErrInvalidTemplateOffset
	}

	side, err := d.r.section(int(off), len(d.r.data)-int(off))
	if err != nil {
		return nil, ErrInvalidTemplateOffset
	}

	d.chunk.templateParsing[off] = true
	defer delete(d.chunk.templateParsing, off)

	tmpl, err := d.parseTemplateDefinition(side, off)
	if err != nil {
		return nil, err
	}
	d.chunk.cacheTemplate(off, tmpl)
	return tmpl, nil
}

// parseTemplateDefinition reads a definition: next-template-offset u32,
// GUID, data size, then the token stream. The token stream is parsed once
// and the resulting tree shared by all instances.
func (d *deserializer) parseTemplateDefinition(r *reader, off uint32) (
	*CachedTemplate, error) {

	if d.depth+1 > maxTemplateDepth {
		return nil, ErrInvalidTemplateOffset
	}

	if _, err := r.uint32(); err != nil { // next template in the chain
		return nil, err
	}
	rawGUID, err := r.bytes(16)
	if err != nil {
		return nil, err
	}
	guid, err := formatGUID(rawGUID)
	if err != nil {
		return nil, err
	}
	dataSize, err := r.uint32()
	if err != nil {
		return nil, err
	}

	sec, err := r.section(r.pos(), int(dataSize))
	if err != nil {
		return nil, ErrUnexpectedEOS
	}
	toks, err := d.fork(sec).tokens()
	if err != nil {
		return nil, err
	}
	if err := r.skip(int(dataSize)); err != nil {
		return nil, err
	}

	return &CachedTemplate{
		Offset:   off,
		GUID:     guid,
		DataSize: dataSize,
		Tokens:   toks,
	}, nil
}

// substitution descriptor as stored: size u16, type u8, one reserved byte.
type substDescriptor struct {
	size  uint16
	vtype ValueType
}

// readSubstitutionArray reads the descriptor table followed by the packed
// values. Values borrow from the record payload; the caller must not keep
// them past the chunk's lifetime.
func (d *deserializer) readSubstitutionArray() ([]Value, error) {
	count, err := d.r.uint32()
	if err != nil {
		return nil, err
	}
	// A descriptor is four bytes; anything larger than the remaining
	// payload is corrupt, not a huge record.
	if int(count) > d.r.remaining()/4 {
		return nil, ErrUnexpectedEOS
	}

	descs := make([]substDescriptor, count)
	for i := range descs {
		size, err := d.r.uint16()
		if err != nil {
			return nil, err
		}
		vt, err := d.r.uint8()
		if err != nil {
			return nil, err
		}
		if _, err := d.r.uint8(); err != nil { // reserved
			return nil, err
		}
		descs[i] = substDescriptor{size: size, vtype: ValueType(vt)}
	}

	values := make([]Value, count)
	for i, desc := range descs {
		if desc.vtype.Base() == NullType {
			raw, err := d.r.bytes(int(desc.size))
			if err != nil {
				return nil, err
			}
			values[i] = Value{Type: NullType, Raw: raw}
			continue
		}
		v, err := d.parseValue(desc.vtype, int(desc.size))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}
