// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"fmt"
)

// The template engine turns the token stream of a record into its expanded
// canonical form: template instances are replaced by their cached
// definition with every substitution token resolved against the record's
// substitution array. The cached tree is walked by reference; only the
// substituted values are owned by the expansion and they are dropped once
// the record has been serialized.

// expandRecord produces the canonical token stream for a record payload.
// Fragment headers are dropped, template instances and substitutions are
// resolved, nested BinXML fragments are spliced inline.
func expandRecord(tokens []Token, d *deserializer) ([]Token, error) {
	return expand(tokens, nil, d, 0)
}

func expand(tokens []Token, subs []Value, d *deserializer, depth int) (
	[]Token, error) {

	if depth > maxTemplateDepth {
		return nil, ErrInvalidTemplateOffset
	}

	out := make([]Token, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Kind {

		case TokenFragmentHeader:
			// Carries only version information, nothing to render.

		case TokenTemplateInstance:
			inner, err := expand(tok.Template.Tokens, tok.Subs, d, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)

		case TokenAttribute:
			// An attribute whose value is an optional substitution
			// resolving to null is elided together with its name.
			if i+1 < len(tokens) &&
				tokens[i+1].Kind == TokenOptionalSubst {
				sub := tokens[i+1]
				if int(sub.Slot) < len(subs) &&
					subs[sub.Slot].IsNull() {
					i++
					continue
				}
			}
			out = append(out, tok)

		case TokenNormalSubst, TokenOptionalSubst:
			resolved, err := resolveSubstitution(tok, subs, d, depth)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved...)

		case TokenValue:
			if tok.Value.Type == BinXMLType {
				inner, err := expand(tok.Value.Tokens, nil, d, depth+1)
				if err != nil {
					return nil, err
				}
				out = append(out, inner...)
				continue
			}
			out = append(out, tok)

		default:
			out = append(out, tok)
		}
	}
	return out, nil
}

// resolveSubstitution maps one substitution token to its replacement token
// sequence.
func resolveSubstitution(tok Token, subs []Value, d *deserializer,
	depth int) ([]Token, error) {

	if int(tok.Slot) >= len(subs) {
		// Recoverable: surface an <Error> diagnostic element instead of
		// failing the whole record.
		return errorTokens(fmt.Sprintf(
			"substitution slot %d out of range (array size %d)",
			tok.Slot, len(subs))), nil
	}

	v := subs[tok.Slot]

	if v.IsNull() {
		if tok.Kind == TokenOptionalSubst {
			// Elided. In element content a null marker is kept so the
			// JSON serializers render null rather than an empty object;
			// the XML serializer emits nothing for it.
			return []Token{{Kind: TokenValue, Value: NullValue()}}, nil
		}
		return []Token{{Kind: TokenValue,
			Value: emptyValue(tok.DeclType)}}, nil
	}

	// A substitution whose value is itself a fragment expands inline.
	if v.Type == BinXMLType {
		return expand(v.Tokens, nil, d, depth+1)
	}

	// The declared type on the substitution token is authoritative.
	coerced, err := d.coerce(v, tok.DeclType)
	if err != nil {
		return nil, err
	}
	return []Token{{Kind: TokenValue, Value: coerced}}, nil
}

// errorTokens builds an <Error>message</Error> element sequence.
func errorTokens(msg string) []Token {
	return []Token{
		{Kind: TokenOpenStart, Name: Name{Value: "Error"}},
		{Kind: TokenCloseStart},
		{Kind: TokenValue, Value: Value{Type: StringType, Str: msg}},
		{Kind: TokenCloseElement},
	}
}
