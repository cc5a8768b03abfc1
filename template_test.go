// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"strings"
	"testing"
)

func elemTokens(name string, content ...Token) []Token {
	toks := []Token{
		{Kind: TokenOpenStart, Name: Name{Value: name}},
		{Kind: TokenCloseStart},
	}
	toks = append(toks, content...)
	return append(toks, Token{Kind: TokenCloseElement})
}

func TestExpandNormalSubstitution(t *testing.T) {

	tmpl := &CachedTemplate{
		Tokens: elemTokens("EventID",
			Token{Kind: TokenNormalSubst, Slot: 0,
				DeclType: UInt16Type}),
	}
	record := []Token{
		{Kind: TokenFragmentHeader},
		{Kind: TokenTemplateInstance, Template: tmpl,
			Subs: []Value{{Type: UInt16Type, U: 4624}}},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}

	if len(expanded) != 4 {
		t.Fatalf("token count got %d, want 4", len(expanded))
	}
	if expanded[0].Kind != TokenOpenStart ||
		expanded[0].Name.Value != "EventID" {
		t.Errorf("open token got %+v", expanded[0])
	}
	if expanded[2].Kind != TokenValue || expanded[2].Value.U != 4624 {
		t.Errorf("value token got %+v", expanded[2])
	}
}

func TestExpandOptionalNullKeepsMarker(t *testing.T) {

	tmpl := &CachedTemplate{
		Tokens: elemTokens("EventID",
			Token{Kind: TokenOptionalSubst, Slot: 0,
				DeclType: UInt16Type}),
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl,
			Subs: []Value{NullValue()}},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}
	if len(expanded) != 4 {
		t.Fatalf("token count got %d, want 4", len(expanded))
	}
	if expanded[2].Kind != TokenValue || !expanded[2].Value.IsNull() {
		t.Errorf("content token got %+v, want null marker", expanded[2])
	}
}

func TestExpandNullInRequiredSlot(t *testing.T) {

	tmpl := &CachedTemplate{
		Tokens: elemTokens("Data",
			Token{Kind: TokenNormalSubst, Slot: 0,
				DeclType: StringType}),
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl,
			Subs: []Value{NullValue()}},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}
	v := expanded[2].Value
	if v.Type != StringType || v.Str != "" {
		t.Errorf("empty form got %+v, want empty string", v)
	}
}

// An optional substitution resolving to null elides the whole attribute.
func TestExpandAttributeElision(t *testing.T) {

	tmpl := &CachedTemplate{
		Tokens: []Token{
			{Kind: TokenOpenStart, Name: Name{Value: "Provider"},
				HasAttrs: true},
			{Kind: TokenAttribute, Name: Name{Value: "Name"}},
			{Kind: TokenOptionalSubst, Slot: 0, DeclType: StringType},
			{Kind: TokenAttribute, Name: Name{Value: "Guid"}},
			{Kind: TokenOptionalSubst, Slot: 1, DeclType: StringType},
			{Kind: TokenCloseEmpty},
		},
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl,
			Subs: []Value{
				NullValue(),
				{Type: StringType, Str: "{123}"},
			}},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}

	// Name attribute dropped, Guid kept.
	var attrs []string
	for _, tok := range expanded {
		if tok.Kind == TokenAttribute {
			attrs = append(attrs, tok.Name.Value)
		}
	}
	if len(attrs) != 1 || attrs[0] != "Guid" {
		t.Errorf("surviving attributes got %v, want [Guid]", attrs)
	}
}

// A substitution slot beyond the array surfaces an <Error> diagnostic
// element instead of failing the record.
func TestExpandMissingSlot(t *testing.T) {

	tmpl := &CachedTemplate{
		Tokens: elemTokens("Data",
			Token{Kind: TokenNormalSubst, Slot: 5,
				DeclType: StringType}),
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl, Subs: nil},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}

	found := false
	for i, tok := range expanded {
		if tok.Kind == TokenOpenStart && tok.Name.Value == "Error" {
			found = true
			if i+2 >= len(expanded) ||
				!strings.Contains(expanded[i+2].Value.Str, "slot 5") {
				t.Errorf("diagnostic payload got %+v", expanded)
			}
		}
	}
	if !found {
		t.Error("expected an <Error> diagnostic element")
	}
}

// A substitution whose value is a nested fragment expands inline, and the
// fragment's header does not survive expansion.
func TestExpandNestedFragment(t *testing.T) {

	inner := []Token{
		{Kind: TokenFragmentHeader},
		{Kind: TokenOpenStart, Name: Name{Value: "EventXML"}},
		{Kind: TokenCloseEmpty},
	}
	tmpl := &CachedTemplate{
		Tokens: elemTokens("UserData",
			Token{Kind: TokenNormalSubst, Slot: 0,
				DeclType: BinXMLType}),
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl,
			Subs: []Value{{Type: BinXMLType, Tokens: inner}}},
	}

	expanded, err := expandRecord(record, testDeserializer())
	if err != nil {
		t.Fatalf("expand failed, reason: %v", err)
	}

	var names []string
	for _, tok := range expanded {
		if tok.Kind == TokenOpenStart {
			names = append(names, tok.Name.Value)
		}
		if tok.Kind == TokenFragmentHeader {
			t.Error("fragment headers must not survive expansion")
		}
	}
	if len(names) != 2 || names[0] != "UserData" ||
		names[1] != "EventXML" {
		t.Errorf("element names got %v", names)
	}
}

// Expansion depth is bounded; a cyclic template graph fails instead of
// recursing forever.
func TestExpandDepthBound(t *testing.T) {

	tmpl := &CachedTemplate{}
	tmpl.Tokens = []Token{
		{Kind: TokenTemplateInstance, Template: tmpl, Subs: nil},
	}
	record := []Token{
		{Kind: TokenTemplateInstance, Template: tmpl, Subs: nil},
	}

	if _, err := expandRecord(record, testDeserializer()); err == nil {
		t.Error("cyclic template expansion should fail")
	}
}
