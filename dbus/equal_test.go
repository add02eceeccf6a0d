package dbus

import (
	"math"
	"testing"
)

func TestEqual(t *testing.T) {
	vs := BasicType(KindString)
	vi := BasicType(KindInt32)
	tests := []struct {
		a, b Value
		want bool
	}{
		{nil, nil, true},
		{Int(1), nil, false},
		{Int(1), Int(1), true},
		{Int(1), Uint(1), false},
		{String("a"), String("a"), true},
		{String("a"), String("b"), false},
		{Float(1.5), Float(1.5), true},
		{Float(math.NaN()), Float(math.NaN()), true},
		{Float(math.NaN()), Float(0), false},
		{Array{Int(1), Int(2)}, Array{Int(1), Int(2)}, true},
		{Array{Int(1), Int(2)}, Array{Int(2), Int(1)}, false},
		{Array{Int(1)}, Struct{Int(1)}, false},
		{Struct{Int(1), String("x")}, Struct{Int(1), String("x")}, true},
		{Struct{Int(1)}, Struct{Int(1), String("x")}, false},
		{
			Dict{{String("a"), Int(1)}, {String("b"), Int(2)}},
			Dict{{String("b"), Int(2)}, {String("a"), Int(1)}},
			true,
		},
		{
			Dict{{String("a"), Int(1)}, {String("b"), Int(2)}},
			Dict{{String("a"), Int(1)}, {String("b"), Int(3)}},
			false,
		},
		{
			Dict{{String("a"), Int(1)}},
			Dict{{String("a"), Int(1)}, {String("b"), Int(2)}},
			false,
		},
		{Variant{vs, String("x")}, Variant{vs, String("x")}, true},
		{Variant{vi, Int(1)}, Variant{BasicType(KindInt64), Int(1)}, false},
		{
			Array{Variant{vs, String("x")}, Variant{vi, Int(3)}},
			Array{Variant{vs, String("x")}, Variant{vi, Int(3)}},
			true,
		},
	}

	for _, tc := range tests {
		if got := Equal(tc.a, tc.b); got != tc.want {
			t.Errorf("Equal(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := Equal(tc.b, tc.a); got != tc.want {
			t.Errorf("Equal(%v, %v) = %v, want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestDictLookup(t *testing.T) {
	d := Dict{
		{String("a"), Int(1)},
		{String("b"), Int(2)},
		{String("a"), Int(3)},
	}
	if got, ok := d.Lookup(String("a")); !ok || !Equal(got, Int(3)) {
		t.Errorf("Lookup(a) = %v, %v, want 3, true", got, ok)
	}
	if got, ok := d.Lookup(String("b")); !ok || !Equal(got, Int(2)) {
		t.Errorf("Lookup(b) = %v, %v, want 2, true", got, ok)
	}
	if got, ok := d.Lookup(String("c")); ok {
		t.Errorf("Lookup(c) = %v, true, want not found", got)
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Bool(true), "true"},
		{Int(-3), "-3"},
		{Float(2.5), "2.5"},
		{String("hi"), `"hi"`},
		{Array{Int(1), Int(2)}, "[1, 2]"},
		{Struct{String("a"), Int(1)}, `("a", 1)`},
		{Dict{{String("k"), Uint(7)}}, `{"k": 7}`},
		{Variant{BasicType(KindInt32), Int(4)}, "<i 4>"},
		{Variant{}, "<invalid variant>"},
	}
	for _, tc := range tests {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.in, got, tc.want)
		}
	}
}
