package dbus

import "testing"

func TestObjectPathValid(t *testing.T) {
	good := []ObjectPath{
		"/",
		"/org",
		"/org/matahariproject/Test",
		"/a_b/C9",
	}
	for _, p := range good {
		if err := p.Valid(); err != nil {
			t.Errorf("%q.Valid() = %v, want nil", p, err)
		}
	}

	bad := []ObjectPath{
		"",
		"org",
		"/org/",
		"//org",
		"/org//x",
		"/org/x-y",
		"/org/x.y",
	}
	for _, p := range bad {
		if err := p.Valid(); err == nil {
			t.Errorf("%q.Valid() = nil, want error", p)
		}
	}
}

func TestObjectPathRelations(t *testing.T) {
	tests := []struct {
		p, parent ObjectPath
		want      bool
	}{
		{"/a", "/", true},
		{"/a/b", "/a", true},
		{"/a", "/a", false},
		{"/ab", "/a", false},
		{"/", "/", false},
	}
	for _, tc := range tests {
		if got := tc.p.IsChildOf(tc.parent); got != tc.want {
			t.Errorf("%q.IsChildOf(%q) = %v, want %v", tc.p, tc.parent, got, tc.want)
		}
	}

	if got, want := ObjectPath("/").Child("a"), ObjectPath("/a"); got != want {
		t.Errorf(`"/".Child("a") = %q, want %q`, got, want)
	}
	if got, want := ObjectPath("/a").Child("b"), ObjectPath("/a/b"); got != want {
		t.Errorf(`"/a".Child("b") = %q, want %q`, got, want)
	}
	if got, want := ObjectPath("/a/b/").Clean(), ObjectPath("/a/b"); got != want {
		t.Errorf("Clean = %q, want %q", got, want)
	}
	if got, want := ObjectPath("").Clean(), ObjectPath("/"); got != want {
		t.Errorf("Clean(empty) = %q, want %q", got, want)
	}
}

func TestNames(t *testing.T) {
	ifaces := []struct {
		name string
		ok   bool
	}{
		{"org.matahariproject.Test", true},
		{"a.b", true},
		{"org", false},
		{"org..Test", false},
		{"org.9test", false},
		{"org.te-st", false},
		{"", false},
	}
	for _, tc := range ifaces {
		if err := validInterfaceName(tc.name); (err == nil) != tc.ok {
			t.Errorf("validInterfaceName(%q) = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}

	members := []struct {
		name string
		ok   bool
	}{
		{"multiplyString", true},
		{"emit_simpleSignal", true},
		{"9lives", false},
		{"a.b", false},
		{"", false},
	}
	for _, tc := range members {
		if err := validMemberName(tc.name); (err == nil) != tc.ok {
			t.Errorf("validMemberName(%q) = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}

	buses := []struct {
		name   string
		ok     bool
		unique bool
	}{
		{"org.freedesktop.DBus", true, false},
		{"org.matahari-project.Test", true, false},
		{":1.42", true, true},
		{":1", false, true},
		{"org.9x", false, false},
		{"org", false, false},
	}
	for _, tc := range buses {
		if err := ValidBusName(tc.name); (err == nil) != tc.ok {
			t.Errorf("ValidBusName(%q) = %v, want ok=%v", tc.name, err, tc.ok)
		}
		if got := isUniqueName(tc.name); got != tc.unique {
			t.Errorf("isUniqueName(%q) = %v, want %v", tc.name, got, tc.unique)
		}
	}
}
