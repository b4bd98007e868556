package util

import (
	"strings"
	"testing"
)

func TestInvalidPort(t *testing.T) {
	portString, err := ValidPort("8000")
	if err != nil {
		t.Fatalf("Should not have errored on valid string: %v", err)
	}
	if portString != ":8000" {
		t.Fatalf("Expected portstring be :8000 instead of %s", portString)
	}
	portString, err = ValidPort("80a")
	if err == nil {
		t.Fatalf("Expected error on invalid port")
	}
}

func TestRequireCollectsErrors(t *testing.T) {
	errs := Errors{}
	Require("SMTP_HOST", "", &errs)
	Require("SMTP_PORT", "587", &errs)
	Require("SIGNING_KEY", "", &errs)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if !strings.Contains(errs.Error(), "SMTP_HOST") || !strings.Contains(errs.Error(), "SIGNING_KEY") {
		t.Errorf("combined error should mention both variables, got %q", errs.Error())
	}
}

func TestRandomString(t *testing.T) {
	a, err := RandomString(56)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 56 {
		t.Errorf("expected 56 characters, got %d", len(a))
	}
	for _, c := range a {
		if !strings.ContainsRune(alphanumeric, c) {
			t.Errorf("unexpected character %q", c)
		}
	}
	b, _ := RandomString(56)
	if a == b {
		t.Error("two random strings should not collide")
	}
}

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"192.168.10.20":        "192.168.***.20",
		"not-an-ip":            "not-an-ip",
		"2001:db8:1:2:3:4:5:6": "2001:db8:1::",
	}
	for in, want := range cases {
		if got := MaskIP(in); got != want {
			t.Errorf("MaskIP(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestHashEmailIsStable(t *testing.T) {
	if HashEmail("a@example.com") != HashEmail("a@example.com") {
		t.Error("hash should be deterministic")
	}
	if HashEmail("a@example.com") == HashEmail("b@example.com") {
		t.Error("different addresses should hash differently")
	}
}
