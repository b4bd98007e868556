package models

import (
	"strings"
	"testing"
	"time"
)

func TestNewProjectCredentials(t *testing.T) {
	p, err := NewProject("Blog", []string{"https://example.com"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.PublicID) != 26 {
		t.Errorf("public id should be a 26 character ULID, got %q", p.PublicID)
	}
	if !strings.HasPrefix(p.SecretKey, SecretKeyPrefix) || len(p.SecretKey) != len(SecretKeyPrefix)+56 {
		t.Errorf("unexpected secret key shape %q", p.SecretKey)
	}
	if !p.IsActive() || !p.DoubleOptIn {
		t.Errorf("new projects should be active with double opt-in")
	}
	other, _ := NewProject("Blog", nil, time.Now())
	if other.SecretKey == p.SecretKey || other.PublicID == p.PublicID {
		t.Errorf("credentials must be unique per project")
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    string
		ok      bool
	}{
		{[]string{"https://example.com"}, "https://example.com", "https://example.com", true},
		{[]string{"https://Example.com/"}, "HTTPS://EXAMPLE.COM", "https://example.com", true},
		{[]string{"example.com"}, "https://example.com", "https://example.com", true},
		{[]string{"https://example.com"}, "http://example.com", "", false},
		{[]string{"*"}, "https://anything.test", "*", true},
		{[]string{"https://a.test", "*"}, "https://a.test", "https://a.test", true},
		{[]string{"*.example.com"}, "https://sub.example.com", "https://sub.example.com", true},
		{[]string{"*.example.com"}, "https://a.b.example.com", "https://a.b.example.com", true},
		{[]string{"*.example.com"}, "https://example.com", "", false},
		{[]string{"*.example.com"}, "https://evil.com", "", false},
		{[]string{"*.example.com"}, "https://evilexample.com", "", false},
		{[]string{"*.example.com"}, "https://example.com.evil.com", "", false},
		{[]string{"https://*.example.com"}, "http://sub.example.com", "", false},
		{[]string{"*.example.com"}, "https://sub.example.com:8443", "https://sub.example.com:8443", true},
		{[]string{"*.bücher.de"}, "https://shop.xn--bcher-kva.de", "https://shop.xn--bcher-kva.de", true},
		{nil, "https://example.com", "", false},
	}
	for _, test := range tests {
		p := Project{AllowedOrigins: test.allowed}
		got, ok := p.MatchOrigin(test.origin)
		if ok != test.ok || got != test.want {
			t.Errorf("%v.MatchOrigin(%s) = (%q, %v), want (%q, %v)",
				test.allowed, test.origin, got, ok, test.want, test.ok)
		}
	}
}
