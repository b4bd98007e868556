package models

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// NormalizeEmail is the canonical form of an address: trimmed and
// lowercased. Subscriptions are unique on this form.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidEmail reports whether a normalized address has a plausible shape.
func ValidEmail(email string) bool {
	return len(email) <= 255 && emailPattern.MatchString(email)
}

// EmailDomain returns everything after the last "@".
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return email[i+1:]
}

// DomainDenylist holds mail domains that may not subscribe, such as
// throwaway inbox providers.
type DomainDenylist map[string]struct{}

// NewDomainDenylist merges any number of domain lists.
func NewDomainDenylist(lists ...[]string) DomainDenylist {
	d := DomainDenylist{}
	for _, list := range lists {
		for _, domain := range list {
			domain = strings.ToLower(strings.TrimSpace(domain))
			if domain != "" {
				d[domain] = struct{}{}
			}
		}
	}
	return d
}

// Blocks reports whether the address's domain is denied.
func (d DomainDenylist) Blocks(email string) bool {
	_, ok := d[EmailDomain(email)]
	return ok
}

// DisposableDomains is the built-in list of throwaway inbox providers.
var DisposableDomains = []string{
	"10minutemail.com",
	"guerrillamail.com",
	"mailinator.com",
	"tempmail.org",
	"temp-mail.org",
	"throwaway.email",
	"yopmail.com",
	"maildrop.cc",
	"trashmail.com",
	"getnada.com",
	"sharklasers.com",
	"dispostable.com",
	"fakeinbox.com",
	"mintemail.com",
	"mohmal.com",
}
