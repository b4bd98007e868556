package models

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/oklog/ulid"
	"golang.org/x/net/idna"

	"github.com/EFForg/newsletter-backend/util"
)

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

// Possible values for ProjectStatus. Projects are never deleted, only
// deactivated.
const (
	ProjectActive   ProjectStatus = "active"
	ProjectInactive ProjectStatus = "inactive"
)

// SecretKeyPrefix marks project secret keys so they are easy to spot in
// leaked configuration.
const SecretKeyPrefix = "nlc_"

const secretKeyLength = 56

// Project is a tenant of the collection API. It owns a subscriber list,
// its credentials, the origins allowed to call it from a browser and the
// flags that drive the opt-in workflow.
type Project struct {
	ID                 int64          `db:"id" json:"-"`
	PublicID           string         `db:"public_id" json:"public_id"`
	SecretKey          string         `db:"api_key" json:"-"`
	Name               string         `db:"name" json:"name"`
	Status             ProjectStatus  `db:"status" json:"status"`
	AllowedOrigins     pq.StringArray `db:"allowed_origins" json:"allowed_origins"`
	DoubleOptIn        bool           `db:"double_opt_in" json:"double_opt_in"`
	WelcomeEmail       bool           `db:"welcome_email" json:"welcome_email"`
	AdminNotifications bool           `db:"admin_notifications" json:"admin_notifications"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// NewProject returns an active project with fresh credentials. Double
// opt-in is on by default.
func NewProject(name string, origins []string, now time.Time) (Project, error) {
	publicID, err := NewPublicID(now)
	if err != nil {
		return Project{}, err
	}
	key, err := NewSecretKey()
	if err != nil {
		return Project{}, err
	}
	return Project{
		PublicID:       publicID,
		SecretKey:      key,
		Name:           name,
		Status:         ProjectActive,
		AllowedOrigins: pq.StringArray(origins),
		DoubleOptIn:    true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NewPublicID returns a 26 character, lexically sortable identifier.
func NewPublicID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating public id: %v", err)
	}
	return id.String(), nil
}

// NewSecretKey generates a project API key.
func NewSecretKey() (string, error) {
	suffix, err := util.RandomString(secretKeyLength)
	if err != nil {
		return "", fmt.Errorf("generating secret key: %v", err)
	}
	return SecretKeyPrefix + suffix, nil
}

// IsActive reports whether the project accepts traffic.
func (p Project) IsActive() bool {
	return p.Status == ProjectActive
}

// MatchOrigin checks a browser Origin against the allow-list. Patterns are
// tried as exact matches first, then the allow-all "*", then "*.domain"
// wildcards. It returns the value to echo in Access-Control-Allow-Origin.
func (p Project) MatchOrigin(origin string) (string, bool) {
	origin = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
	if origin == "" {
		return "", false
	}
	scheme, host := splitOrigin(origin)
	patterns := make([]string, 0, len(p.AllowedOrigins))
	for _, pattern := range p.AllowedOrigins {
		patterns = append(patterns, NormalizeOriginPattern(pattern))
	}
	for _, pattern := range patterns {
		if pattern == origin {
			return origin, true
		}
		// Scheme-less exact entries match any scheme.
		if !strings.Contains(pattern, "://") && !strings.HasPrefix(pattern, "*") && pattern == host {
			return origin, true
		}
	}
	for _, pattern := range patterns {
		if pattern == "*" {
			return "*", true
		}
	}
	for _, pattern := range patterns {
		if wildcardMatches(pattern, scheme, host) {
			return origin, true
		}
	}
	return "", false
}

func wildcardMatches(pattern, scheme, host string) bool {
	patternScheme, patternHost := splitOrigin(pattern)
	if !strings.HasPrefix(patternHost, "*.") {
		return false
	}
	if patternScheme != "" && patternScheme != scheme {
		return false
	}
	suffix := patternHost[1:] // ".example.com"
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if strings.Contains(patternHost, ":") {
		hostname = host
	}
	return len(hostname) > len(suffix) && strings.HasSuffix(hostname, suffix)
}

// splitOrigin breaks "https://example.com:8443" into its scheme and host.
// A value without "://" is all host.
func splitOrigin(origin string) (string, string) {
	if i := strings.Index(origin, "://"); i >= 0 {
		return origin[:i], origin[i+3:]
	}
	return "", origin
}

// NormalizeOriginPattern lowercases an allow-list entry, strips a trailing
// slash or path and converts internationalized hostnames to their ASCII
// form so they compare equal to what browsers send.
func NormalizeOriginPattern(pattern string) string {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "*" || pattern == "" {
		return pattern
	}
	if u, err := url.Parse(pattern); err == nil && u.Scheme != "" && u.Host != "" {
		pattern = u.Scheme + "://" + u.Host
	}
	pattern = strings.TrimSuffix(pattern, "/")
	scheme, host := splitOrigin(pattern)
	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = host[2:]
	}
	port := ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	if wildcard {
		host = "*." + host
	}
	if scheme != "" {
		return scheme + "://" + host
	}
	return host
}
