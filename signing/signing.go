// Package signing issues and checks the tokens embedded in email links.
package signing

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token purposes. A token minted for one purpose is rejected for another.
const (
	PurposeConfirm     = "confirm"
	PurposeUnsubscribe = "unsubscribe"
)

// ErrInvalidToken covers bad signatures, expired tokens and malformed input.
var ErrInvalidToken = errors.New("invalid or expired link")

// Payload is what a link vouches for.
type Payload struct {
	Purpose string
	Subject string // subscription id
	Project string // project public id
	Email   string
}

// Signer mints and checks link tokens.
type Signer interface {
	// Sign returns a token for p. A zero ttl never expires.
	Sign(p Payload, ttl time.Duration) (string, error)
	Verify(token string) (Payload, error)
}

type claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"pur"`
	Project string `json:"prj,omitempty"`
	Email   string `json:"eml,omitempty"`
}

// HMACSigner signs tokens as HS256 JWTs.
type HMACSigner struct {
	key []byte
	now func() time.Time
}

// NewHMACSigner returns a signer keyed with secret.
func NewHMACSigner(secret []byte) *HMACSigner {
	return &HMACSigner{key: secret, now: time.Now}
}

// Sign implements Signer.
func (s *HMACSigner) Sign(p Payload, ttl time.Duration) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.Subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Purpose: p.Purpose,
		Project: p.Project,
		Email:   p.Email,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing link: %w", err)
	}
	return token, nil
}

// Verify implements Signer.
func (s *HMACSigner) Verify(token string) (Payload, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return Payload{}, ErrInvalidToken
	}
	return Payload{Purpose: c.Purpose, Subject: c.Subject, Project: c.Project, Email: c.Email}, nil
}

// Links builds the absolute URLs placed in emails.
type Links struct {
	Signer     Signer
	BaseURL    string
	ConfirmTTL time.Duration
}

// ConfirmURL links to the confirmation page of a subscription.
func (l Links) ConfirmURL(subscriptionID string) (string, error) {
	token, err := l.Signer.Sign(Payload{Purpose: PurposeConfirm, Subject: subscriptionID}, l.ConfirmTTL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/confirm?%s", l.BaseURL, url.Values{"token": {token}}.Encode()), nil
}

// ResubscribeURL is the form target offered to unsubscribed visitors.
func (l Links) ResubscribeURL(subscriptionID string) (string, error) {
	token, err := l.Signer.Sign(Payload{Purpose: PurposeConfirm, Subject: subscriptionID}, l.ConfirmTTL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/confirm/%s/resubscribe?%s", l.BaseURL, url.PathEscape(subscriptionID),
		url.Values{"token": {token}}.Encode()), nil
}

// UnsubscribeURL is a permanent one-click opt out link.
func (l Links) UnsubscribeURL(projectPublicID, email string) (string, error) {
	token, err := l.Signer.Sign(Payload{Purpose: PurposeUnsubscribe, Project: projectPublicID, Email: email}, 0)
	if err != nil {
		return "", err
	}
	q := url.Values{"project": {projectPublicID}, "email": {email}, "token": {token}}
	return fmt.Sprintf("%s/unsubscribe?%s", l.BaseURL, q.Encode()), nil
}
