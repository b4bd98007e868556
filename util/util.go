package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// Errors collects several errors so configuration problems can be
// reported together instead of one at a time.
type Errors []error

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "\n")
}

// Require appends an error to errs when value is empty.
func Require(name string, value string, errs *Errors) string {
	if value == "" {
		*errs = append(*errs, fmt.Errorf("%s must be set", name))
	}
	return value
}

// ValidPort turns a port number into a listen address, e.g. "8080" into ":8080".
func ValidPort(port string) (string, error) {
	if _, err := strconv.Atoi(strings.TrimPrefix(port, ":")); err != nil {
		return "", fmt.Errorf("given port %s isn't a valid port number", port)
	}
	return ":" + strings.TrimPrefix(port, ":"), nil
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n characters drawn uniformly from [a-zA-Z0-9]
// using crypto/rand.
func RandomString(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// HashEmail returns a hex SHA-256 of an address, for log lines that must
// not carry the address itself.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

// MaskIP hides the third octet of an IPv4 address ("1.2.***.4") and the
// last 80 bits of an IPv6 address. Anything unparseable is returned as-is.
func MaskIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.***.%d", v4[0], v4[1], v4[3])
	}
	masked := parsed.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
