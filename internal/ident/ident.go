// Package ident encodes and decodes delivery identifiers.
//
// An identifier has the form
//
//	{id}-{epoch_seconds}-{salt}
//
// id is the item's storage key, epoch_seconds its enqueue time and salt a
// short random token that makes identifiers hard to guess. Only id is used to
// route a request; the other fields are informational and Decode does not
// validate them.
//
// The salt is drawn from the random half of a ULID, so its alphabet is
// Crockford base32 (0-9, A-Z without I, L, O, U). Neither that alphabet nor
// the decimal fields can contain the separator, so splitting is unambiguous.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// Separator joins the three identifier fields.
	Separator = "-"

	// SaltLen is the number of salt characters.
	SaltLen = 7
)

// ErrMalformed is returned by Decode when an identifier cannot be parsed.
var ErrMalformed = errors.New("ident: malformed identifier")

// Encode returns a fresh identifier for the item with the given id and
// enqueue time. Two calls with the same arguments yield different salts.
func Encode(id int64, enqueuedAtEpochSeconds int64) (string, error) {
	salt, err := newSalt()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10) + Separator +
		strconv.FormatInt(enqueuedAtEpochSeconds, 10) + Separator +
		salt, nil
}

// Decode extracts the item id from identifier. It does not touch storage.
// The identifier must have exactly three fields and a positive decimal id;
// the timestamp and salt are not inspected.
func Decode(identifier string) (int64, error) {
	parts := strings.Split(identifier, Separator)
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(parts))
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 || !isDigits(parts[0]) {
		return 0, fmt.Errorf("%w: bad id %q", ErrMalformed, parts[0])
	}
	return id, nil
}

// newSalt takes SaltLen characters from the random component of a ULID
// built on crypto/rand. The reader is not monotonic, so consecutive salts
// are independent.
func newSalt() (string, error) {
	u, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("ident: generate salt: %w", err)
	}
	s := u.String()
	return s[len(s)-SaltLen:], nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
