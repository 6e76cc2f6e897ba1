// Package smtp implements the SMTP front door of the sink: it runs one
// state machine per connection, streams DATA into a decoder and archives
// each completed message before acknowledging it.
package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Authentication is accepted unconditionally. The helpers below only decode
// the identity a client presented so it can be logged.

// decodePlain decodes an AUTH PLAIN response and returns the
// authentication identity.
// AUTH PLAIN format: base64(authzid\0authcid\0password)
func decodePlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	return parts[1], nil
}

// decodeLogin decodes the base64 username sent during AUTH LOGIN.
func decodeLogin(encodedUser string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", fmt.Errorf("invalid base64 username")
	}
	return string(user), nil
}
