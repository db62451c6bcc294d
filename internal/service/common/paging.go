// Package common holds helpers shared by the HTTP layer and the stores.
package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// EncodePageToken turns a store paging state into an opaque URL-safe token.
// An exhausted listing has no token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. An empty token starts from the
// first page.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return state, nil
}
