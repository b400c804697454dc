// Package common holds helpers shared by the service packages.
package common

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// EncodePageToken turns a storage paging state into an opaque URL-safe
// token. An empty state means there is no next page and yields "".
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
		return nil, fmt.Errorf("%w: invalid page token", apperrors.ErrValidation)
	}
	return state, nil
}
