package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

func TestPageToken(t *testing.T) {
	assert.Empty(t, EncodePageToken(nil))

	state, err := DecodePageToken("")
	require.NoError(t, err)
	assert.Nil(t, state)

	token := EncodePageToken([]byte{0xff, 0x00, 0x10})
	assert.NotContains(t, token, "=")
	state, err = DecodePageToken(token)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00, 0x10}, state)

	_, err = DecodePageToken("not/base64!")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
