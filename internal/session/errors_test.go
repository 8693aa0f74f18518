package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"crawlparty.io/internal/protocol"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: no room", ErrSessionFull), protocol.ErrSessionFull},
		{ErrSessionGone, protocol.ErrSessionGone},
		{fmt.Errorf("%w: expired", ErrAuthFailed), protocol.ErrAuthFailed},
		{ErrNotHost, protocol.ErrNotHost},
		{fmt.Errorf("%w: bad json", protocol.ErrBadFrame), protocol.ErrBadRequest},
		{errors.New("disk on fire"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		got := Code(tc.err)
		assert.Equal(t, tc.want, got, "%v", tc.err)
		if got != "" {
			assert.True(t, protocol.IsKnownCode(got))
		}
	}
}
