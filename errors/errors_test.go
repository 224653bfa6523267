package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(fmt.Errorf("exit status 1"), ErrPlatform, "power on failed")
	err = WithOp(err, "ipmi.PowerOn")

	assert.Equal(t, "ipmi.PowerOn: power on failed: exit status 1", err.Error())
	assert.Equal(t, ErrPlatform, GetCode(err))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("goto OS: %w", Newf(ErrBootTimeout, "no login banner after %ds", 600))

	assert.True(t, errors.Is(err, BootTimeout))
	assert.False(t, errors.Is(err, Platform))
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(ErrTimeout, "prompt not seen")
	outer := Wrap(inner, ErrSessionLost, "console torn down")

	assert.Equal(t, ErrSessionLost, GetCode(outer))
	assert.True(t, HasCode(outer, ErrTimeout))
	assert.True(t, IsTimeout(outer))
	assert.False(t, IsUnavailable(outer))
}

func TestWithContextMerges(t *testing.T) {
	err := WithContext(New(ErrConnection, "dial failed"), map[string]interface{}{"host": "bmc1"})
	err = WithContext(err, map[string]interface{}{"attempt": 3})

	ctx := GetContext(err)
	assert.Equal(t, "bmc1", ctx["host"])
	assert.Equal(t, 3, ctx["attempt"])
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", New(ErrTimeout, "t"), true},
		{"connection", New(ErrConnection, "c"), true},
		{"invalid transition", New(ErrInvalidTransition, "x"), false},
		{"plain", fmt.Errorf("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "invalid transition", ErrInvalidTransition.String())
	assert.Equal(t, "code(99)", ErrorCode(99).String())
}
