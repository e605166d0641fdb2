package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", base, KindUnknown},
		{"direct", E(KindAuth, "refresh", base), KindAuth},
		{"wrapped by fmt", fmt.Errorf("outer: %w", E(KindNotFound, "get", base)), KindNotFound},
		{"errorf", Errorf(KindValidation, "decode", "bad field %q", "x"), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := E(KindTransient, "GET /athlete/activities", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindTransient))
	assert.False(t, Is(err, KindAuth))
	assert.Equal(t, "GET /athlete/activities: transient: socket closed", err.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.Equal(t, "persistence", KindPersistence.String())
	assert.Equal(t, "unknown", Kind(200).String())
}
