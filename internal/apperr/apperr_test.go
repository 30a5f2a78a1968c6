package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("code is required"), KindValidation},
		{"wrapped timeout", fmt.Errorf("run: %w", Timeout("timed out after %dms", 50)), KindTimeout},
		{"dependency", Dependency(errors.New("404"), "install lodash"), KindDependency},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Dependency(errors.New("registry returned 404"), "fetch left-pad")
	assert.Equal(t, "fetch left-pad: registry returned 404", err.Error())
	assert.Equal(t, "fetch left-pad: registry returned 404", Message(fmt.Errorf("install: %w", err)))

	assert.Equal(t, "code is required", Validation("code is required").Error())
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("sandbox: %w", Timeout("timed out after 100ms"))
	assert.True(t, errors.Is(err, &Error{Kind: KindTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: KindExecution}))
	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Cache(cause, "write manifest")
	assert.ErrorIs(t, err, cause)
}
