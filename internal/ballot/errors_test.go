package ballot

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageNamesEntity(t *testing.T) {
	err := NewNotDeployedError(42)
	assert.Contains(t, err.Error(), "election 42")
	assert.Contains(t, err.Error(), string(ErrCodeNotDeployed))
}

func TestError_PredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", NewMappingError(1, 9, "not in roster", nil))

	assert.True(t, IsMappingResolution(wrapped))
	assert.False(t, IsNotDeployed(wrapped))
	assert.Equal(t, ErrCodeMappingResolution, CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "candidate 9")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewConnectionError("connect signer", cause)

	assert.True(t, IsConnection(err))
	assert.ErrorIs(t, err, cause)
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
