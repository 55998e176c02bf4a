package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapsSentinel(t *testing.T) {
	err := Corrupt("traverse branch", "abc", "depth %d exceeded", 1000)

	assert.True(t, errors.Is(err, ErrCorruptLineage))
	assert.Equal(t, `traverse branch workspace "abc": corrupt lineage: depth 1000 exceeded`, err.Error())
	assert.Equal(t, "abc", WorkspaceOf(fmt.Errorf("outer: %w", err)))
}

func TestIsIntegrity(t *testing.T) {
	assert.True(t, IsIntegrity(New("open", "x", ErrLineageSealed, "")))
	assert.True(t, IsIntegrity(fmt.Errorf("wrap: %w", ErrParentNotFound)))
	assert.False(t, IsIntegrity(ErrCommandFailed))
	assert.False(t, IsIntegrity(nil))
	assert.Empty(t, WorkspaceOf(errors.New("plain")))
}
