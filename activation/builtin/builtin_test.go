package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistry(t *testing.T) {
	assert.Equal(t, []string{"log", "signal"}, NewRegistry().Kinds())
}
