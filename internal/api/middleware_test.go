package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsStreaming(t *testing.T) {
	assert.True(t, isStreaming("/v1/cameras/:id/stream"))
	assert.True(t, isStreaming("/v1/ws"))
	assert.False(t, isStreaming("/v1/cameras"))
	assert.False(t, isStreaming("unmatched"))
}
