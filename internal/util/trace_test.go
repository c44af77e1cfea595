package util

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTraceID(t *testing.T) {
	id := NewTraceID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewTraceID())

	_, ok := TraceIDFromContext(context.Background())
	assert.False(t, ok)

	got, ok := TraceIDFromContext(ContextWithTraceID(context.Background(), id))
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = TraceIDFromContext(ContextWithTraceID(context.Background(), ""))
	assert.False(t, ok)
}
