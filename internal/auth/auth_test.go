package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	v := NewStatic(map[string]Claims{
		"tok-1": {Subject: "u1", Tier: "premium"},
	})

	c, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "premium", c.Tier)

	_, err = v.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNop(t *testing.T) {
	_, err := Nop{}.Verify(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
