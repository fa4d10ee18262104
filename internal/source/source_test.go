package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndOpen(t *testing.T) {
	// Given: a registered driver
	called := ""
	Register("test-driver", func(_ context.Context, table string, _ map[string]string) (Source, error) {
		called = table
		return nil, nil
	})

	// When: opening through it
	_, err := Open(context.Background(), "test-driver", "ks.t", nil)

	// Then: the opener received the table
	require.NoError(t, err)
	assert.Equal(t, "ks.t", called)
	assert.Contains(t, Drivers(), "test-driver")
}

func TestRegister_Duplicate(t *testing.T) {
	Register("dup-driver", func(context.Context, string, map[string]string) (Source, error) { return nil, nil })
	assert.Panics(t, func() {
		Register("dup-driver", func(context.Context, string, map[string]string) (Source, error) { return nil, nil })
	})
	assert.Panics(t, func() { Register("nil-driver", nil) })
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "nope", "t", nil)
	assert.Error(t, err)
}

func TestRange_Contains(t *testing.T) {
	r := Range{Start: 10, End: 20}
	assert.True(t, r.Contains(10))
	assert.False(t, r.Contains(20))
	assert.True(t, Range{Start: 10}.Contains(^uint64(0)), "open end covers the rest of the space")
}
