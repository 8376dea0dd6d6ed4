package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvalRequestWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, NewEvalRequest("(+ 1 2)")))
	assert.Equal(t, "d2:op4:eval4:code7:(+ 1 2)e", buf.String())
}

func TestDictSetReplacesInPlace(t *testing.T) {
	d := NewDict().Set("a", 1).Set("b", 2).Set("a", 3)
	assert.Equal(t, []string{"a", "b"}, d.Keys())
	v, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestParseResponse(t *testing.T) {
	t.Run("all fields", func(t *testing.T) {
		msg := NewDict().
			Set("value", []byte("3")).
			Set("out", []byte("hello\n")).
			Set("err", []byte("warn\n")).
			Set("status", []any{[]byte("done")})
		resp, err := ParseResponse(msg)
		require.NoError(t, err)
		assert.Equal(t, "3", resp.Value)
		assert.Equal(t, "hello\n", resp.Out)
		assert.Equal(t, "warn\n", resp.Err)
		assert.Equal(t, []string{"done"}, resp.Status)
		assert.True(t, resp.Done())
	})

	t.Run("no status means not done", func(t *testing.T) {
		resp, err := ParseResponse(NewDict().Set("out", []byte("a")))
		require.NoError(t, err)
		assert.False(t, resp.Done())
	})

	t.Run("status without done token", func(t *testing.T) {
		resp, err := ParseResponse(NewDict().Set("status", []any{[]byte("state")}))
		require.NoError(t, err)
		assert.False(t, resp.Done())
	})

	t.Run("unknown keys are ignored", func(t *testing.T) {
		msg := NewDict().
			Set("session", []byte("s-1")).
			Set("id", int64(7)).
			Set("value", []byte("ok"))
		resp, err := ParseResponse(msg)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Value)
	})

	t.Run("non-dictionary message", func(t *testing.T) {
		_, err := ParseResponse(int64(3))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("status that is not a list", func(t *testing.T) {
		_, err := ParseResponse(NewDict().Set("status", []byte("done")))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}
