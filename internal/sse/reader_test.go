package sse

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Events(t *testing.T) {
	stream := ": keepalive\r\n" +
		"event: state\n" +
		"id: 7\n" +
		"data: {\"state\":\n" +
		"data: \"happy\"}\n" +
		"\n" +
		"event: ignored-without-data\n" +
		"\n" +
		"retry: 1500\n" +
		"\n" +
		"data:no-space\n" +
		"\n" +
		"data: trailing"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "state", ev.Type)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "{\"state\":\n\"happy\"}", ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, ev.Retry)
	assert.Empty(t, ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Empty(t, ev.Type)
	assert.Equal(t, "no-space", ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "trailing", ev.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "7", r.LastID())
}
