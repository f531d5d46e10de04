package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_ControlFrame(t *testing.T) {
	raw := []byte(`{"type":"hello","clientId":"abc","sharedSecret":"s3cr3t"}`)
	ctl, ok := Classify(raw)
	require.True(t, ok)
	assert.Equal(t, Hello, ctl.Type)
	assert.Equal(t, "abc", ctl.ClientID)
	assert.Equal(t, "s3cr3t", ctl.SharedSecret)
}

func TestClassify_NonControlMCPFrame(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	_, ok := Classify(raw)
	assert.False(t, ok)
}

func TestClassify_InvalidJSON(t *testing.T) {
	_, ok := Classify([]byte(`not json`))
	assert.False(t, ok)
}

func TestFramer_ReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, &buf)

	require.NoError(t, f.WriteControl(Control{Type: Heartbeat}))
	line, err := f.ReadLine()
	require.NoError(t, err)

	var ctl Control
	require.NoError(t, json.Unmarshal(line, &ctl))
	assert.Equal(t, Heartbeat, ctl.Type)
}

func TestFramer_ReadLineEOF(t *testing.T) {
	f := NewFramer(bytes.NewReader(nil), io.Discard)
	_, err := f.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramer_MultipleLines(t *testing.T) {
	input := "{\"type\":\"hello\"}\n{\"type\":\"goodbye\"}\n"
	var out bytes.Buffer
	f := NewFramer(bytes.NewBufferString(input), &out)

	first, err := f.ReadLine()
	require.NoError(t, err)
	ctl, ok := Classify(first)
	require.True(t, ok)
	assert.Equal(t, Hello, ctl.Type)

	second, err := f.ReadLine()
	require.NoError(t, err)
	ctl, ok = Classify(second)
	require.True(t, ok)
	assert.Equal(t, Goodbye, ctl.Type)
}
