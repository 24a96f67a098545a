package common_models

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestFilePayloadFromValue(t *testing.T) {
	payload := FilePayload{Name: "test.txt", MimeType: "text/plain", SizeBytes: 4, ContentBase64: "dGVzdA=="}

	t.Run("struct value", func(t *testing.T) {
		res, ok := FilePayloadFromValue(payload)
		require.True(t, ok)
		assert.Equal(t, payload, *res)
	})
	t.Run("pointer value", func(t *testing.T) {
		res, ok := FilePayloadFromValue(&payload)
		require.True(t, ok)
		assert.Equal(t, payload, *res)
	})
	t.Run("map coming out of JSON", func(t *testing.T) {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		var generic any
		require.NoError(t, json.Unmarshal(raw, &generic))
		res, ok := FilePayloadFromValue(generic)
		require.True(t, ok)
		assert.Equal(t, payload, *res)
	})
	t.Run("missing contentBase64", func(t *testing.T) {
		_, ok := FilePayloadFromValue(map[string]any{"name": "test.txt"})
		assert.False(t, ok)
	})
	t.Run("not an object", func(t *testing.T) {
		_, ok := FilePayloadFromValue("**DECRYPTION ERROR**")
		assert.False(t, ok)
		_, ok = FilePayloadFromValue(nil)
		assert.False(t, ok)
		_, ok = FilePayloadFromValue((*FilePayload)(nil))
		assert.False(t, ok)
	})
}

func TestOutboundMessageWireFormat(t *testing.T) {
	iv := "000102030405060708090a0b0c0d0e0f"
	msg := OutboundMessage{
		Text:   &Envelope{IV: &iv, Content: "abc=", IsEncrypted: true, Timestamp: 42},
		Sender: "alice",
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"text":{"iv":"000102030405060708090a0b0c0d0e0f","content":"abc=","isEncrypted":true,"timestamp":42},"file":null,"sender":"alice"}`,
		string(raw),
	)

	noText := OutboundMessage{File: &Envelope{Content: "plain", Timestamp: 1}, Sender: "bob"}
	raw, err = json.Marshal(noText)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"file":{"iv":null,"content":"plain","isEncrypted":false,"timestamp":1},"sender":"bob"}`,
		string(raw),
	)
}
