package channel

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilchat/go-veilchat-sdk/common_models"
	"testing"
)

func TestMembers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"alice", "bob"}, SortedMembers([]string{"bob", "alice", "bob"}))
	assert.Equal(t, []string{}, SortedMembers(nil))
	assert.Equal(t, MembersKey(KindDirect, []string{"alice", "bob"}), MembersKey(KindDirect, []string{"bob", "alice"}))
	assert.NotEqual(t, MembersKey(KindDirect, []string{"alice", "bob"}), MembersKey("team", []string{"alice", "bob"}))
}

func TestSubscription(t *testing.T) {
	t.Parallel()
	calls := 0
	sub := NewSubscription(func() { calls++ })
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, calls)
	var _ Subscription = sub
}

func TestMessageWireFormat(t *testing.T) {
	t.Parallel()
	iv := "000102030405060708090a0b0c0d0e0f"
	message := Message{
		Text: PlaceholderText,
		Type: MessageTypeRegular,
		EncryptedData: &common_models.OutboundMessage{
			Text:   &common_models.Envelope{IV: &iv, Content: "Y2lwaGVy", IsEncrypted: true, Timestamp: 1},
			Sender: "alice",
		},
	}
	raw, err := json.Marshal(message)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, PlaceholderText, decoded["text"])
	assert.Equal(t, "regular", decoded["type"])
	encryptedData := decoded["encryptedData"].(map[string]any)
	assert.Nil(t, encryptedData["file"])
	assert.Contains(t, encryptedData, "file")
	assert.Equal(t, "alice", encryptedData["sender"])
	assert.Equal(t, iv, encryptedData["text"].(map[string]any)["iv"])

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, message.EncryptedData, back.EncryptedData)
}
