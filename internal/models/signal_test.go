package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomPeer(t *testing.T) {
	room := Room{RoomID: "r1", Users: [2]string{"user_A", "user_B"}}

	peer, ok := room.Peer("user_A")
	assert.True(t, ok)
	assert.Equal(t, "user_B", peer)

	peer, ok = room.Peer("user_B")
	assert.True(t, ok)
	assert.Equal(t, "user_A", peer)

	_, ok = room.Peer("user_C")
	assert.False(t, ok)

	assert.True(t, room.HasUser("user_A"))
	assert.False(t, room.HasUser("user_C"))
}

func TestSignalMessageEnvelope(t *testing.T) {
	msg := NewSignalMessage(EventMatched, MatchedPayload{RoomID: "r1", IsInitiator: true})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"matched","data":{"roomId":"r1","isInitiator":true}}`, string(raw))

	var decoded SignalMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var payload MatchedPayload
	require.NoError(t, json.Unmarshal(decoded.Data, &payload))
	assert.Equal(t, "r1", payload.RoomID)
	assert.True(t, payload.IsInitiator)
}

func TestSignalMessageNoPayload(t *testing.T) {
	msg := NewSignalMessage(EventFindPartner, nil)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"find-partner"}`, string(raw))
}
