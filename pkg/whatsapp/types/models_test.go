package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatIDFromNumber(t *testing.T) {
	assert.Equal(t, "15551234567@c.us", ChatIDFromNumber("+1 (555) 123-4567"))
	assert.Equal(t, "15551234567@c.us", ChatIDFromNumber("15551234567"))
	assert.Equal(t, "12345-678@g.us", ChatIDFromNumber("12345-678@g.us"))
}

func TestNumberFromChatID(t *testing.T) {
	assert.Equal(t, "+15551234567", NumberFromChatID("15551234567@c.us"))
	assert.Equal(t, "12345-678@g.us", NumberFromChatID("12345-678@g.us"))
	assert.True(t, IsGroupChat("12345-678@g.us"))
	assert.False(t, IsGroupChat("15551234567@c.us"))
}

func TestWAHAMessageResponse_MessageID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string id", `{"id":"true_155@c.us_ABC"}`, "true_155@c.us_ABC"},
		{"object id", `{"id":{"fromMe":true,"remote":"155@c.us","id":"ABC","_serialized":"true_155@c.us_ABC"}}`, "true_155@c.us_ABC"},
		{"object id without serialized", `{"id":{"id":"ABC"}}`, "ABC"},
		{"_data id", `{"_data":{"id":{"id":"ABC","_serialized":"true_155@c.us_ABC"}}}`, "true_155@c.us_ABC"},
		{"empty", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp WAHAMessageResponse
			require.NoError(t, json.Unmarshal([]byte(tt.body), &resp))
			assert.Equal(t, tt.want, resp.MessageID())
		})
	}
}

func TestAckLevelString(t *testing.T) {
	assert.Equal(t, "ERROR", AckError.String())
	assert.Equal(t, "SERVER", AckServer.String())
	assert.Equal(t, "PLAYED", AckPlayed.String())
	assert.Equal(t, "UNKNOWN", AckLevel(9).String())
}
