package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatus_Rank(t *testing.T) {
	assert.Less(t, DeliveryStatusPending.Rank(), DeliveryStatusSent.Rank())
	assert.Less(t, DeliveryStatusSent.Rank(), DeliveryStatusDelivered.Rank())
	assert.Less(t, DeliveryStatusDelivered.Rank(), DeliveryStatusRead.Rank())
	assert.Less(t, DeliveryStatusRead.Rank(), DeliveryStatusFailed.Rank())
	assert.False(t, DeliveryStatus("bogus").Valid())
	assert.True(t, DeliveryStatusFailed.IsTerminal())
	assert.False(t, DeliveryStatusRead.IsTerminal())
}

func TestMediaKindFromMime(t *testing.T) {
	tests := []struct {
		mime     string
		expected MediaKind
	}{
		{"image/jpeg", MediaKindImage},
		{"IMAGE/PNG", MediaKindImage},
		{"video/mp4", MediaKindVideo},
		{"audio/ogg; codecs=opus", MediaKindAudio},
		{"application/pdf", MediaKindDocument},
		{"text/plain", MediaKindDocument},
		{"application/zip", MediaKindDocument},
		{"text/csv", MediaKindOther},
		{"", MediaKindOther},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.expected, MediaKindFromMime(tt.mime))
		})
	}
}

func TestMessageFilter_Normalize(t *testing.T) {
	f := MessageFilter{}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, 0, f.Offset())

	f = MessageFilter{Page: 3, Limit: 1000}.Normalize()
	assert.Equal(t, 100, f.Limit)
	assert.Equal(t, 200, f.Offset())
}
