package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	initial := 1 * time.Second
	max := 60 * time.Second

	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 50; i++ {
			delay := Backoff(attempt, initial, max)
			assert.Greater(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, max)
		}
	}

	// Early attempts stay under the uncapped ceiling
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, Backoff(1, initial, max), 2*time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	delay := Backoff(0, 0, 0)
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 60*time.Second)
}

func TestMessageBuilders(t *testing.T) {
	msg := NewMessage("te/device/main///m/env", []byte(`{}`)).WithRetain().WithQoS(2)
	assert.True(t, msg.Retain)
	assert.Equal(t, byte(2), msg.QoS)
	assert.False(t, msg.Timestamp.IsZero())
}
