package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(1)
	b, cancelB := h.Subscribe(1)
	defer cancelB()

	n := h.Publish(Message{Type: ResponseReceived, EntityID: "r1"})
	require.Equal(t, 2, n)
	assert.Equal(t, "r1", (<-a).EntityID)
	assert.Equal(t, "r1", (<-b).EntityID)

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, h.Publish(Message{Type: CaseCreated}))
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()
	assert.Equal(t, 1, h.Publish(Message{Type: FormSent}))
	assert.Equal(t, 0, h.Publish(Message{Type: FormOpened}))
	assert.Equal(t, FormSent, (<-ch).Type)
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
