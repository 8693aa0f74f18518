package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutbox_ReplaceDropsQueue(t *testing.T) {
	o := NewOutbox(2)
	assert.True(t, o.Send([]byte("a")))
	assert.True(t, o.Send([]byte("b")))
	assert.False(t, o.Send([]byte("c")))

	o.Replace([]byte("state"))
	assert.Equal(t, 1, o.Resyncs())
	assert.Equal(t, "state", string(<-o.C()))
	select {
	case b := <-o.C():
		t.Fatalf("unexpected frame %q", b)
	default:
	}
}

func TestOutbox_ClosedRefusesFrames(t *testing.T) {
	o := NewOutbox(2)
	o.Close()
	o.Close()
	assert.False(t, o.Send([]byte("a")))
	o.Replace([]byte("state"))
	assert.Zero(t, o.Resyncs())
	select {
	case <-o.Done():
	default:
		t.Fatal("done not closed")
	}
}
