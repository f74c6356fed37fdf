package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyWriterDropsWhenFull(t *testing.T) {
	nw := NewNotifyWriter()

	for i := 0; i < notifyQueueSize; i++ {
		require.True(t, nw.Send(notification{Type: TypeAck}))
	}
	assert.False(t, nw.Send(notification{Type: TypePong}))
	assert.False(t, nw.Send(notification{Type: TypePong}))
	assert.Equal(t, 2, nw.Dropped())

	require.NoError(t, nw.Close())
	require.NoError(t, nw.Close())
	assert.False(t, nw.Send(notification{Type: TypeAck}), "closed writers refuse")
	assert.Equal(t, 2, nw.Dropped(), "refusals after close are not queue drops")
}
