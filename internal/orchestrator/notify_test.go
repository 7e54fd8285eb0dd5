package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierKeepsMostRecent(t *testing.T) {
	n := NewLogNotifier(nil, 3)
	assert.Empty(t, n.Recent())

	for i := 0; i < 5; i++ {
		n.Notify(Notification{Level: LevelInfo, Message: fmt.Sprintf("m%d", i)})
	}

	recent := n.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Message)
	assert.Equal(t, "m4", recent[2].Message)
	assert.False(t, recent[0].Time.IsZero())
}
