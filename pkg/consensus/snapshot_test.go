package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/quorum/pkg/types"
)

// TestSnapshotCaptureAndTransfer tests automatic snapshot capture past the
// size threshold and catch-up of a lagging follower via chunked transfer
func TestSnapshotCaptureAndTransfer(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotThresholdBytes = 512
	cfg.SnapshotChunkSize = 128

	c := newCluster(t, cfg, "a", "b", "c")
	leader := c.waitLeader()
	leaderID := leader.Status().ID

	// Pick a follower to lag behind.
	var laggard types.NodeID
	for _, id := range c.ids {
		if id != leaderID {
			laggard = id
			break
		}
	}
	c.net.Partition([]types.NodeID{laggard}, remaining(c.ids, laggard))

	// Push enough command bytes through the remaining majority to cross the
	// snapshot threshold several times over.
	for i := 0; i < 40; i++ {
		c.set(leader, fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%02d-padding-padding", i))
	}

	waitFor(t, 10*time.Second, "leader to capture a snapshot", func() bool {
		snap, err := c.states[leaderID].LoadSnapshot()
		return err == nil && snap != nil
	})
	_, err := c.logs[leaderID].Entry(1)
	assert.ErrorIs(t, err, types.ErrCompacted, "log prefix discarded")

	// The laggard rejoins far behind the leader's compaction boundary and
	// must be caught up with a snapshot install.
	c.net.Heal()
	target := leader.Status().LastApplied
	c.waitApplied(target, laggard)

	waitFor(t, 10*time.Second, "laggard state to converge", func() bool {
		for i := 0; i < 40; i++ {
			want := fmt.Sprintf("value-%02d-padding-padding", i)
			if string(c.machines[laggard].Get(fmt.Sprintf("key-%02d", i))) != want {
				return false
			}
		}
		return true
	})

	snap, err := c.states[laggard].LoadSnapshot()
	assert.NoError(t, err)
	assert.NotNil(t, snap, "laggard installed a snapshot")

	// The cluster keeps moving afterwards.
	c.set(leader, "after", "snapshot")
	waitFor(t, 10*time.Second, "post-snapshot write on laggard", func() bool {
		return string(c.machines[laggard].Get("after")) == "snapshot"
	})
}
