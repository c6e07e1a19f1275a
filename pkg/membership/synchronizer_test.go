package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/types"
)

// fakeLog records appended configuration entries and hands out indices.
type fakeLog struct {
	next     types.LogIndex
	appended []*types.ClusterConfiguration
}

func (f *fakeLog) append(cfg *types.ClusterConfiguration) (types.LogIndex, error) {
	f.next++
	f.appended = append(f.appended, cfg.Clone())
	return f.next, nil
}

func config(ids ...types.NodeID) *types.ClusterConfiguration {
	return &types.ClusterConfiguration{Nodes: ids}
}

// TestTwoPhaseChange tests the full joint-then-final walk
func TestTwoPhaseChange(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{}
	s := New(clk, "a", flog.append)

	current := config("a", "b", "c")
	target := config("a", "b", "c", "d")

	fut := s.StartChange(current, target, time.Minute)
	assert.Equal(t, WaitingJoint, s.Phase())

	require.Len(t, flog.appended, 1)
	joint := flog.appended[0]
	assert.True(t, joint.IsJoint)
	assert.ElementsMatch(t, target.Nodes, joint.Nodes)
	assert.ElementsMatch(t, current.Nodes, joint.OldNodes)

	// Joint commit triggers the final append.
	s.NotifyCommitted(joint, 1)
	assert.Equal(t, WaitingFinal, s.Phase())
	require.Len(t, flog.appended, 2)
	final := flog.appended[1]
	assert.False(t, final.IsJoint)
	assert.ElementsMatch(t, target.Nodes, final.Nodes)
	assert.False(t, fut.IsSettled())

	// Final commit resolves the change.
	s.NotifyCommitted(final, 2)
	assert.Equal(t, Idle, s.Phase())

	ok, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestChangeSerialization tests that concurrent changes are refused
func TestChangeSerialization(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{}
	s := New(clk, "a", flog.append)

	_ = s.StartChange(config("a", "b", "c"), config("a", "b", "c", "d"), time.Minute)

	second := s.StartChange(config("a", "b", "c"), config("a", "b"), time.Minute)
	require.True(t, second.IsSettled())
	_, err := second.Result()
	assert.ErrorIs(t, err, types.ErrChangeInProgress)
}

// TestUnrelatedCommitsIgnored tests that stray configuration commits do not
// advance the phase machine
func TestUnrelatedCommitsIgnored(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{next: 10}
	s := New(clk, "a", flog.append)

	fut := s.StartChange(config("a", "b", "c"), config("a", "b", "c", "d"), time.Minute)

	// Wrong index, right shape.
	s.NotifyCommitted(flog.appended[0], 99)
	assert.Equal(t, WaitingJoint, s.Phase())

	// Right index, not joint.
	s.NotifyCommitted(config("a", "b", "c", "d"), 11)
	assert.Equal(t, WaitingJoint, s.Phase())
	assert.False(t, fut.IsSettled())
}

// TestCancelRollsBack tests phase-tagged cancellation
func TestCancelRollsBack(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{}
	s := New(clk, "a", flog.append)

	fut := s.StartChange(config("a", "b", "c"), config("a", "b", "c", "d"), time.Minute)
	s.Cancel("leadership lost")

	assert.Equal(t, Idle, s.Phase())
	_, err := fut.Result()
	var ccErr *types.ConfigurationChangeError
	require.ErrorAs(t, err, &ccErr)
	assert.Equal(t, types.PhaseJoint, ccErr.Phase)

	// Idle cancel is a no-op.
	s.Cancel("again")
}

// TestDeadlineExpiry tests clock-driven rollback
func TestDeadlineExpiry(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{}
	s := New(clk, "a", flog.append)

	fut := s.StartChange(config("a", "b", "c"), config("a", "b", "c", "d"), 50*time.Millisecond)
	s.NotifyCommitted(flog.appended[0], 1)
	assert.Equal(t, WaitingFinal, s.Phase())

	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, Idle, s.Phase())

	_, err := fut.Result()
	var ccErr *types.ConfigurationChangeError
	require.ErrorAs(t, err, &ccErr)
	assert.Equal(t, types.PhaseFinal, ccErr.Phase)
}

// TestResumeFinalPhase tests the leadership-inheritance path
func TestResumeFinalPhase(t *testing.T) {
	clk := clock.NewManualClock()
	flog := &fakeLog{next: 20}
	s := New(clk, "b", flog.append)

	joint := &types.ClusterConfiguration{
		Nodes:    []types.NodeID{"a", "b", "c", "d"},
		OldNodes: []types.NodeID{"a", "b", "c"},
		IsJoint:  true,
	}

	fut := s.ResumeFinalPhase(joint, time.Minute)
	assert.Equal(t, WaitingFinal, s.Phase())
	require.Len(t, flog.appended, 1)
	final := flog.appended[0]
	assert.False(t, final.IsJoint)
	assert.ElementsMatch(t, joint.Nodes, final.Nodes)

	s.NotifyCommitted(final, 21)
	assert.Equal(t, Idle, s.Phase())
	ok, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
