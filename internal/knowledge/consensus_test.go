package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func TestConsensusApproval(t *testing.T) {
	// 4 active workers, threshold 0.66: three votes finalize the session.
	s := newStore(Config{ConsensusThreshold: 0.66}, "w-1", "w-2", "w-3", "w-4")

	id, err := s.RequestConsensus("w-1", "deploy", "roll out v2", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Vote("w-1", id, true, 0.9, ""))
	require.NoError(t, s.Vote("w-2", id, true, 0.8, ""))

	res, err := s.ConsensusResult(id)
	require.NoError(t, err)
	require.Equal(t, models.ConsensusPending, res.Status, "2 of ceil(0.66*4)=3 votes")

	require.NoError(t, s.Vote("w-3", id, true, 0.7, "looks safe"))

	res, err = s.ConsensusResult(id)
	require.NoError(t, err)
	require.Equal(t, models.ConsensusApproved, res.Status)
	require.True(t, res.Approved)
	require.InDelta(t, 0.75, res.Participation, 1e-9)
}

func TestConsensusRejection(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.5}, "w-1", "w-2")

	id, err := s.RequestConsensus("w-1", "deploy", "skip tests", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Vote("w-1", id, false, 0.9, "too risky"))

	res, _ := s.ConsensusResult(id)
	require.Equal(t, models.ConsensusRejected, res.Status)
	require.False(t, res.Approved)
}

func TestVoteAfterFinalizationRejected(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.5}, "w-1", "w-2")

	id, _ := s.RequestConsensus("w-1", "t", "p", time.Now().Add(time.Minute))
	require.NoError(t, s.Vote("w-1", id, true, 0.9, ""))

	res, _ := s.ConsensusResult(id)
	require.True(t, res.Status.Terminal())

	err := s.Vote("w-2", id, false, 0.9, "")
	require.True(t, models.IsKind(err, models.KindInvalidState))

	// The late vote changed nothing.
	after, _ := s.ConsensusResult(id)
	require.Equal(t, res.Status, after.Status)
	require.Equal(t, res.Approved, after.Approved)
	require.Len(t, after.Votes, 1)
}

func TestDoubleVoteRejected(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.9}, "w-1", "w-2", "w-3")

	id, _ := s.RequestConsensus("w-1", "t", "p", time.Now().Add(time.Minute))
	require.NoError(t, s.Vote("w-1", id, true, 0.9, ""))

	err := s.Vote("w-1", id, false, 0.9, "")
	require.True(t, models.IsKind(err, models.KindInvalidArgument))
}

func TestVotePastDeadlineFinalizesTimeout(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.9}, "w-1", "w-2", "w-3")
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	id, _ := s.RequestConsensus("w-1", "t", "p", now.Add(time.Minute))
	require.NoError(t, s.Vote("w-1", id, true, 0.9, ""))

	now = now.Add(time.Hour)
	err := s.Vote("w-2", id, true, 0.9, "")
	require.True(t, models.IsKind(err, models.KindTimeout))

	res, _ := s.ConsensusResult(id)
	require.Equal(t, models.ConsensusTimeout, res.Status)
}

func TestSweepFinalizesPastDeadlineSessions(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.9}, "w-1", "w-2", "w-3")
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	id, _ := s.RequestConsensus("w-1", "t", "p", now.Add(time.Minute))

	now = now.Add(time.Hour)
	s.Sweep()

	res, _ := s.ConsensusResult(id)
	require.Equal(t, models.ConsensusTimeout, res.Status)
}

func TestUnregisterRemovesOpenSessionVote(t *testing.T) {
	s := newStore(Config{ConsensusThreshold: 0.9}, "w-1", "w-2", "w-3")

	id, _ := s.RequestConsensus("w-1", "t", "p", time.Now().Add(time.Minute))
	require.NoError(t, s.Vote("w-2", id, true, 0.9, ""))

	s.UnregisterWorker("w-2")

	res, _ := s.ConsensusResult(id)
	require.Len(t, res.Votes, 0)
}

func TestRequestConsensusUnknownWorker(t *testing.T) {
	s := newStore(Config{}, "w-1")
	_, err := s.RequestConsensus("ghost", "t", "p", time.Now().Add(time.Minute))
	require.True(t, models.IsKind(err, models.KindInvalidArgument))
}
