package knowledge

import (
	"math"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// RequestConsensus opens a voting session on a proposal. The requester must
// be a registered worker.
func (s *Store) RequestConsensus(requesterID, topic, proposal string, deadline time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.workers[requesterID] {
		return "", models.E(models.KindInvalidArgument, "unknown worker %s", requesterID)
	}
	if proposal == "" {
		return "", models.E(models.KindInvalidArgument, "empty proposal")
	}

	sess := &models.ConsensusSession{
		ID:                newID(),
		Topic:             topic,
		Proposal:          proposal,
		RequesterWorkerID: requesterID,
		Deadline:          deadline,
		Votes:             make(map[string]models.ConsensusVote),
		Status:            models.ConsensusPending,
	}
	s.sessions[sess.ID] = sess
	return sess.ID, nil
}

// Vote records one worker's vote. Each worker votes at most once per
// session; votes after finalization are rejected. Reaching
// threshold * |activeWorkers| votes finalizes the session immediately.
func (s *Store) Vote(workerID, sessionID string, value bool, confidence float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.E(models.KindNotFound, "consensus session %s", sessionID)
	}
	if sess.Status.Terminal() {
		return models.E(models.KindInvalidState, "session %s already %s", sessionID, sess.Status)
	}
	if !s.workers[workerID] {
		return models.E(models.KindInvalidArgument, "unknown worker %s", workerID)
	}
	if _, voted := sess.Votes[workerID]; voted {
		return models.E(models.KindInvalidArgument, "worker %s already voted in %s", workerID, sessionID)
	}
	if s.now().After(sess.Deadline) {
		s.finalizeLocked(sess, models.ConsensusTimeout)
		return models.E(models.KindTimeout, "session %s deadline passed", sessionID)
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	sess.Votes[workerID] = models.ConsensusVote{
		Value:      value,
		Confidence: confidence,
		Reason:     reason,
		CastAt:     s.now(),
	}

	needed := int(math.Ceil(s.cfg.ConsensusThreshold * float64(len(s.workers))))
	if needed < 1 {
		needed = 1
	}
	if len(sess.Votes) >= needed {
		s.finalizeLocked(sess, "")
	}
	return nil
}

// finalizeLocked closes a session. An empty status tallies the votes; an
// explicit status (timeout) is applied as-is. Caller must hold s.mu.
func (s *Store) finalizeLocked(sess *models.ConsensusSession, status models.ConsensusStatus) {
	active := len(s.workers)
	if active < 1 {
		active = 1
	}
	sess.Participation = float64(len(sess.Votes)) / float64(active)

	if status != "" {
		sess.Status = status
		return
	}

	var yesWeight, noWeight float64
	for _, v := range sess.Votes {
		w := v.Confidence
		if w == 0 {
			w = 0.5
		}
		if v.Value {
			yesWeight += w
		} else {
			noWeight += w
		}
	}
	sess.Approved = yesWeight > noWeight
	if sess.Approved {
		sess.Status = models.ConsensusApproved
	} else {
		sess.Status = models.ConsensusRejected
	}
}

// ConsensusResult returns a copy of the session.
func (s *Store) ConsensusResult(sessionID string) (models.ConsensusSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ConsensusSession{}, models.E(models.KindNotFound, "consensus session %s", sessionID)
	}
	out := *sess
	out.Votes = make(map[string]models.ConsensusVote, len(sess.Votes))
	for k, v := range sess.Votes {
		out.Votes[k] = v
	}
	return out, nil
}
