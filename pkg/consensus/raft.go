package consensus

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/althing/pkg/rpc"
)

// Role is a Raft role.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one replicated log record. Indices are dense starting at 0.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command string `json:"command"`
}

// electionPollInterval is the granularity at which the election timer and
// leader waits re-check state.
const electionPollInterval = 50 * time.Millisecond

// runElectionTimer watches for leader loss. Each cycle draws a fresh random
// timeout; when no heartbeat arrives within it, the node stands for
// election.
func (n *Node) runElectionTimer() {
	defer n.wg.Done()

	for n.running.Load() {
		timeout := n.electionTimeout()
		triggered := false
		for n.running.Load() {
			select {
			case <-n.stopCh:
				return
			case <-time.After(electionPollInterval):
			}
			n.mu.Lock()
			elapsed := time.Since(n.lastHeartbeat)
			n.mu.Unlock()
			if elapsed >= timeout {
				triggered = true
				break
			}
		}
		if !triggered {
			continue
		}
		n.runElection(timeout)
	}
}

func (n *Node) electionTimeout() time.Duration {
	spread := n.config.ElectionTimeoutMax - n.config.ElectionTimeoutMin
	if spread <= 0 {
		return n.config.ElectionTimeoutMin
	}
	return n.config.ElectionTimeoutMin + time.Duration(n.rand.Int63n(int64(spread)))
}

// runElection transitions to candidate and solicits votes from every peer.
// Self counts as one vote. On a majority the node becomes leader; otherwise
// it reverts to follower and the timer restarts.
func (n *Node) runElection(timeout time.Duration) {
	n.mu.Lock()
	// A heartbeat may have arrived between the poll and here.
	if time.Since(n.lastHeartbeat) < timeout {
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	n.currentTerm++
	term := n.currentTerm
	n.votedFor = n.config.NodeID
	n.lastHeartbeat = time.Now()
	lastLogIndex := int64(len(n.logEntries)) - 1
	var lastLogTerm uint64
	if len(n.logEntries) > 0 {
		lastLogTerm = n.logEntries[len(n.logEntries)-1].Term
	}
	n.mu.Unlock()

	log.Printf("[Raft %s] election timeout, standing for term %d", n.config.NodeID, term)

	votes := 1
	for peerID, target := range n.peersSnapshot() {
		if peerID == n.config.NodeID {
			continue
		}
		client, err := n.buildClient(target)
		if err != nil {
			continue
		}
		resp, err := client.Call(RaftService, "RequestVote", rpc.Payload{
			"candidate_id":   n.config.NodeID,
			"term":           term,
			"last_log_index": lastLogIndex,
			"last_log_term":  lastLogTerm,
		})
		if err != nil {
			continue
		}
		if boolField(resp, "vote_granted", false) {
			votes++
		}
	}

	if votes >= n.majority() {
		n.mu.Lock()
		n.role = RoleLeader
		n.leaderID = n.config.NodeID
		n.lastHeartbeat = time.Now()
		n.mu.Unlock()
		log.Printf("[Raft %s] won election for term %d (%d votes)", n.config.NodeID, term, votes)
	} else {
		n.mu.Lock()
		n.role = RoleFollower
		n.mu.Unlock()
		log.Printf("[Raft %s] lost election for term %d (%d votes)", n.config.NodeID, term, votes)
	}
}

// runHeartbeatLoop pushes AppendEntries to every peer at the heartbeat
// interval while this node is leader. Every push carries the full log.
func (n *Node) runHeartbeatLoop() {
	defer n.wg.Done()

	for n.running.Load() {
		select {
		case <-n.stopCh:
			return
		case <-time.After(n.config.HeartbeatInterval):
		}

		n.mu.Lock()
		if n.role != RoleLeader {
			n.mu.Unlock()
			continue
		}
		term := n.currentTerm
		entries := make([]LogEntry, len(n.logEntries))
		copy(entries, n.logEntries)
		commitIndex := n.commitIndex
		n.mu.Unlock()

		for peerID, target := range n.peersSnapshot() {
			if peerID == n.config.NodeID {
				continue
			}
			client, err := n.buildClient(target)
			if err != nil {
				continue
			}
			client.Call(RaftService, "AppendEntries", rpc.Payload{
				"leader_id":    n.config.NodeID,
				"term":         term,
				"entries":      entries,
				"commit_index": commitIndex,
			})
		}
	}
}

// handleRequestVote grants at most one vote per term. Candidate log recency
// is reported on the wire but is not a rejection criterion here.
func (n *Node) handleRequestVote(payload rpc.Payload) (rpc.Payload, error) {
	candidateID := stringField(payload, "candidate_id", "")
	term := uintField(payload, "term", 0)

	n.mu.Lock()
	defer n.mu.Unlock()

	if term < n.currentTerm {
		return rpc.Payload{"vote_granted": false, "term": n.currentTerm}, nil
	}
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.role = RoleFollower
	}
	if n.votedFor == "" || n.votedFor == candidateID {
		n.votedFor = candidateID
		n.lastHeartbeat = time.Now()
		return rpc.Payload{"vote_granted": true, "term": n.currentTerm}, nil
	}
	return rpc.Payload{"vote_granted": false, "term": n.currentTerm}, nil
}

// handleAppendEntries accepts heartbeats and replication from the current
// leader. A non-empty entries set replaces the local log wholesale; the
// commit index is adopted as sent.
func (n *Node) handleAppendEntries(payload rpc.Payload) (rpc.Payload, error) {
	leaderID := stringField(payload, "leader_id", "")
	term := uintField(payload, "term", 0)
	entries := entriesField(payload, "entries")
	commitIndex := intField(payload, "commit_index", -1)

	n.mu.Lock()
	if term < n.currentTerm {
		current := n.currentTerm
		n.mu.Unlock()
		return rpc.Payload{"success": false, "term": current}, nil
	}
	n.leaderID = leaderID
	n.role = RoleFollower
	n.currentTerm = term
	n.lastHeartbeat = time.Now()
	if len(entries) > 0 {
		n.logEntries = entries
	}
	n.commitIndex = commitIndex
	n.mu.Unlock()

	n.applyEntries()
	return rpc.Payload{"success": true, "term": term}, nil
}

// handleClientCommand is the client submission path. Followers forward to
// the known leader; the leader appends, runs one replication round, and on
// a commit quorum applies and answers with the last applied result.
func (n *Node) handleClientCommand(payload rpc.Payload) (rpc.Payload, error) {
	command := stringField(payload, "command", "")
	sourceID := stringField(payload, "source_id", "client")

	n.mu.Lock()
	var leaderID string
	if n.role == RoleLeader {
		leaderID = n.config.NodeID
		n.logEntries = append(n.logEntries, LogEntry{
			Index:   uint64(len(n.logEntries)),
			Term:    n.currentTerm,
			Command: command,
		})
	} else {
		leaderID = n.leaderID
	}
	n.mu.Unlock()

	if leaderID != n.config.NodeID {
		if leaderID == "" {
			return rpc.Payload{"success": false, "leader_id": "", "message": "no_leader"}, nil
		}
		target, ok := n.peerTarget(leaderID)
		if !ok {
			target = n.config.Address()
		}
		log.Printf("[Raft %s] forwarding command from %s to leader %s", n.config.NodeID, sourceID, leaderID)
		client, err := n.buildClient(target)
		if err == nil {
			var resp rpc.Payload
			resp, err = client.Call(RaftService, "ClientCommand", rpc.Payload{
				"source_id":  n.config.NodeID,
				"command":    command,
				"client_id":  stringField(payload, "client_id", "client"),
				"request_id": stringField(payload, "request_id", uuid.NewString()),
			})
			if err == nil {
				return resp, nil
			}
		}
		return rpc.Payload{
			"success":   false,
			"leader_id": leaderID,
			"message":   "forward_failed:" + err.Error(),
		}, nil
	}

	if n.replicateRound() {
		result := n.applyEntries()
		return rpc.Payload{
			"success":   true,
			"leader_id": n.config.NodeID,
			"result":    result,
			"message":   "committed",
		}, nil
	}
	return rpc.Payload{
		"success":   false,
		"leader_id": n.config.NodeID,
		"message":   "failed_to_commit",
	}, nil
}

// replicateRound pushes the full log to every peer once and counts
// acknowledgements, self included. On a majority it advances the commit
// index to the log tail.
func (n *Node) replicateRound() bool {
	n.mu.Lock()
	term := n.currentTerm
	entries := make([]LogEntry, len(n.logEntries))
	copy(entries, n.logEntries)
	n.mu.Unlock()

	successCount := 1
	for peerID, target := range n.peersSnapshot() {
		if peerID == n.config.NodeID {
			continue
		}
		client, err := n.buildClient(target)
		if err != nil {
			continue
		}
		resp, err := client.Call(RaftService, "AppendEntries", rpc.Payload{
			"leader_id":    n.config.NodeID,
			"term":         term,
			"entries":      entries,
			"commit_index": int64(len(entries)) - 1,
		})
		if err != nil {
			continue
		}
		if boolField(resp, "success", false) {
			successCount++
		}
	}

	if successCount >= n.majority() {
		n.mu.Lock()
		n.commitIndex = int64(len(entries)) - 1
		n.mu.Unlock()
		return true
	}
	return false
}
