package consensus

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/orneryd/althing/pkg/rpc"
)

// TransactionRecord is a participant's view of one 2PC transaction.
// Decision is nil until the coordinator delivers one.
type TransactionRecord struct {
	TransactionID string
	Payload       string
	Decision      *bool
}

// RunTransaction drives a two-phase commit as coordinator. The voting phase
// asks every participant (self included, via loopback) for a vote; any RPC
// failure counts as a NO. The decision is the AND of all votes and is then
// delivered to every participant, ignoring delivery failures. There is no
// durable decision log and no retry: absence of a commit decision means
// abort.
func (n *Node) RunTransaction(payload string, participants []string) (bool, error) {
	if n.closed.Load() {
		return false, ErrClosed
	}

	transactionID := uuid.NewString()
	votes := make(map[string]bool, len(participants))

	for _, participantID := range participants {
		target, ok := n.peerTarget(participantID)
		if !ok {
			return false, fmt.Errorf("unknown participant %s", participantID)
		}
		log.Printf("[2PC %s] voting phase: RequestVote -> %s (%s)", n.config.NodeID, participantID, target)
		vote := false
		if client, err := n.buildClient(target); err == nil {
			resp, err := client.Call(VotingService, "RequestVote", rpc.Payload{
				"coordinator_id": n.config.NodeID,
				"participant_id": participantID,
				"transaction_id": transactionID,
				"payload":        payload,
			})
			if err == nil {
				vote = boolField(resp, "commit", false)
			}
		}
		votes[participantID] = vote
	}

	decision := true
	for _, vote := range votes {
		decision = decision && vote
	}

	for _, participantID := range participants {
		target, ok := n.peerTarget(participantID)
		if !ok {
			continue
		}
		log.Printf("[2PC %s] decision phase: DeliverDecision(%t) -> %s (%s)", n.config.NodeID, decision, participantID, target)
		client, err := n.buildClient(target)
		if err != nil {
			continue
		}
		client.Call(DecisionService, "DeliverDecision", rpc.Payload{
			"coordinator_id": n.config.NodeID,
			"participant_id": participantID,
			"transaction_id": transactionID,
			"commit":         decision,
			"payload":        payload,
		})
	}

	return decision, nil
}

// Transactions returns a snapshot of the participant transaction table.
func (n *Node) Transactions() map[string]TransactionRecord {
	n.txMu.Lock()
	defer n.txMu.Unlock()
	out := make(map[string]TransactionRecord, len(n.transactions))
	for id, record := range n.transactions {
		copied := *record
		if record.Decision != nil {
			decision := *record.Decision
			copied.Decision = &decision
		}
		out[id] = copied
	}
	return out
}

// handleTwoPCVote records the transaction and votes according to this
// node's configured voting behavior.
func (n *Node) handleTwoPCVote(payload rpc.Payload) (rpc.Payload, error) {
	participantID := stringField(payload, "participant_id", "")
	coordinatorID := stringField(payload, "coordinator_id", "")
	transactionID := stringField(payload, "transaction_id", "")
	log.Printf("[2PC %s] vote requested by %s for transaction %s", n.config.NodeID, coordinatorID, transactionID)

	record := &TransactionRecord{
		TransactionID: transactionID,
		Payload:       stringField(payload, "payload", ""),
	}
	n.txMu.Lock()
	n.transactions[transactionID] = record
	n.txMu.Unlock()

	return rpc.Payload{
		"participant_id": participantID,
		"transaction_id": transactionID,
		"commit":         n.config.VoteCommit,
	}, nil
}

// handleTwoPCDecision updates the recorded transaction's decision. Repeated
// delivery of the same decision is idempotent.
func (n *Node) handleTwoPCDecision(payload rpc.Payload) (rpc.Payload, error) {
	participantID := stringField(payload, "participant_id", "")
	coordinatorID := stringField(payload, "coordinator_id", "")
	transactionID := stringField(payload, "transaction_id", "")
	commit := boolField(payload, "commit", false)
	log.Printf("[2PC %s] decision %t delivered by %s for transaction %s", n.config.NodeID, commit, coordinatorID, transactionID)

	n.txMu.Lock()
	if record, ok := n.transactions[transactionID]; ok {
		decision := commit
		record.Decision = &decision
	}
	n.txMu.Unlock()

	message := "aborted"
	if commit {
		message = "committed"
	}
	return rpc.Payload{
		"participant_id": participantID,
		"transaction_id": transactionID,
		"committed":      commit,
		"message":        message,
	}, nil
}
