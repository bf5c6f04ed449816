// Package consensus implements an Althing cluster node.
//
// A node participates in two protocols over the shared RPC transport: a
// simplified Raft replicated log driving a small key/value state machine,
// and a classical two-phase commit coordinator/participant. Any node may be
// a Raft follower, candidate, or leader and simultaneously coordinate or
// participate in 2PC transactions.
//
// The Raft variant is intentionally reduced: leaders push their entire log
// on every replication round, and followers adopt it wholesale. A leader
// wins only with a quorum and then unilaterally owns the log for the rest
// of its term, which is what makes the full-log push safe at this scale.
// The design targets crash-stop failures on a trusted LAN; there is no
// durable state, log compaction, or membership reconfiguration through the
// log itself.
package consensus

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/althing/pkg/rpc"
)

// RPC service names registered on every node.
const (
	VotingService   = "VotingPhase"
	DecisionService = "DecisionPhase"
	RaftService     = "RaftService"
)

// Errors returned by node operations.
var (
	// ErrRunning is returned when starting a node that is already running.
	ErrRunning = errors.New("node already running")

	// ErrClosed is returned when operating on a stopped node.
	ErrClosed = errors.New("node is closed")
)

// waitJoinTimeout bounds how long Wait blocks on background workers.
const waitJoinTimeout = time.Second

// Node is a single consensus process. It owns its RPC server and all
// protocol state; handlers run on server workers and mutate state only
// under the node's mutexes.
type Node struct {
	config *Config
	server *rpc.Server

	// mu guards all Raft and state-machine fields below it, plus the
	// live peer map. It is never held across an outbound RPC call.
	mu              sync.Mutex
	role            Role
	currentTerm     uint64
	votedFor        string
	logEntries      []LogEntry
	commitIndex     int64
	lastApplied     int64
	appliedCommands []string
	kv              map[string]string
	leaderID        string
	lastHeartbeat   time.Time
	peers           map[string]string

	// txMu guards the 2PC transaction table independently of mu.
	txMu         sync.Mutex
	transactions map[string]*TransactionRecord

	running atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	rand *rand.Rand
}

// NewNode creates a node from config and registers all RPC endpoints.
// The server is not bound until Start.
func NewNode(config *Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		config:          config,
		server:          rpc.NewServer(config.Host, config.Port),
		role:            RoleFollower,
		commitIndex:     -1,
		lastApplied:     -1,
		appliedCommands: make([]string, 0),
		kv:              make(map[string]string),
		lastHeartbeat:   time.Now(),
		peers:           make(map[string]string, len(config.Peers)),
		transactions:    make(map[string]*TransactionRecord),
		stopCh:          make(chan struct{}),
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for peerID, target := range config.Peers {
		n.peers[peerID] = target
	}

	n.server.Register(VotingService, "RequestVote", n.handleTwoPCVote)
	n.server.Register(DecisionService, "DeliverDecision", n.handleTwoPCDecision)
	n.server.Register(RaftService, "RequestVote", n.handleRequestVote)
	n.server.Register(RaftService, "AppendEntries", n.handleAppendEntries)
	n.server.Register(RaftService, "ClientCommand", n.handleClientCommand)
	n.server.Register(RaftService, "GetStatus", n.handleGetStatus)
	n.server.Register(RaftService, "Shutdown", n.handleShutdown)

	return n, nil
}

// Start binds the RPC server and launches the election and heartbeat
// background workers.
func (n *Node) Start() error {
	if n.closed.Load() {
		return ErrClosed
	}
	if n.running.Swap(true) {
		return ErrRunning
	}
	if err := n.server.Start(); err != nil {
		n.running.Store(false)
		return err
	}

	n.wg.Add(2)
	go n.runElectionTimer()
	go n.runHeartbeatLoop()

	log.Printf("[Raft %s] started on %s (%d peers)", n.config.NodeID, n.config.Address(), len(n.config.Peers))
	return nil
}

// Stop clears the running flag and closes the listener. In-flight handler
// workers drain naturally; background loops observe the stop at their next
// poll tick.
func (n *Node) Stop() {
	if n.closed.Swap(true) {
		return
	}
	n.running.Store(false)
	close(n.stopCh)
	n.server.Stop()
	log.Printf("[Raft %s] stopped", n.config.NodeID)
}

// Wait joins the background workers with a short bound.
func (n *Node) Wait() {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitJoinTimeout):
	}
}

// NodeID returns this node's identifier.
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// AddPeer extends the live peer map. New peers join subsequent heartbeat
// and election rounds; existing entries are overwritten.
func (n *Node) AddPeer(peerID, target string) {
	if peerID == n.config.NodeID {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peerID] = target
}

// Status is a point-in-time snapshot of the node's observable state.
type Status struct {
	NodeID          string   `json:"node_id"`
	Role            string   `json:"role"`
	Term            uint64   `json:"term"`
	CommitIndex     int64    `json:"commit_index"`
	AppliedCommands []string `json:"applied_commands"`
	LeaderID        string   `json:"leader_id"`
}

// Status returns a consistent snapshot of role, term, commit index, applied
// commands, and the known leader.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	applied := make([]string, len(n.appliedCommands))
	copy(applied, n.appliedCommands)
	return Status{
		NodeID:          n.config.NodeID,
		Role:            n.role.String(),
		Term:            n.currentTerm,
		CommitIndex:     n.commitIndex,
		AppliedCommands: applied,
		LeaderID:        n.leaderID,
	}
}

// WaitForLeader blocks until this node is leader or learns a leader id,
// the context is cancelled, or the node stops.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(electionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopCh:
			return ErrClosed
		case <-ticker.C:
			n.mu.Lock()
			hasLeader := n.role == RoleLeader || n.leaderID != ""
			n.mu.Unlock()
			if hasLeader {
				return nil
			}
		}
	}
}

func (n *Node) handleGetStatus(payload rpc.Payload) (rpc.Payload, error) {
	st := n.Status()
	return rpc.Payload{
		"node_id":          st.NodeID,
		"role":             st.Role,
		"term":             st.Term,
		"commit_index":     st.CommitIndex,
		"applied_commands": st.AppliedCommands,
		"leader_id":        st.LeaderID,
	}, nil
}

func (n *Node) handleShutdown(payload rpc.Payload) (rpc.Payload, error) {
	requester := stringField(payload, "requester_id", "client")
	log.Printf("[Raft %s] shutdown requested by %s", n.config.NodeID, requester)
	n.Stop()
	return rpc.Payload{"stopping": true}, nil
}

// peersSnapshot copies the live peer map so callers can iterate it without
// holding the state mutex during RPC.
func (n *Node) peersSnapshot() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make(map[string]string, len(n.peers))
	for peerID, target := range n.peers {
		peers[peerID] = target
	}
	return peers
}

// peerTarget resolves a peer id to its address; own id resolves to the
// node's loopback address.
func (n *Node) peerTarget(peerID string) (string, bool) {
	if peerID == n.config.NodeID {
		return n.config.Address(), true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.peers[peerID]
	return target, ok
}

func (n *Node) buildClient(target string) (*rpc.Client, error) {
	host, port, err := rpc.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(host, port), nil
}

// majority is strictly more than half the cluster, including self.
func (n *Node) majority() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return (len(n.peers)+1)/2 + 1
}
