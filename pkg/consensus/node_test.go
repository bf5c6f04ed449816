package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/althing/pkg/rpc"
)

func TestNewNodeValidatesConfig(t *testing.T) {
	config := DefaultConfig() // no node id
	config.Port = 5600
	_, err := NewNode(config)
	assert.Error(t, err)
}

func TestNodeLifecycle(t *testing.T) {
	t.Parallel()
	config := testConfig("solo", allocatePort(t), nil)
	node, err := NewNode(config)
	require.NoError(t, err)

	require.NoError(t, node.Start())
	assert.ErrorIs(t, node.Start(), ErrRunning)

	status := node.Status()
	assert.Equal(t, "solo", status.NodeID)
	assert.Equal(t, "follower", status.Role)
	assert.Equal(t, uint64(0), status.Term)
	assert.Equal(t, int64(-1), status.CommitIndex)
	assert.Empty(t, status.AppliedCommands)

	node.Stop()
	node.Wait()
	assert.ErrorIs(t, node.Start(), ErrClosed)
}

// A cluster of one elects itself: a single vote is already a majority.
func TestSingleNodeBecomesLeader(t *testing.T) {
	t.Parallel()
	config := testConfig("solo", allocatePort(t), nil)
	node, err := NewNode(config)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() {
		node.Stop()
		node.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	require.NoError(t, node.WaitForLeader(ctx))

	require.Eventually(t, func() bool {
		return node.Status().Role == "leader"
	}, 2*time.Second, 50*time.Millisecond)

	resp, err := rpc.NewClient("127.0.0.1", config.Port).Call(RaftService, "ClientCommand", rpc.Payload{
		"source_id": "test",
		"command":   "set solo 1",
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "1", resp["result"])
}

func TestGetStatusRPC(t *testing.T) {
	t.Parallel()
	cluster := newTestCluster(t, "n1", "n2", "n3")
	cluster.start()

	status, err := cluster.getStatus("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", status["node_id"])
	assert.Contains(t, []string{"follower", "candidate", "leader"}, status["role"])
	assert.NotNil(t, status["applied_commands"])
}

func TestShutdownRPC(t *testing.T) {
	t.Parallel()
	config := testConfig("doomed", allocatePort(t), nil)
	node, err := NewNode(config)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	client := rpc.NewClientTimeout("127.0.0.1", config.Port, time.Second)
	resp, err := client.Call(RaftService, "Shutdown", rpc.Payload{"requester_id": "test"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["stopping"])

	node.Wait()

	// The listener is gone; further calls fail at the transport.
	require.Eventually(t, func() bool {
		_, err := client.Call(RaftService, "GetStatus", rpc.Payload{"requester_id": "test"})
		return err != nil
	}, 2*time.Second, 100*time.Millisecond)
}

func TestAddPeer(t *testing.T) {
	config := testConfig("n1", allocatePort(t), map[string]string{"n2": "127.0.0.1:5601"})
	node, err := NewNode(config)
	require.NoError(t, err)

	node.AddPeer("n3", "127.0.0.1:5602")
	node.AddPeer("n1", "127.0.0.1:9999") // own id is ignored

	peers := node.peersSnapshot()
	assert.Equal(t, map[string]string{
		"n2": "127.0.0.1:5601",
		"n3": "127.0.0.1:5602",
	}, peers)

	target, ok := node.peerTarget("n1")
	require.True(t, ok)
	assert.Equal(t, config.Address(), target, "own id resolves to loopback")
}

func TestRequestVoteHandler(t *testing.T) {
	node := newBareNode(t)

	// Stale term is rejected.
	node.mu.Lock()
	node.currentTerm = 5
	node.mu.Unlock()
	resp, err := node.handleRequestVote(rpc.Payload{"candidate_id": "n2", "term": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, false, resp["vote_granted"])
	assert.Equal(t, uint64(5), resp["term"])

	// Higher term is adopted and the vote granted.
	resp, err = node.handleRequestVote(rpc.Payload{"candidate_id": "n2", "term": float64(6)})
	require.NoError(t, err)
	assert.Equal(t, true, resp["vote_granted"])
	assert.Equal(t, uint64(6), resp["term"])

	// Only one vote per term.
	resp, err = node.handleRequestVote(rpc.Payload{"candidate_id": "n3", "term": float64(6)})
	require.NoError(t, err)
	assert.Equal(t, false, resp["vote_granted"])

	// Repeat vote for the same candidate stays granted.
	resp, err = node.handleRequestVote(rpc.Payload{"candidate_id": "n2", "term": float64(6)})
	require.NoError(t, err)
	assert.Equal(t, true, resp["vote_granted"])
}

func TestAppendEntriesHandler(t *testing.T) {
	node := newBareNode(t)

	// Stale term rejected.
	node.mu.Lock()
	node.currentTerm = 3
	node.mu.Unlock()
	resp, err := node.handleAppendEntries(rpc.Payload{
		"leader_id": "n2", "term": float64(2), "entries": []any{}, "commit_index": float64(-1),
	})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, uint64(3), resp["term"])

	// Current-term push replaces the log wholesale and applies commits.
	resp, err = node.handleAppendEntries(rpc.Payload{
		"leader_id": "n2",
		"term":      float64(3),
		"entries": []any{
			map[string]any{"index": float64(0), "term": float64(3), "command": "set a 1"},
			map[string]any{"index": float64(1), "term": float64(3), "command": "set b 2"},
		},
		"commit_index": float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	status := node.Status()
	assert.Equal(t, "follower", status.Role)
	assert.Equal(t, "n2", status.LeaderID)
	assert.Equal(t, int64(1), status.CommitIndex)
	assert.Equal(t, []string{"set a 1", "set b 2"}, status.AppliedCommands)

	// An empty heartbeat leaves the log alone but adopts the commit index.
	resp, err = node.handleAppendEntries(rpc.Payload{
		"leader_id": "n2", "term": float64(3), "entries": []any{}, "commit_index": float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Len(t, node.Status().AppliedCommands, 2)
}

// A higher-term leader's push retracts uncommitted local entries: the
// follower adopts the incoming log verbatim.
func TestAppendEntriesOverwritesDivergentLog(t *testing.T) {
	node := newBareNode(t)
	node.mu.Lock()
	node.currentTerm = 1
	node.logEntries = []LogEntry{{Index: 0, Term: 1, Command: "set stale 1"}}
	node.mu.Unlock()

	resp, err := node.handleAppendEntries(rpc.Payload{
		"leader_id": "n9",
		"term":      float64(2),
		"entries": []any{
			map[string]any{"index": float64(0), "term": float64(2), "command": "set fresh 1"},
		},
		"commit_index": float64(0),
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.logEntries, 1)
	assert.Equal(t, "set fresh 1", node.logEntries[0].Command)
	assert.Equal(t, uint64(2), node.currentTerm)
}

func TestClientCommandNoLeader(t *testing.T) {
	node := newBareNode(t)
	resp, err := node.handleClientCommand(rpc.Payload{"source_id": "test", "command": "set x 1"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "", resp["leader_id"])
	assert.Equal(t, "no_leader", resp["message"])
}
