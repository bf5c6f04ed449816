package consensus

import (
	"strconv"
	"strings"
)

// applyEntries executes committed-but-unapplied entries in index order and
// returns the last non-empty execution result. The state mutex is taken per
// entry, never across the whole batch.
func (n *Node) applyEntries() string {
	var result string
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex || n.lastApplied+1 >= int64(len(n.logEntries)) {
			n.mu.Unlock()
			return result
		}
		n.lastApplied++
		command := n.logEntries[n.lastApplied].Command
		if r := n.executeCommand(command); r != "" {
			result = r
		}
		n.mu.Unlock()
	}
}

// executeCommand runs one whitespace-split command against the key/value
// store. Every command, recognized or not, is recorded in the applied
// ledger. Caller must hold the state mutex.
func (n *Node) executeCommand(command string) string {
	n.appliedCommands = append(n.appliedCommands, command)

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return ""
	}
	switch strings.ToLower(parts[0]) {
	case "set":
		if len(parts) == 3 {
			n.kv[parts[1]] = parts[2]
			return parts[2]
		}
	case "increment":
		if len(parts) == 2 {
			current := n.kv[parts[1]]
			if current == "" {
				current = "0"
			}
			value, _ := strconv.Atoi(current)
			value++
			stored := strconv.Itoa(value)
			n.kv[parts[1]] = stored
			return stored
		}
	case "get":
		if len(parts) == 2 {
			return n.kv[parts[1]]
		}
	}
	return ""
}
