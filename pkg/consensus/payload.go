package consensus

import (
	"strconv"

	"github.com/orneryd/althing/pkg/rpc"
)

// Field readers for decoded JSON payloads. encoding/json delivers numbers
// as float64; peers written against other stacks may send numeric strings.

func stringField(p rpc.Payload, key, fallback string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return fallback
}

func boolField(p rpc.Payload, key string, fallback bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return fallback
}

func intField(p rpc.Payload, key string, fallback int64) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func uintField(p rpc.Payload, key string, fallback uint64) uint64 {
	i := intField(p, key, int64(fallback))
	if i < 0 {
		return fallback
	}
	return uint64(i)
}

// entriesField decodes a log-entry list from a payload. Entries arrive as
// generic JSON arrays after the wire round trip.
func entriesField(p rpc.Payload, key string) []LogEntry {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fields := rpc.Payload(m)
		entries = append(entries, LogEntry{
			Index:   uintField(fields, "index", 0),
			Term:    uintField(fields, "term", 0),
			Command: stringField(fields, "command", ""),
		})
	}
	return entries
}
