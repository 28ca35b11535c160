// Package agent builds and encodes the ordered agent chain a task walks
// through, and tracks rate-limit cooldowns per agent identity.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/basket/warden/internal/shared"
)

// ChainEntry is one position in a task's agent chain.
type ChainEntry struct {
	AgentID string `json:"agent_id"`
}

// EncodeChain serializes a chain for storage on the task row.
func EncodeChain(agentIDs []string) (string, error) {
	entries := make([]ChainEntry, 0, len(agentIDs))
	for _, id := range agentIDs {
		entries = append(entries, ChainEntry{AgentID: id})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode agent chain: %w", err)
	}
	return string(raw), nil
}

// DecodeChain parses a stored chain back into ordered agent ids. An empty
// or "[]" chain decodes to the default agent so a recovered task always
// has somewhere to resume.
func DecodeChain(raw string) ([]string, error) {
	if raw == "" {
		return []string{shared.DefaultAgentID}, nil
	}
	var entries []ChainEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode agent chain: %w", err)
	}
	if len(entries) == 0 {
		return []string{shared.DefaultAgentID}, nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.AgentID)
	}
	return out, nil
}
