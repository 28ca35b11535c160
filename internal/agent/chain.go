package agent

import "github.com/basket/warden/internal/shared"

// BuildChain produces the ordered, duplicate-free agent chain for a task.
// Primaries are kept in request order; each chain position is then extended
// with its configured fallback. An agent already in the chain is never
// appended again, which also breaks fallback cycles.
func BuildChain(primaries []string, fallbacks map[string]string) []string {
	chain := make([]string, 0, len(primaries)+len(fallbacks))
	seen := make(map[string]struct{}, len(primaries)+len(fallbacks))

	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		chain = append(chain, id)
	}

	for _, id := range primaries {
		add(id)
	}
	if len(chain) == 0 {
		add(shared.DefaultAgentID)
	}

	// Walk the chain as it grows; appended fallbacks get their own
	// fallbacks considered in turn.
	for i := 0; i < len(chain); i++ {
		add(fallbacks[chain[i]])
	}
	return chain
}
