package memory

import "fmt"

// ExactFitPolicy decides what happens to the history entry whose cost
// exactly exhausts the remaining budget during eviction.
type ExactFitPolicy int

const (
	// KeepOnExactFit cuts only when the remaining budget goes strictly
	// negative, so an entry that lands the budget on exactly zero is kept.
	KeepOnExactFit ExactFitPolicy = iota
	// EvictOnExactFit cuts as soon as the remaining budget reaches zero.
	EvictOnExactFit
)

// ParseExactFitPolicy accepts "keep" (or "") and "evict".
func ParseExactFitPolicy(s string) (ExactFitPolicy, error) {
	switch s {
	case "", "keep":
		return KeepOnExactFit, nil
	case "evict":
		return EvictOnExactFit, nil
	}
	return KeepOnExactFit, fmt.Errorf("memory: unknown exact-fit policy %q (want keep or evict)", s)
}

func (p ExactFitPolicy) String() string {
	if p == EvictOnExactFit {
		return "evict"
	}
	return "keep"
}

// exhausted reports whether remaining triggers a cut under p.
func (p ExactFitPolicy) exhausted(remaining int) bool {
	if p == EvictOnExactFit {
		return remaining <= 0
	}
	return remaining < 0
}

// IncrementalCost attributes the API's reported total for a whole request
// to the newest exchange by subtracting what the stored history already
// accounts for. Persona cost is not tracked separately; it lands in the
// incremental cost of whichever turn first pays for it.
//
// A negative result means the reported total was smaller than the stored
// history; such an exchange must not be recorded.
func IncrementalCost(reportedTotal int, history []Exchange) int {
	return reportedTotal - sumCosts(history)
}

// EvictionCut returns the index of the oldest history entry to keep when a
// new exchange costing incremental tokens is about to be appended under the
// given limit: the caller keeps history[cut:].
//
// The budget left for old history is limit − incremental. Entries are
// charged against it newest first; the first entry that exhausts it (per
// policy) is evicted together with everything older. A limit of 0 means
// unlimited and never evicts.
func EvictionCut(history []Exchange, incremental, limit int, policy ExactFitPolicy) int {
	if limit == 0 {
		return 0
	}
	remaining := limit - incremental
	for i := len(history) - 1; i >= 0; i-- {
		remaining -= history[i].TokenCost
		if policy.exhausted(remaining) {
			return i + 1
		}
	}
	return 0
}

func sumCosts(history []Exchange) int {
	total := 0
	for _, ex := range history {
		total += ex.TokenCost
	}
	return total
}
