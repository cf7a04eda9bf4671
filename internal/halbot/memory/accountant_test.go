package memory

import "testing"

func costs(cs ...int) []Exchange {
	out := make([]Exchange, len(cs))
	for i, c := range cs {
		out[i] = NewExchange(c,
			Message{Role: RoleUser, Content: "q"},
			Message{Role: RoleAssistant, Content: "a"},
		)
	}
	return out
}

func TestIncrementalCost(t *testing.T) {
	tests := []struct {
		name     string
		reported int
		history  []Exchange
		want     int
	}{
		{"empty history", 120, nil, 120},
		{"subtracts stored costs", 200, costs(40, 30), 130},
		{"negative when reported is smaller", 50, costs(40, 30), -20},
		{"zero", 70, costs(40, 30), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IncrementalCost(tt.reported, tt.history); got != tt.want {
				t.Errorf("IncrementalCost = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEvictionCut(t *testing.T) {
	tests := []struct {
		name        string
		history     []Exchange
		incremental int
		limit       int
		policy      ExactFitPolicy
		want        int
	}{
		{
			// remaining = 50; 30 → 20 kept; 40 → -20 cut.
			name:    "reference scenario",
			history: costs(40, 30), incremental: 50, limit: 100,
			want: 1,
		},
		{
			name:    "everything fits",
			history: costs(10, 20, 30), incremental: 10, limit: 100,
			want: 0,
		},
		{
			name:    "unlimited never evicts",
			history: costs(1000, 2000, 3000), incremental: 5000, limit: 0,
			want: 0,
		},
		{
			name:    "new exchange alone exceeds limit evicts all",
			history: costs(10, 20), incremental: 150, limit: 100,
			want: 2,
		},
		{
			name:    "empty history",
			history: nil, incremental: 150, limit: 100,
			want: 0,
		},
		{
			// remaining = 40; 30 → 10; 10 → 0 exactly: kept under keep.
			name:    "exact fit kept",
			history: costs(25, 10, 30), incremental: 60, limit: 100,
			policy: KeepOnExactFit,
			want:   1,
		},
		{
			name:    "exact fit evicted",
			history: costs(25, 10, 30), incremental: 60, limit: 100,
			policy: EvictOnExactFit,
			want:   2,
		},
		{
			// remaining = 0 before any history is charged.
			name:    "incremental equals limit",
			history: costs(5), incremental: 100, limit: 100,
			policy: KeepOnExactFit,
			want:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvictionCut(tt.history, tt.incremental, tt.limit, tt.policy)
			if got != tt.want {
				t.Fatalf("EvictionCut = %d, want %d", got, tt.want)
			}
			if tt.limit != 0 {
				kept := sumCosts(tt.history[got:]) + tt.incremental
				if kept > tt.limit && got != len(tt.history) {
					t.Errorf("kept total %d exceeds limit %d with history remaining", kept, tt.limit)
				}
			}
		})
	}
}

// Budget invariant over many random-ish sequences: after each append the
// stored total stays within the limit unless the newest exchange alone
// exceeds it.
func TestEvictionCut_BudgetInvariant(t *testing.T) {
	const limit = 100
	seq := []int{15, 40, 5, 90, 33, 1, 0, 100, 64, 12, 120, 7, 50, 50, 50}
	for _, policy := range []ExactFitPolicy{KeepOnExactFit, EvictOnExactFit} {
		var history []Exchange
		for _, c := range seq {
			cut := EvictionCut(history, c, limit, policy)
			history = append(history[cut:], costs(c)...)
			total := sumCosts(history)
			if total > limit && len(history) != 1 {
				t.Fatalf("policy %s: total %d over limit with %d entries", policy, total, len(history))
			}
		}
	}
}

func TestParseExactFitPolicy(t *testing.T) {
	for in, want := range map[string]ExactFitPolicy{"": KeepOnExactFit, "keep": KeepOnExactFit, "evict": EvictOnExactFit} {
		got, err := ParseExactFitPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseExactFitPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseExactFitPolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
