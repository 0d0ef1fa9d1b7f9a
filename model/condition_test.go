package model

import (
	"reflect"
	"testing"
)

func TestNewConditionSetExtractsProbes(t *testing.T) {
	set, err := NewConditionSet([]map[string]any{
		{"probe": 2, "odor_idx": 1},
		{"probe": float64(1)},
		{"odor_idx": 3},
		{"probe": uint64(2)},
	})
	if err != nil {
		t.Fatalf("NewConditionSet: %v", err)
	}
	if set.Len() != 4 {
		t.Fatalf("Len = %d, want 4", set.Len())
	}
	if got := set.Probes(); !reflect.DeepEqual(got, []ProbeID{2, 1, NoProbe, 2}) {
		t.Fatalf("Probes = %v", got)
	}
	if got := set.DistinctProbes(); !reflect.DeepEqual(got, []ProbeID{1, 2}) {
		t.Fatalf("DistinctProbes = %v", got)
	}
	if got := set.WithProbe(2); !reflect.DeepEqual(got, []int{1, 4}) {
		t.Fatalf("WithProbe(2) = %v", got)
	}

	cond, ok := set.Condition(1)
	if !ok || cond.Index != 1 || cond.Probe != 2 {
		t.Fatalf("Condition(1) = %+v, %v", cond, ok)
	}
	if _, ok := cond.Params["probe"]; ok {
		t.Fatalf("probe key should be stripped from params")
	}
	if _, ok := set.Condition(5); ok {
		t.Fatalf("Condition(5) should not exist")
	}
	if set.Probe(0) != NoProbe {
		t.Fatalf("Probe(0) should be NoProbe")
	}
}

func TestNewConditionSetRejectsBadProbe(t *testing.T) {
	if _, err := NewConditionSet([]map[string]any{{"probe": 1.5}}); err == nil {
		t.Fatalf("expected error for fractional probe")
	}
	if _, err := NewConditionSet([]map[string]any{{"probe": "left"}}); err == nil {
		t.Fatalf("expected error for string probe")
	}
}

func TestNilConditionSetIsEmpty(t *testing.T) {
	var set *ConditionSet
	if set.Len() != 0 || len(set.Indexes()) != 0 {
		t.Fatalf("nil set should be empty")
	}
}

func TestParseSessionState(t *testing.T) {
	st, err := ParseSessionState(" Running ")
	if err != nil || st != StateRunning {
		t.Fatalf("ParseSessionState = %q, %v", st, err)
	}
	if !st.Active() || StateStopped.Active() {
		t.Fatalf("Active mismatch")
	}
	if _, err := ParseSessionState("paused"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
