package model

import (
	"fmt"
	"sort"
)

// Condition is one parameterized trial configuration. Index is 1-based and
// contiguous within a session.
type Condition struct {
	Index  int
	Probe  ProbeID // NoProbe when the condition carries no reward probe
	Params map[string]any
}

// ConditionSet is the fixed, ordered list of conditions of a session along with
// the reward probe assigned to each of them.
type ConditionSet struct {
	conditions []Condition
	probes     []ProbeID
}

// NewConditionSet numbers params from 1 and extracts each condition's reward
// probe from its "probe" key, if present.
func NewConditionSet(params []map[string]any) (*ConditionSet, error) {
	set := &ConditionSet{
		conditions: make([]Condition, 0, len(params)),
		probes:     make([]ProbeID, 0, len(params)),
	}
	for i, raw := range params {
		cp := make(map[string]any, len(raw))
		var probe ProbeID
		for k, v := range raw {
			if k == "probe" {
				p, err := toProbe(v)
				if err != nil {
					return nil, fmt.Errorf("condition %d: %w", i+1, err)
				}
				probe = p
				continue
			}
			cp[k] = v
		}
		set.conditions = append(set.conditions, Condition{Index: i + 1, Probe: probe, Params: cp})
		set.probes = append(set.probes, probe)
	}
	return set, nil
}

func toProbe(v any) (ProbeID, error) {
	switch n := v.(type) {
	case int:
		return ProbeID(n), nil
	case int64:
		return ProbeID(n), nil
	case uint64:
		return ProbeID(n), nil
	case float64:
		if n != float64(int(n)) {
			return NoProbe, fmt.Errorf("probe %v is not an integer", n)
		}
		return ProbeID(n), nil
	case ProbeID:
		return n, nil
	default:
		return NoProbe, fmt.Errorf("probe has unsupported type %T", v)
	}
}

// Len returns the number of conditions.
func (s *ConditionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.conditions)
}

// Indexes returns every condition index in order.
func (s *ConditionSet) Indexes() []int {
	out := make([]int, s.Len())
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// Condition returns the condition at idx.
func (s *ConditionSet) Condition(idx int) (Condition, bool) {
	if idx < 1 || idx > s.Len() {
		return Condition{}, false
	}
	return s.conditions[idx-1], true
}

// Probe returns the reward probe of condition idx, or NoProbe.
func (s *ConditionSet) Probe(idx int) ProbeID {
	if idx < 1 || idx > s.Len() {
		return NoProbe
	}
	return s.probes[idx-1]
}

// Probes returns a copy of the reward-probe column.
func (s *ConditionSet) Probes() []ProbeID {
	return append([]ProbeID(nil), s.probes...)
}

// DistinctProbes returns the sorted set of valid reward probes.
func (s *ConditionSet) DistinctProbes() []ProbeID {
	seen := make(map[ProbeID]struct{})
	var out []ProbeID
	for _, p := range s.probes {
		if !p.Valid() {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithProbe returns the indexes of every condition rewarded on p.
func (s *ConditionSet) WithProbe(p ProbeID) []int {
	var out []int
	for i, cp := range s.probes {
		if cp == p {
			out = append(out, i+1)
		}
	}
	return out
}
