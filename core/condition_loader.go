package core

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/signalsfoundry/behavior-rig/model"
)

// ErrNoConditions is returned when a conditions document yields nothing.
var ErrNoConditions = errors.New("no conditions defined")

// conditionsDoc is the on-disk shape of a conditions file. JSON documents
// are accepted too since YAML is a superset.
type conditionsDoc struct {
	// Conditions are listed verbatim, in order.
	Conditions []map[string]any `yaml:"conditions"`
	// Factors are expanded into their full cartesian product and appended
	// after the verbatim conditions.
	Factors []map[string][]any `yaml:"factors"`
}

// LoadConditions reads a conditions document from r and builds the session's
// condition set.
func LoadConditions(r io.Reader) (*model.ConditionSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("LoadConditions: read failed: %w", err)
	}

	var doc conditionsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("LoadConditions: decode failed: %w", err)
	}
	return BuildConditions(doc.Conditions, doc.Factors)
}

// BuildConditions concatenates the explicit conditions with the expansion of
// every factor group and numbers the result from 1.
func BuildConditions(explicit []map[string]any, factors []map[string][]any) (*model.ConditionSet, error) {
	params := make([]map[string]any, 0, len(explicit))
	params = append(params, explicit...)
	for i, group := range factors {
		expanded, err := ExpandFactors(group)
		if err != nil {
			return nil, fmt.Errorf("factor group %d: %w", i+1, err)
		}
		params = append(params, expanded...)
	}
	if len(params) == 0 {
		return nil, ErrNoConditions
	}
	return model.NewConditionSet(params)
}

// ExpandFactors returns one condition per combination of the group's
// levels. Keys vary in lexical order with the last key varying fastest, so
// the enumeration is stable across runs.
func ExpandFactors(group map[string][]any) ([]map[string]any, error) {
	if len(group) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(group))
	for k, levels := range group {
		if len(levels) == 0 {
			return nil, fmt.Errorf("factor %q has no levels", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []map[string]any{{}}
	for _, k := range keys {
		next := make([]map[string]any, 0, len(out)*len(group[k]))
		for _, partial := range out {
			for _, level := range group[k] {
				cond := make(map[string]any, len(partial)+1)
				for pk, pv := range partial {
					cond[pk] = pv
				}
				cond[k] = level
				next = append(next, cond)
			}
		}
		out = next
	}
	return out, nil
}
