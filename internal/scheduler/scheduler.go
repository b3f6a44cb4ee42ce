// Package scheduler converts a scenario into ordered tranches: sets of
// units whose dependencies are already satisfied by earlier tranches and
// which the Pipeline may dispatch in parallel.
package scheduler

import (
	"fmt"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
	"github.com/openrangelab/rangerd/internal/scenario"
)

// NodeInstance is one concrete expansion of a node-key, e.g. "a-0" of node
// "a" with count 2.
type NodeInstance struct {
	NodeKey  string
	Instance string // "{node-key}-{n}"
	Index    int
}

// NodeTranches builds the node schedule: a directed graph over node-keys
// (edges are infrastructure[k].dependencies), topologically sorted into
// tranches by Kahn's algorithm, then expanded into concrete instances.
func NodeTranches(s *scenario.Scenario) ([][]NodeInstance, error) {
	order := s.NodeOrder()
	if len(order) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))

	for _, key := range order {
		inDegree[key] = 0
	}
	for _, key := range order {
		infra, ok := s.Infrastructure[key]
		if !ok {
			continue
		}
		for dep := range infra.Dependencies {
			if _, known := inDegree[dep]; !known {
				return nil, apperrors.MissingReference("node", dep)
			}
			inDegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	remaining := len(order)
	var tranches [][]NodeInstance

	for remaining > 0 {
		var ready []string
		for _, key := range order {
			if inDegree[key] == 0 {
				ready = append(ready, key)
			}
		}
		if len(ready) == 0 {
			return nil, apperrors.CyclicDependency("infrastructure")
		}

		tranche := make([]NodeInstance, 0)
		for _, key := range ready {
			infra := s.Infrastructure[key]
			count := infra.Count
			if count == 0 {
				count = 1
			}
			for n := uint(0); n < count; n++ {
				tranche = append(tranche, NodeInstance{
					NodeKey:  key,
					Instance: fmt.Sprintf("%s-%d", key, n),
					Index:    int(n),
				})
			}
			// Mark visited so it is never selected again.
			inDegree[key] = -1
			remaining--
		}
		for _, key := range ready {
			for _, dependent := range dependents[key] {
				inDegree[dependent]--
			}
		}

		tranches = append(tranches, tranche)
	}

	return tranches, nil
}

// FeatureTranches builds the per-node feature schedule: a directed graph
// over the node's referenced feature keys (edges are Feature.DependsOn),
// topologically sorted the same way as NodeTranches.
func FeatureTranches(s *scenario.Scenario, nodeKey string) ([][]string, error) {
	refs := s.FeaturesOf(nodeKey)
	if len(refs) == 0 {
		return nil, nil
	}

	order := s.FeatureOrder()
	scoped := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		scoped[r] = struct{}{}
	}

	var scopedOrder []string
	for _, key := range order {
		if _, ok := scoped[key]; ok {
			scopedOrder = append(scopedOrder, key)
		}
	}

	inDegree := make(map[string]int, len(scopedOrder))
	dependents := make(map[string][]string, len(scopedOrder))
	for _, key := range scopedOrder {
		inDegree[key] = 0
	}
	for _, key := range scopedOrder {
		feature, ok := s.Features[key]
		if !ok {
			return nil, apperrors.MissingReference("feature", key)
		}
		for dep := range feature.DependsOn {
			if _, known := inDegree[dep]; !known {
				// Dependency outside this node's feature set is not
				// this scheduler's concern to resolve; skip it.
				continue
			}
			inDegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	remaining := len(scopedOrder)
	var tranches [][]string

	for remaining > 0 {
		var ready []string
		for _, key := range scopedOrder {
			if inDegree[key] == 0 {
				ready = append(ready, key)
			}
		}
		if len(ready) == 0 {
			return nil, apperrors.CyclicDependency(fmt.Sprintf("features[%s]", nodeKey))
		}

		tranches = append(tranches, ready)
		for _, key := range ready {
			inDegree[key] = -1
			remaining--
		}
		for _, key := range ready {
			for _, dependent := range dependents[key] {
				inDegree[dependent]--
			}
		}
	}

	return tranches, nil
}
