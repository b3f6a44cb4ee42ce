// Package scenario holds the read-only input aggregate the deployment
// pipeline is driven from. A Scenario is produced by an external parser
// (the scenario description language's grammar is out of scope here); this
// package only defines the shape the core reads and a handful of pure
// lookups the scheduler and pipeline need repeatedly.
package scenario

import "time"

// NodeKind distinguishes the two infrastructure element kinds a node can be.
type NodeKind string

const (
	NodeKindVM     NodeKind = "VM"
	NodeKindSwitch NodeKind = "Switch"
)

// Resources is the optional CPU/RAM sizing hint for a VM node.
type Resources struct {
	CPU int
	RAM int
}

// Role names the account a Feature/Condition/Inject deploy authenticates as.
type Role struct {
	Username string
}

// Node is one entry of scenario.nodes.
type Node struct {
	Key            string
	Kind           NodeKind
	Source         string // optional template source key, e.g. "win10"
	Resources      *Resources
	Roles          map[string]Role
	FeatureRefs    []string
	ConditionRefs  []string
	InjectRefs     []string
	VulnerabilityRefs []string
}

// Infrastructure is one entry of scenario.infrastructure.
type Infrastructure struct {
	Count        uint
	Links        []string // ordered node-keys, preserved for deploy payloads
	Dependencies map[string]struct{}
}

// FeatureSource identifies a feature's installable payload by name+version;
// the Ledger keys template/feature sources as "{name}-{version}".
type FeatureSource struct {
	Name    string
	Version string
}

// FeatureType is the install mechanism a Feature uses.
type FeatureType string

const (
	FeatureTypeService       FeatureType = "Service"
	FeatureTypeArtifact      FeatureType = "Artifact"
	FeatureTypeConfiguration FeatureType = "Configuration"
)

// Feature is one entry of scenario.features.
type Feature struct {
	Key         string
	Name        string
	Type        FeatureType
	Source      FeatureSource
	RoleKey     string // selects the node.Roles entry to authenticate with
	DependsOn   map[string]struct{}
	Environment map[string]string
}

// Condition is one entry of scenario.conditions.
type Condition struct {
	Key      string
	Name     string
	Command  string
	Interval int
	RoleKey  string
	Source   *FeatureSource
}

// Inject is one entry of scenario.injects.
type Inject struct {
	Key        string
	Name       string
	Source     FeatureSource
	RoleKey    string
	ToEntities []string // scenario keys of the nodes this inject targets
}

// Event is one entry of scenario.events.
type Event struct {
	Key            string
	Name           string
	Time           time.Duration // offset from scenario.Start
	ConditionRefs  []string
	InjectRefs     []string
	SourceRef      string // optional event-info source key
}

// Metric is one entry of scenario.metrics; it turns a condition's stream of
// [0,1] readings into a Score by multiplying by MaxScore.
type Metric struct {
	Key          string
	Name         string
	ConditionKey string
	MaxScore     float64
}

// Script is one entry of scenario.scripts: a named sequence of event keys.
// Scripts are the authority on which declared events actually run — an
// event absent from every script's EventRefs is never materialized.
type Script struct {
	Key       string
	Name      string
	EventRefs []string
}

// Scenario is the full declarative description the pipeline is driven from.
type Scenario struct {
	Nodes          map[string]Node
	Infrastructure map[string]Infrastructure
	Features       map[string]Feature
	Conditions     map[string]Condition
	Injects        map[string]Inject
	Events         map[string]Event
	Metrics        map[string]Metric
	Scripts        map[string]Script

	Start time.Time
	End   time.Time

	// nodeOrder/featureOrder preserve scenario insertion order so the
	// Scheduler's tie-break (insertion order within a tranche) is
	// deterministic without depending on Go's randomized map iteration.
	nodeOrder    []string
	featureOrder []string
}

// New constructs an empty Scenario spanning start to end. Nodes and
// features added afterwards through AddNode and AddFeature keep the order
// in which they were added.
func New(start, end time.Time) *Scenario {
	return &Scenario{
		Nodes:          map[string]Node{},
		Infrastructure: map[string]Infrastructure{},
		Features:       map[string]Feature{},
		Conditions:     map[string]Condition{},
		Injects:        map[string]Inject{},
		Events:         map[string]Event{},
		Metrics:        map[string]Metric{},
		Scripts:        map[string]Script{},
		Start:          start,
		End:            end,
	}
}

// ScriptedEventKeys returns the set of event keys referenced by at least
// one script — the only events a deployment actually materializes.
func (s *Scenario) ScriptedEventKeys() map[string]struct{} {
	keys := make(map[string]struct{})
	for _, script := range s.Scripts {
		for _, eventKey := range script.EventRefs {
			keys[eventKey] = struct{}{}
		}
	}
	return keys
}

// AddNode registers a node and its infrastructure entry, preserving
// insertion order for the Scheduler's tranche tie-break.
func (s *Scenario) AddNode(node Node, infra Infrastructure) {
	if _, exists := s.Nodes[node.Key]; !exists {
		s.nodeOrder = append(s.nodeOrder, node.Key)
	}
	s.Nodes[node.Key] = node
	s.Infrastructure[node.Key] = infra
}

// AddFeature registers a feature, preserving insertion order.
func (s *Scenario) AddFeature(f Feature) {
	if _, exists := s.Features[f.Key]; !exists {
		s.featureOrder = append(s.featureOrder, f.Key)
	}
	s.Features[f.Key] = f
}

// NodeOrder returns node keys in the order they were added.
func (s *Scenario) NodeOrder() []string {
	out := make([]string, len(s.nodeOrder))
	copy(out, s.nodeOrder)
	return out
}

// FeatureOrder returns feature keys in the order they were added.
func (s *Scenario) FeatureOrder() []string {
	out := make([]string, len(s.featureOrder))
	copy(out, s.featureOrder)
	return out
}

// FeaturesOf returns the feature keys referenced by a node, in scenario order.
func (s *Scenario) FeaturesOf(nodeKey string) []string {
	node, ok := s.Nodes[nodeKey]
	if !ok {
		return nil
	}
	return node.FeatureRefs
}

// MetricsByCondition indexes Metrics by the condition key they reference.
// Built once per deployment and passed down, avoiding a repeated
// condition→metric scan on every reading.
func (s *Scenario) MetricsByCondition() map[string][]Metric {
	idx := make(map[string][]Metric, len(s.Metrics))
	for _, m := range s.Metrics {
		idx[m.ConditionKey] = append(idx[m.ConditionKey], m)
	}
	return idx
}

// EventsByCondition indexes Events by each condition key they reference,
// so the owning event(s) of a condition can be found without rescanning
// the whole scenario.
func (s *Scenario) EventsByCondition() map[string][]string {
	idx := make(map[string][]string)
	for key, ev := range s.Events {
		for _, c := range ev.ConditionRefs {
			idx[c] = append(idx[c], key)
		}
	}
	return idx
}
