package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrangelab/rangerd/internal/backend"
	"github.com/openrangelab/rangerd/internal/distributor"
	"github.com/openrangelab/rangerd/internal/eventpoller"
	"github.com/openrangelab/rangerd/internal/ledger"
	"github.com/openrangelab/rangerd/internal/scenario"
	"github.com/openrangelab/rangerd/internal/store"
)

// fakeClient implements backend.Client, recording every create/delete call.
type fakeClient struct {
	mu        sync.Mutex
	name      string
	caps      []backend.DeployerType
	failVM    bool
	templates int
	vms       int
	deletes   int
}

func (f *fakeClient) Capabilities(ctx context.Context) ([]backend.DeployerType, error) {
	return f.caps, nil
}
func (f *fakeClient) CreateTemplate(ctx context.Context, req backend.TemplateCreateRequest) (backend.TemplateCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates++
	return backend.TemplateCreateResponse{ID: f.name + "-tpl-" + req.Name}, nil
}
func (f *fakeClient) DeleteTemplate(ctx context.Context, req backend.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}
func (f *fakeClient) CreateVirtualMachine(ctx context.Context, req backend.VirtualMachineCreateRequest) (backend.VirtualMachineCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failVM {
		return backend.VirtualMachineCreateResponse{}, assert.AnError
	}
	f.vms++
	return backend.VirtualMachineCreateResponse{ID: f.name + "-vm-" + req.Name}, nil
}
func (f *fakeClient) DeleteVirtualMachine(ctx context.Context, req backend.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}
func (f *fakeClient) CreateSwitch(ctx context.Context, req backend.SwitchCreateRequest) (backend.SwitchCreateResponse, error) {
	return backend.SwitchCreateResponse{ID: f.name + "-sw-" + req.Name}, nil
}
func (f *fakeClient) DeleteSwitch(ctx context.Context, req backend.DeleteRequest) error { return nil }
func (f *fakeClient) CreateFeature(ctx context.Context, req backend.FeatureCreateRequest) (backend.FeatureCreateResponse, error) {
	return backend.FeatureCreateResponse{ID: f.name + "-feat-" + req.Name}, nil
}
func (f *fakeClient) DeleteFeature(ctx context.Context, req backend.DeleteRequest) error { return nil }
func (f *fakeClient) CreateCondition(ctx context.Context, req backend.ConditionCreateRequest) (backend.ConditionCreateResponse, error) {
	return backend.ConditionCreateResponse{ID: f.name + "-cond-" + req.Name}, nil
}
func (f *fakeClient) StreamCondition(ctx context.Context, handlerID string) (<-chan backend.ConditionReading, error) {
	ch := make(chan backend.ConditionReading, 1)
	ch <- backend.ConditionReading{HandlerID: handlerID, Value: 1}
	close(ch)
	return ch, nil
}
func (f *fakeClient) DeleteCondition(ctx context.Context, req backend.DeleteRequest) error { return nil }
func (f *fakeClient) CreateInject(ctx context.Context, req backend.InjectCreateRequest) (backend.InjectCreateResponse, error) {
	return backend.InjectCreateResponse{ID: f.name + "-inj-" + req.Name}, nil
}
func (f *fakeClient) DeleteInject(ctx context.Context, req backend.DeleteRequest) error { return nil }
func (f *fakeClient) CreateEventInfo(ctx context.Context, req backend.EventInfoCreateRequest) (backend.EventInfoCreateResponse, error) {
	return backend.EventInfoCreateResponse{}, nil
}
func (f *fakeClient) StreamEventInfo(ctx context.Context, id string) (<-chan backend.EventInfoChunk, error) {
	ch := make(chan backend.EventInfoChunk)
	close(ch)
	return ch, nil
}
func (f *fakeClient) DeleteEventInfo(ctx context.Context, req backend.DeleteRequest) error { return nil }

var allCaps = []backend.DeployerType{
	backend.DeployerTemplate, backend.DeployerVirtualMachine, backend.DeployerSwitch,
	backend.DeployerFeature, backend.DeployerCondition, backend.DeployerInject, backend.DeployerEventInfo,
}

// fakeAccounts resolves every role key to a stub account.
type fakeAccounts struct{}

func (fakeAccounts) Resolve(ctx context.Context, roleKey string) (backend.Account, error) {
	return backend.Account{User: roleKey}, nil
}

// memStore is a minimal in-memory ElementStore for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	elements map[uuid.UUID]store.DeploymentElement
	events   map[uuid.UUID]store.Event
}

func newMemStore() *memStore {
	return &memStore{elements: map[uuid.UUID]store.DeploymentElement{}, events: map[uuid.UUID]store.Event{}}
}

func (m *memStore) CreateElement(ctx context.Context, elem store.DeploymentElement, notify bool) (store.DeploymentElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem.ID = uuid.New()
	m.elements[elem.ID] = elem
	return elem, nil
}
func (m *memStore) UpdateElement(ctx context.Context, elem store.DeploymentElement, notify bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[elem.ID] = elem
	return nil
}
func (m *memStore) ElementsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]store.DeploymentElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DeploymentElement
	for _, e := range m.elements {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (m *memStore) CreateEvent(ctx context.Context, ev store.Event) (store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.New()
	m.events[ev.ID] = ev
	return ev, nil
}
func (m *memStore) EventInfoExists(ctx context.Context, checksum string) (bool, error) { return false, nil }
func (m *memStore) CreateEventInfoRecord(ctx context.Context, checksum, filename, storagePath string, size int64) error {
	return nil
}
func (m *memStore) LinkEventChecksum(ctx context.Context, eventID uuid.UUID, checksum string) error {
	return nil
}
func (m *memStore) InsertConditionMessage(ctx context.Context, msg store.ConditionMessage) (store.ConditionMessage, error) {
	return msg, nil
}
func (m *memStore) InsertScore(ctx context.Context, score store.Score) (store.Score, error) {
	return score, nil
}
func (m *memStore) ConditionStatuses(ctx context.Context, eventID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.elements {
		if e.EventID != nil && *e.EventID == eventID && e.DeployerType == store.DeployerCondition {
			out = append(out, string(e.Status))
		}
	}
	return out, nil
}
func (m *memStore) MarkTriggered(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[eventID]
	if ev.HasTriggered {
		return false, nil
	}
	ev.HasTriggered = true
	ev.TriggeredAt = &at
	m.events[eventID] = ev
	return true, nil
}
func (m *memStore) ExpireEvent(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[eventID]
	if ev.HasTriggered || ev.ExpiredAt != nil {
		return false, nil
	}
	ev.ExpiredAt = &at
	m.events[eventID] = ev
	return true, nil
}

func chainScenario() *scenario.Scenario {
	sc := scenario.New(time.Now().Add(-time.Minute), time.Now().Add(time.Hour))
	sc.AddNode(
		scenario.Node{Key: "a", Kind: scenario.NodeKindVM, Source: "tpl/1.0"},
		scenario.Infrastructure{Count: 1},
	)
	sc.AddNode(
		scenario.Node{Key: "b", Kind: scenario.NodeKindVM, Source: "tpl/1.0"},
		scenario.Infrastructure{Count: 1, Links: []string{"a-0"}, Dependencies: map[string]struct{}{"a": {}}},
	)
	return sc
}

func TestDeployTwoNodeChainSucceeds(t *testing.T) {
	sc := chainScenario()
	dist := distributor.New(nil, nil)
	client := &fakeClient{name: "b1", caps: allCaps}
	dist.AddBackend(backend.NewForTesting("b1", "b1:9000", client, allCaps))

	st := newMemStore()
	mgr := New(dist, st, fakeAccounts{}, nil, nil, "")

	deploymentID := uuid.New()
	err := mgr.Deploy(context.Background(), deploymentID, uuid.New(), sc, nil)
	require.NoError(t, err)

	elems, err := st.ElementsByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)

	var templates, vms int
	for _, e := range elems {
		switch e.DeployerType {
		case store.DeployerTemplate:
			templates++
			assert.Equal(t, store.StatusSuccess, e.Status)
		case store.DeployerVirtualMachine:
			vms++
			assert.Equal(t, store.StatusSuccess, e.Status)
		}
	}
	assert.Equal(t, 1, templates, "the shared template source should be created exactly once")
	assert.Equal(t, 2, vms)
}

func TestDeployAbortsAndCompensatesOnNodeFailure(t *testing.T) {
	sc := chainScenario()
	dist := distributor.New(nil, nil)
	client := &fakeClient{name: "b1", caps: allCaps}
	dist.AddBackend(backend.NewForTesting("b1", "b1:9000", client, allCaps))

	st := newMemStore()
	mgr := New(dist, st, fakeAccounts{}, nil, nil, "")

	client.failVM = true
	deploymentID := uuid.New()
	err := mgr.Deploy(context.Background(), deploymentID, uuid.New(), sc, nil)
	require.Error(t, err)

	elems, err := st.ElementsByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)

	var sawTemplateRemoved bool
	for _, e := range elems {
		if e.DeployerType == store.DeployerTemplate {
			sawTemplateRemoved = e.Status == store.StatusRemoved
		}
	}
	assert.True(t, sawTemplateRemoved, "the already-deployed template should be compensated away")
}

func TestDeployNoCapableBackendRecordsNoNodeElements(t *testing.T) {
	sc := chainScenario()
	dist := distributor.New(nil, nil)
	// No backend registered at all.
	st := newMemStore()
	mgr := New(dist, st, fakeAccounts{}, nil, nil, "")

	deploymentID := uuid.New()
	err := mgr.Deploy(context.Background(), deploymentID, uuid.New(), sc, nil)
	require.Error(t, err)

	elems, err := st.ElementsByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)
	for _, e := range elems {
		assert.NotEqual(t, store.DeployerVirtualMachine, e.DeployerType, "node deploy must never be attempted once the template dispatch fails")
	}
}

func TestMaterializeEventsOnlyCreatesEventsReferencedByAScript(t *testing.T) {
	sc := scenario.New(time.Now(), time.Now().Add(time.Hour))
	sc.Events["scripted"] = scenario.Event{Key: "scripted", Name: "Scripted event"}
	sc.Events["unused"] = scenario.Event{Key: "unused", Name: "Declared but never run"}
	sc.Scripts["main"] = scenario.Script{Key: "main", EventRefs: []string{"scripted"}}

	st := newMemStore()
	mgr := New(nil, st, fakeAccounts{}, nil, nil, "")

	events, _, err := mgr.materializeEvents(context.Background(), uuid.New(), sc)
	require.NoError(t, err)
	require.Len(t, events, 1, "only the event referenced by a script should be materialized")
	assert.Equal(t, "scripted", events[0].key)
}

func TestDispatchInjectsMatchesByEventIDNotSharedStartTime(t *testing.T) {
	sc := scenario.New(time.Now(), time.Now().Add(time.Hour))
	sc.Injects["inj-a"] = scenario.Inject{Key: "inj-a", Name: "A", Source: scenario.FeatureSource{Name: "x", Version: "1"}, RoleKey: "role", ToEntities: []string{"node-a"}}
	sc.Injects["inj-b"] = scenario.Inject{Key: "inj-b", Name: "B", Source: scenario.FeatureSource{Name: "x", Version: "1"}, RoleKey: "role", ToEntities: []string{"node-a"}}

	dist := distributor.New(nil, nil)
	client := &fakeClient{name: "b1", caps: allCaps}
	dist.AddBackend(backend.NewForTesting("b1", "b1:9000", client, allCaps))

	st := newMemStore()
	mgr := New(dist, st, fakeAccounts{}, nil, nil, "")

	deploymentID := uuid.New()
	led := ledger.New()
	require.NoError(t, led.Put("node-a", "handler-ref"))
	mgr.mu.Lock()
	mgr.ledgers[deploymentID] = led
	mgr.mu.Unlock()

	// Both events share the same effective start time (e.g. both fire at
	// deployment start); only spec.EventID should disambiguate which
	// event's injects get dispatched.
	sharedStart := sc.Start
	eventA := store.Event{ID: uuid.New(), DeploymentID: deploymentID, Start: sharedStart, End: sc.End}
	eventB := store.Event{ID: uuid.New(), DeploymentID: deploymentID, Start: sharedStart, End: sc.End}
	events := map[uuid.UUID]eventRecord{
		eventA.ID: {key: "ea", scenario: scenario.Event{Key: "ea", InjectRefs: []string{"inj-a"}}, event: eventA},
		eventB.ID: {key: "eb", scenario: scenario.Event{Key: "eb", InjectRefs: []string{"inj-b"}}, event: eventB},
	}

	spec := eventpoller.EventSpec{EventID: eventB.ID, DeploymentID: deploymentID, Start: sharedStart, End: sc.End}
	mgr.dispatchInjects(context.Background(), deploymentID, sc, spec, nil, events)

	elems, err := st.ElementsByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)

	var injectRefs []string
	for _, e := range elems {
		if e.DeployerType == store.DeployerInject {
			injectRefs = append(injectRefs, e.ScenarioReference)
		}
	}
	assert.Equal(t, []string{"inj-b"}, injectRefs, "only the triggered event's (eventB's) inject should dispatch, never eventA's")
}

func TestUndeployRemovesElementsInReversePhaseOrder(t *testing.T) {
	sc := chainScenario()
	dist := distributor.New(nil, nil)
	client := &fakeClient{name: "b1", caps: allCaps}
	dist.AddBackend(backend.NewForTesting("b1", "b1:9000", client, allCaps))

	st := newMemStore()
	mgr := New(dist, st, fakeAccounts{}, nil, nil, "")

	deploymentID := uuid.New()
	require.NoError(t, mgr.Deploy(context.Background(), deploymentID, uuid.New(), sc, nil))

	require.NoError(t, mgr.Undeploy(context.Background(), deploymentID, nil))

	elems, err := st.ElementsByDeployment(context.Background(), deploymentID)
	require.NoError(t, err)
	for _, e := range elems {
		assert.Equal(t, store.StatusRemoved, e.Status)
	}
}
