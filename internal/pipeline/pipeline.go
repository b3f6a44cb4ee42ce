// Package pipeline composes the Scheduler, Distributor, Ledger,
// DeploymentElementStore, EventPoller and ConditionIngest into the full
// deploy/undeploy sequence.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
	"github.com/openrangelab/rangerd/infrastructure/transaction"
	"github.com/openrangelab/rangerd/internal/backend"
	"github.com/openrangelab/rangerd/internal/conditioningest"
	"github.com/openrangelab/rangerd/internal/distributor"
	"github.com/openrangelab/rangerd/internal/eventinfo"
	"github.com/openrangelab/rangerd/internal/eventpoller"
	"github.com/openrangelab/rangerd/internal/ledger"
	"github.com/openrangelab/rangerd/internal/scenario"
	"github.com/openrangelab/rangerd/internal/scheduler"
	"github.com/openrangelab/rangerd/internal/store"
)

// AccountResolver resolves a scenario role key to backend credentials.
type AccountResolver interface {
	Resolve(ctx context.Context, roleKey string) (backend.Account, error)
}

// ElementStore is the slice of internal/store.Store the deployment manager
// depends on; it is the union of what conditioningest.Store and
// eventpoller.Store each need, plus the element/event CRUD the pipeline
// itself drives directly.
type ElementStore interface {
	CreateElement(ctx context.Context, elem store.DeploymentElement, notifyWatchers bool) (store.DeploymentElement, error)
	UpdateElement(ctx context.Context, elem store.DeploymentElement, notifyWatchers bool) error
	ElementsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]store.DeploymentElement, error)
	CreateEvent(ctx context.Context, ev store.Event) (store.Event, error)
	EventInfoExists(ctx context.Context, checksum string) (bool, error)
	CreateEventInfoRecord(ctx context.Context, checksum, filename, storagePath string, size int64) error
	LinkEventChecksum(ctx context.Context, eventID uuid.UUID, checksum string) error
	InsertConditionMessage(ctx context.Context, msg store.ConditionMessage) (store.ConditionMessage, error)
	InsertScore(ctx context.Context, score store.Score) (store.Score, error)
	ConditionStatuses(ctx context.Context, eventID uuid.UUID) ([]string, error)
	MarkTriggered(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error)
	ExpireEvent(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error)
}

// Manager executes full deployments and their inverse against a scenario
// and a named candidate pool of backends.
type Manager struct {
	dist       *distributor.Distributor
	store      ElementStore
	accounts   AccountResolver
	logger     *logging.Logger
	m          *metrics.Metrics
	storageDir string

	mu      sync.Mutex
	ledgers map[uuid.UUID]*ledger.Ledger
	cancels map[uuid.UUID]context.CancelFunc
}

// New builds a Manager.
func New(dist *distributor.Distributor, st ElementStore, accounts AccountResolver, logger *logging.Logger, m *metrics.Metrics, storageDir string) *Manager {
	return &Manager{
		dist:       dist,
		store:      st,
		accounts:   accounts,
		logger:     logger,
		m:          m,
		storageDir: storageDir,
		ledgers:    make(map[uuid.UUID]*ledger.Ledger),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

func splitSource(src string) (name, version string) {
	if i := strings.IndexByte(src, '/'); i >= 0 {
		return src[:i], src[i+1:]
	}
	return src, ""
}

// Deploy runs the phased rollout against sc. Templates and nodes
// abort the whole deploy and compensate on any failure; features
// records per-element failures without aborting. Steps 4-6 (events,
// conditions, event-info) are dispatched before Deploy returns; each
// condition's stream ingest and the step-7 event polling keep running in
// the background after it returns.
func (mgr *Manager) Deploy(ctx context.Context, deploymentID, exerciseID uuid.UUID, sc *scenario.Scenario, candidates []string) error {
	tranches, err := scheduler.NodeTranches(sc)
	if err != nil {
		return err
	}

	led := ledger.New()
	mgr.mu.Lock()
	mgr.ledgers[deploymentID] = led
	mgr.mu.Unlock()

	var templateElems, nodeElems []store.DeploymentElement

	txn := transaction.NewTransaction(mgr.logger)
	txn.AddStep("templates",
		func(stepCtx context.Context) error {
			var stepErr error
			templateElems, stepErr = mgr.deployTemplates(stepCtx, deploymentID, sc, led, candidates)
			if stepErr != nil {
				mgr.compensate(context.Background(), templateElems, candidates)
				return stepErr
			}
			return nil
		},
		func(context.Context) error {
			mgr.compensate(context.Background(), templateElems, candidates)
			return nil
		},
	)
	txn.AddStep("nodes",
		func(stepCtx context.Context) error {
			var stepErr error
			nodeElems, stepErr = mgr.deployNodes(stepCtx, deploymentID, exerciseID, sc, tranches, led, candidates)
			if stepErr != nil {
				mgr.compensate(context.Background(), nodeElems, candidates)
				return stepErr
			}
			return nil
		},
		func(context.Context) error {
			mgr.compensate(context.Background(), nodeElems, candidates)
			return nil
		},
	)
	if err := txn.Execute(ctx); err != nil {
		return err
	}

	// Step 3: Features per node (best-effort, per-element failure only).
	for _, elem := range nodeElems {
		if elem.Status != store.StatusSuccess {
			continue
		}
		mgr.deployFeatures(ctx, deploymentID, sc, elem, led, candidates)
	}

	// Step 4: Events.
	events, conditionEvent, err := mgr.materializeEvents(ctx, deploymentID, sc)
	if err != nil && mgr.logger != nil {
		mgr.logger.WithError(err).Warn("event materialization encountered an error")
	}

	// Step 5: Conditions, with ConditionIngest attached per success.
	mgr.deployConditions(ctx, deploymentID, exerciseID, sc, nodeElems, conditionEvent, candidates)

	// Step 6: Event-info pages.
	mgr.downloadEventInfo(ctx, sc, events, candidates)

	// Step 7: Event polling, launched in the background.
	mgr.startEventPolling(deploymentID, sc, events, candidates)

	return nil
}

func (mgr *Manager) deployTemplates(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario, led *ledger.Ledger, candidates []string) ([]store.DeploymentElement, error) {
	var elems []store.DeploymentElement
	seen := make(map[string]bool)

	for _, nodeKey := range sc.NodeOrder() {
		node := sc.Nodes[nodeKey]
		if node.Source == "" {
			continue
		}
		name, version := splitSource(node.Source)
		key := name + "-" + version
		if seen[key] {
			continue
		}
		seen[key] = true

		elem, err := mgr.store.CreateElement(ctx, store.DeploymentElement{
			DeploymentID:      deploymentID,
			ScenarioReference: key,
			DeployerType:      store.DeployerTemplate,
			Status:            store.StatusOngoing,
		}, true)
		if err != nil {
			return elems, err
		}

		req := backend.DeployerRequest{Type: backend.DeployerTemplate, Template: &backend.TemplateCreateRequest{Name: name, Version: version}}
		_, resp, err := mgr.dist.Deploy(ctx, req, candidates)
		if err != nil {
			elem.Status = store.StatusFailed
			mgr.store.UpdateElement(ctx, elem, true)
			elems = append(elems, elem)
			return elems, err
		}

		elem.Status = store.StatusSuccess
		elem.HandlerReference = &resp.HandlerReference
		if err := mgr.store.UpdateElement(ctx, elem, true); err != nil {
			return elems, err
		}
		elems = append(elems, elem)

		if err := led.Put(key, resp.HandlerReference); err != nil {
			return elems, err
		}
	}
	return elems, nil
}

func (mgr *Manager) deployNodes(ctx context.Context, deploymentID, exerciseID uuid.UUID, sc *scenario.Scenario, tranches [][]scheduler.NodeInstance, led *ledger.Ledger, candidates []string) ([]store.DeploymentElement, error) {
	var all []store.DeploymentElement

	for _, tranche := range tranches {
		results := make([]store.DeploymentElement, len(tranche))

		g, gctx := errgroup.WithContext(ctx)
		for i, inst := range tranche {
			i, inst := i, inst
			g.Go(func() error {
				elem, err := mgr.deployOneNode(gctx, deploymentID, exerciseID, sc, inst, led, candidates)
				results[i] = elem
				return err
			})
		}
		waitErr := g.Wait()

		for _, elem := range results {
			if elem.ID != uuid.Nil {
				all = append(all, elem)
			}
		}
		if waitErr != nil {
			return all, waitErr
		}
	}
	return all, nil
}

func (mgr *Manager) deployOneNode(ctx context.Context, deploymentID, exerciseID uuid.UUID, sc *scenario.Scenario, inst scheduler.NodeInstance, led *ledger.Ledger, candidates []string) (store.DeploymentElement, error) {
	node := sc.Nodes[inst.NodeKey]
	infra := sc.Infrastructure[inst.NodeKey]

	links, err := led.GetAll(infra.Links)
	if err != nil {
		return store.DeploymentElement{}, err
	}

	var templateID string
	if node.Source != "" {
		name, version := splitSource(node.Source)
		templateID, err = led.Get(name + "-" + version)
		if err != nil {
			return store.DeploymentElement{}, err
		}
	}

	deployerType := store.DeployerVirtualMachine
	if node.Kind == scenario.NodeKindSwitch {
		deployerType = store.DeployerSwitch
	}

	elem, err := mgr.store.CreateElement(ctx, store.DeploymentElement{
		DeploymentID:      deploymentID,
		ScenarioReference: inst.Instance,
		DeployerType:      deployerType,
		Status:            store.StatusOngoing,
	}, true)
	if err != nil {
		return store.DeploymentElement{}, err
	}

	var req backend.DeployerRequest
	if node.Kind == scenario.NodeKindSwitch {
		req = backend.DeployerRequest{Type: backend.DeployerSwitch, Switch: &backend.SwitchCreateRequest{Name: inst.Instance, Links: links}}
	} else {
		cpu, ram := 0, 0
		if node.Resources != nil {
			cpu, ram = node.Resources.CPU, node.Resources.RAM
		}
		req = backend.DeployerRequest{Type: backend.DeployerVirtualMachine, VirtualMachine: &backend.VirtualMachineCreateRequest{
			Name: inst.Instance, Links: links, TemplateID: templateID, CPU: cpu, RAM: ram,
			Exercise: exerciseID.String(), Deployment: deploymentID.String(),
		}}
	}

	_, resp, err := mgr.dist.Deploy(ctx, req, candidates)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return elem, err
	}

	elem.Status = store.StatusSuccess
	elem.HandlerReference = &resp.HandlerReference
	if err := mgr.store.UpdateElement(ctx, elem, true); err != nil {
		return elem, err
	}
	if err := led.Put(inst.Instance, resp.HandlerReference); err != nil {
		return elem, err
	}
	return elem, nil
}

func (mgr *Manager) deployFeatures(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario, nodeElem store.DeploymentElement, led *ledger.Ledger, candidates []string) {
	nodeKey := strings.TrimSuffix(nodeElem.ScenarioReference, trailingInstanceSuffix(nodeElem.ScenarioReference))
	tranches, err := scheduler.FeatureTranches(sc, nodeKey)
	if err != nil {
		if mgr.logger != nil {
			mgr.logger.WithError(err).Warn("feature scheduling failed")
		}
		return
	}

	for _, tranche := range tranches {
		var wg sync.WaitGroup
		for _, featureKey := range tranche {
			featureKey := featureKey
			wg.Add(1)
			go func() {
				defer wg.Done()
				mgr.deployOneFeature(ctx, deploymentID, sc, nodeElem, featureKey, candidates)
			}()
		}
		wg.Wait()
	}
}

// trailingInstanceSuffix returns "-{n}" so callers can recover a node's
// scenario key from its expanded instance name ("a-0" -> "a").
func trailingInstanceSuffix(instance string) string {
	i := strings.LastIndexByte(instance, '-')
	if i < 0 {
		return ""
	}
	return instance[i:]
}

func (mgr *Manager) deployOneFeature(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario, nodeElem store.DeploymentElement, featureKey string, candidates []string) {
	feature, ok := sc.Features[featureKey]
	if !ok {
		return
	}

	elem, err := mgr.store.CreateElement(ctx, store.DeploymentElement{
		DeploymentID:      deploymentID,
		ScenarioReference: featureKey,
		DeployerType:      store.DeployerFeature,
		Status:            store.StatusOngoing,
		ParentNodeID:      &nodeElem.ID,
	}, true)
	if err != nil {
		return
	}

	account, err := mgr.accounts.Resolve(ctx, feature.RoleKey)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return
	}

	vmID := ""
	if nodeElem.HandlerReference != nil {
		vmID = *nodeElem.HandlerReference
	}
	req := backend.DeployerRequest{Type: backend.DeployerFeature, Feature: &backend.FeatureCreateRequest{
		Name: feature.Name, VMID: vmID, FeatureType: string(feature.Type), Account: account,
		SourceName: feature.Source.Name, SourceVersion: feature.Source.Version, Environment: feature.Environment,
	}}

	_, resp, err := mgr.dist.Deploy(ctx, req, candidates)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		if mgr.logger != nil {
			mgr.logger.LogElementTransition(ctx, elem.ID.String(), string(store.StatusOngoing), string(store.StatusFailed), err)
		}
		return
	}

	elem.Status = store.StatusSuccess
	elem.HandlerReference = &resp.Feature.ID
	mgr.store.UpdateElement(ctx, elem, true)
}

// materializeEvents inserts an Event row for each scenario event referenced
// by at least one script; an event absent from every script's EventRefs is
// never deployed (it is an unused scenario entry, not a deployment target).
func (mgr *Manager) materializeEvents(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario) ([]eventRecord, map[string]uuid.UUID, error) {
	var events []eventRecord
	conditionEvent := make(map[string]uuid.UUID)
	scripted := sc.ScriptedEventKeys()

	for key, ev := range sc.Events {
		if _, ok := scripted[key]; !ok {
			continue
		}
		record := store.Event{
			DeploymentID: deploymentID,
			Name:         ev.Name,
			Start:        sc.Start.Add(ev.Time),
			End:          sc.End,
		}
		created, err := mgr.store.CreateEvent(ctx, record)
		if err != nil {
			return events, conditionEvent, err
		}
		for _, cond := range ev.ConditionRefs {
			conditionEvent[cond] = created.ID
		}
		events = append(events, eventRecord{key: key, scenario: ev, event: created})
	}
	return events, conditionEvent, nil
}

type eventRecord struct {
	key      string
	scenario scenario.Event
	event    store.Event
}

func (mgr *Manager) deployConditions(ctx context.Context, deploymentID, exerciseID uuid.UUID, sc *scenario.Scenario, nodeElems []store.DeploymentElement, conditionEvent map[string]uuid.UUID, candidates []string) {
	metricsByCondition := sc.MetricsByCondition()

	for _, nodeElem := range nodeElems {
		if nodeElem.Status != store.StatusSuccess || nodeElem.DeployerType != store.DeployerVirtualMachine {
			continue
		}
		nodeKey := strings.TrimSuffix(nodeElem.ScenarioReference, trailingInstanceSuffix(nodeElem.ScenarioReference))
		node := sc.Nodes[nodeKey]

		for _, condKey := range node.ConditionRefs {
			mgr.deployOneCondition(ctx, deploymentID, exerciseID, sc, nodeElem, condKey, conditionEvent, metricsByCondition, candidates)
		}
	}
}

func (mgr *Manager) deployOneCondition(ctx context.Context, deploymentID, exerciseID uuid.UUID, sc *scenario.Scenario, nodeElem store.DeploymentElement, condKey string, conditionEvent map[string]uuid.UUID, metricsByCondition map[string][]scenario.Metric, candidates []string) {
	cond, ok := sc.Conditions[condKey]
	if !ok {
		return
	}

	var eventID *uuid.UUID
	if id, ok := conditionEvent[condKey]; ok {
		eventID = &id
	}

	elem, err := mgr.store.CreateElement(ctx, store.DeploymentElement{
		DeploymentID:      deploymentID,
		ScenarioReference: condKey,
		DeployerType:      store.DeployerCondition,
		Status:            store.StatusOngoing,
		ParentNodeID:      &nodeElem.ID,
		EventID:           eventID,
	}, true)
	if err != nil {
		return
	}

	account, err := mgr.accounts.Resolve(ctx, cond.RoleKey)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return
	}

	vmID := ""
	if nodeElem.HandlerReference != nil {
		vmID = *nodeElem.HandlerReference
	}
	var sourceName, sourceVersion string
	if cond.Source != nil {
		sourceName, sourceVersion = cond.Source.Name, cond.Source.Version
	}

	req := backend.DeployerRequest{Type: backend.DeployerCondition, Condition: &backend.ConditionCreateRequest{
		Name: cond.Name, VMID: vmID, SourceName: sourceName, SourceVersion: sourceVersion,
		Command: cond.Command, IntervalSecs: cond.Interval, Account: account,
	}}

	backendName, resp, err := mgr.dist.Deploy(ctx, req, candidates)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return
	}

	elem.Status = store.StatusConditionPolling
	elem.HandlerReference = &resp.Condition.ID
	if err := mgr.store.UpdateElement(ctx, elem, true); err != nil {
		return
	}

	client, ok := mgr.dist.Client(backendName)
	if !ok {
		return
	}

	var promoteOnce sync.Once
	target := conditioningest.Target{
		DeploymentID:     deploymentID,
		ExerciseID:       exerciseID,
		VirtualMachineID: vmID,
		ConditionName:    cond.Name,
		ConditionID:      condKey,
		OnFirstAccepted: func() {
			promoteOnce.Do(func() {
				elem.Status = store.StatusConditionSuccess
				mgr.store.UpdateElement(context.Background(), elem, true)
			})
		},
	}
	for _, metric := range metricsByCondition[condKey] {
		target.Metrics = append(target.Metrics, conditioningest.MetricRef{Name: metric.Name, MaxScore: metric.MaxScore})
	}

	ingestor := conditioningest.New(mgr.store, mgr.logger, mgr.m)
	go func() {
		runErr := ingestor.Run(context.Background(), client, resp.Condition.ID, target)
		if runErr != nil && mgr.logger != nil {
			mgr.logger.WithError(runErr).Warn("condition stream aborted")
		}
		elem.Status = store.StatusConditionClosed
		mgr.store.UpdateElement(context.Background(), elem, true)
	}()
}

func (mgr *Manager) downloadEventInfo(ctx context.Context, sc *scenario.Scenario, events []eventRecord, candidates []string) {
	for _, rec := range events {
		if rec.scenario.SourceRef == "" {
			continue
		}
		name, version := splitSource(rec.scenario.SourceRef)
		req := backend.DeployerRequest{Type: backend.DeployerEventInfo, EventInfo: &backend.EventInfoCreateRequest{SourceName: name, SourceVersion: version}}

		backendName, resp, err := mgr.dist.Deploy(ctx, req, candidates)
		if err != nil {
			if mgr.logger != nil {
				mgr.logger.WithError(err).Warn("event-info create failed")
			}
			continue
		}

		exists, err := mgr.store.EventInfoExists(ctx, resp.EventInfo.Checksum)
		if err != nil || exists {
			if exists {
				mgr.store.LinkEventChecksum(ctx, rec.event.ID, resp.EventInfo.Checksum)
			}
			continue
		}

		client, ok := mgr.dist.Client(backendName)
		if !ok {
			continue
		}
		data, err := eventinfo.Download(ctx, client, resp.EventInfo.ID, resp.EventInfo.Checksum)
		if err != nil {
			if mgr.logger != nil {
				mgr.logger.WithError(err).Warn("event-info checksum mismatch")
			}
			continue
		}

		storagePath := filepath.Join(mgr.storageDir, resp.EventInfo.Checksum)
		if mgr.storageDir != "" {
			if err := os.WriteFile(storagePath, data, 0o644); err != nil && mgr.logger != nil {
				mgr.logger.WithError(err).Warn("event-info write failed")
			}
		}
		mgr.store.CreateEventInfoRecord(ctx, resp.EventInfo.Checksum, resp.EventInfo.Filename, storagePath, resp.EventInfo.Size)
		mgr.store.LinkEventChecksum(ctx, rec.event.ID, resp.EventInfo.Checksum)
	}
}

func (mgr *Manager) startEventPolling(deploymentID uuid.UUID, sc *scenario.Scenario, events []eventRecord, candidates []string) {
	specs := make([]eventpoller.EventSpec, 0, len(events))
	byEventID := make(map[uuid.UUID]eventRecord, len(events))
	for _, rec := range events {
		specs = append(specs, eventpoller.EventSpec{
			EventID:      rec.event.ID,
			DeploymentID: deploymentID,
			Start:        rec.event.Start,
			End:          rec.event.End,
			Conditional:  len(rec.scenario.ConditionRefs) > 0,
		})
		byEventID[rec.event.ID] = rec
	}
	if len(specs) == 0 {
		return
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	mgr.mu.Lock()
	mgr.cancels[deploymentID] = cancel
	mgr.mu.Unlock()

	onTrigger := func(ctx context.Context, spec eventpoller.EventSpec) {
		mgr.dispatchInjects(ctx, deploymentID, sc, spec, candidates, byEventID)
	}

	go eventpoller.RunAll(pollCtx, specs, mgr.store, onTrigger, mgr.logger, mgr.m)
}

// dispatchInjects deploys the injects belonging to the event that just
// triggered, identified by spec.EventID — the stored Event.ID populated by
// materializeEvents — rather than by reconstructing it from scenario time
// offsets, which is ambiguous whenever two events share an effective start.
func (mgr *Manager) dispatchInjects(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario, spec eventpoller.EventSpec, candidates []string, events map[uuid.UUID]eventRecord) {
	mgr.mu.Lock()
	led := mgr.ledgers[deploymentID]
	mgr.mu.Unlock()
	if led == nil {
		return
	}

	rec, ok := events[spec.EventID]
	if !ok {
		return
	}

	for _, injectKey := range rec.scenario.InjectRefs {
		inject, ok := sc.Injects[injectKey]
		if !ok {
			continue
		}
		for _, entityKey := range inject.ToEntities {
			mgr.deployOneInject(ctx, deploymentID, sc, inject, injectKey, entityKey, led, candidates)
		}
	}
}

func (mgr *Manager) deployOneInject(ctx context.Context, deploymentID uuid.UUID, sc *scenario.Scenario, inject scenario.Inject, injectKey, entityKey string, led *ledger.Ledger, candidates []string) {
	vmID, err := led.Get(entityKey)
	if err != nil {
		return
	}

	elem, err := mgr.store.CreateElement(ctx, store.DeploymentElement{
		DeploymentID:      deploymentID,
		ScenarioReference: injectKey,
		DeployerType:      store.DeployerInject,
		Status:            store.StatusOngoing,
	}, true)
	if err != nil {
		return
	}

	account, err := mgr.accounts.Resolve(ctx, inject.RoleKey)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return
	}

	req := backend.DeployerRequest{Type: backend.DeployerInject, Inject: &backend.InjectCreateRequest{
		Name: inject.Name, VMID: vmID, SourceName: inject.Source.Name, SourceVersion: inject.Source.Version,
		Account: account, ToEntities: inject.ToEntities,
	}}

	_, resp, err := mgr.dist.Deploy(ctx, req, candidates)
	if err != nil {
		elem.Status = store.StatusFailed
		mgr.store.UpdateElement(ctx, elem, true)
		return
	}

	elem.Status = store.StatusSuccess
	elem.HandlerReference = &resp.Inject.ID
	mgr.store.UpdateElement(ctx, elem, true)
}

// compensate undeploys every recorded Success element in reverse order,
// logging but never aborting on individual failures.
func (mgr *Manager) compensate(ctx context.Context, recorded []store.DeploymentElement, candidates []string) {
	for i := len(recorded) - 1; i >= 0; i-- {
		elem := recorded[i]
		if elem.Status != store.StatusSuccess || elem.HandlerReference == nil {
			continue
		}
		mgr.undeployElement(ctx, elem, candidates)
	}
}

func (mgr *Manager) undeployElement(ctx context.Context, elem store.DeploymentElement, candidates []string) {
	_, err := mgr.dist.Undeploy(ctx, backend.DeployerType(elem.DeployerType), *elem.HandlerReference, candidates)
	if err != nil {
		elem.Status = store.StatusRemoveFailed
	} else {
		elem.Status = store.StatusRemoved
	}
	mgr.store.UpdateElement(ctx, elem, true)
	if mgr.logger != nil {
		mgr.logger.LogElementTransition(ctx, elem.ID.String(), "Success", string(elem.Status), err)
	}
}

// Undeploy reads every DeploymentElement for deploymentID and undeploys
// them in reverse phase order (injects, conditions, features, nodes,
// templates), logging and continuing on every error. It also cancels
// any still-running EventPoller tasks.
func (mgr *Manager) Undeploy(ctx context.Context, deploymentID uuid.UUID, candidates []string) error {
	mgr.mu.Lock()
	if cancel, ok := mgr.cancels[deploymentID]; ok {
		cancel()
		delete(mgr.cancels, deploymentID)
	}
	delete(mgr.ledgers, deploymentID)
	mgr.mu.Unlock()

	elems, err := mgr.store.ElementsByDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}

	phaseOrder := map[store.DeployerType]int{
		store.DeployerInject:         0,
		store.DeployerCondition:      1,
		store.DeployerFeature:        2,
		store.DeployerVirtualMachine: 3,
		store.DeployerSwitch:         3,
		store.DeployerTemplate:       4,
	}

	byPhase := make(map[int][]store.DeploymentElement)
	maxPhase := 0
	for _, elem := range elems {
		phase := phaseOrder[elem.DeployerType]
		byPhase[phase] = append(byPhase[phase], elem)
		if phase > maxPhase {
			maxPhase = phase
		}
	}

	for phase := 0; phase <= maxPhase; phase++ {
		for _, elem := range byPhase[phase] {
			if elem.HandlerReference == nil {
				continue
			}
			switch elem.Status {
			case store.StatusRemoved, store.StatusRemoveFailed:
				continue
			}
			mgr.undeployElement(ctx, elem, candidates)
		}
	}
	return nil
}
