// Package distributor implements a least-loaded capability-aware router:
// across a pool of backend connections, pick the one with the lowest
// in-flight usage that advertises the requested deployer type, dispatch
// through it, and keep usage accurate across every outcome.
package distributor

import (
	"context"
	"sync"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
	"github.com/openrangelab/rangerd/infrastructure/resilience"
	"github.com/openrangelab/rangerd/internal/backend"
)

// Distributor holds a pool of backend connections and the in-flight usage
// counter the least-loaded selection reads.
type Distributor struct {
	mu          sync.Mutex
	connections map[string]*backend.Connections
	usage       map[string]int
	// order is the deterministic tie-break order (insertion order of
	// AddBackend calls), so equal-usage ties resolve the same way on
	// every process run.
	order []string

	breakers map[string]*resilience.CircuitBreaker
	retry    resilience.RetryConfig

	logger *logging.Logger
	m      *metrics.Metrics
}

// New returns an empty Distributor.
func New(logger *logging.Logger, m *metrics.Metrics) *Distributor {
	return &Distributor{
		connections: make(map[string]*backend.Connections),
		usage:       make(map[string]int),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		retry:       resilience.DefaultRetryConfig(),
		logger:      logger,
		m:           m,
	}
}

// AddBackend registers a connection in the pool.
func (d *Distributor) AddBackend(conn *backend.Connections) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.connections[conn.Name]; !exists {
		d.order = append(d.order, conn.Name)
	}
	d.connections[conn.Name] = conn
	d.usage[conn.Name] = 0
	d.breakers[conn.Name] = resilience.New(resilience.DefaultConfig())
}

// Usage returns the current in-flight count for a backend. The
// DistributorBackendUsage gauge is set separately, on acquire and release.
func (d *Distributor) Usage(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage[name]
}

// Client exposes the raw connection for a backend already chosen by a prior
// Deploy call, so a caller can attach a long-lived stream (condition
// readings, event-info download) to the same backend without re-running
// selection.
func (d *Distributor) Client(name string) (backend.Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.connections[name]
	if !ok {
		return nil, false
	}
	return conn.Client(), true
}

// selectBackend picks, among candidates advertising deployerType, the one
// with the lowest usage; ties break by insertion order.
func (d *Distributor) selectBackend(deployerType backend.DeployerType, candidates []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	scope := d.order
	if len(candidates) > 0 {
		allowed := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			allowed[c] = struct{}{}
		}
		scope = nil
		for _, name := range d.order {
			if _, ok := allowed[name]; ok {
				scope = append(scope, name)
			}
		}
	}

	best := ""
	bestUsage := -1
	for _, name := range scope {
		conn, ok := d.connections[name]
		if !ok || !conn.Supports(deployerType) {
			continue
		}
		if bestUsage == -1 || d.usage[name] < bestUsage {
			best = name
			bestUsage = d.usage[name]
		}
	}

	if best == "" {
		return "", apperrors.NoCapableBackend(string(deployerType))
	}
	return best, nil
}

func (d *Distributor) acquire(name string) {
	d.mu.Lock()
	d.usage[name]++
	usage := d.usage[name]
	d.mu.Unlock()
	if d.m != nil {
		d.m.SetBackendUsage(name, usage)
	}
}

func (d *Distributor) release(name string) {
	d.mu.Lock()
	d.usage[name]--
	usage := d.usage[name]
	d.mu.Unlock()
	if d.m != nil {
		d.m.SetBackendUsage(name, usage)
	}
}

// Deploy selects the least-loaded backend among candidates advertising
// req.Type, dispatches the create call through it with circuit-breaker and
// retry protection, and returns the chosen backend's name alongside the
// tagged response.
func (d *Distributor) Deploy(ctx context.Context, req backend.DeployerRequest, candidates []string) (string, backend.DeployerResponse, error) {
	name, err := d.selectBackend(req.Type, candidates)
	if err != nil {
		return "", backend.DeployerResponse{}, err
	}

	d.acquire(name)
	defer d.release(name)

	d.mu.Lock()
	conn := d.connections[name]
	cb := d.breakers[name]
	d.mu.Unlock()

	var resp backend.DeployerResponse
	callErr := cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, d.retry, func() error {
			r, e := backend.Dispatch(ctx, conn.Client(), req)
			resp = r
			return e
		})
	})

	d.logCall(ctx, name, string(req.Type), callErr)
	if callErr != nil {
		return name, backend.DeployerResponse{}, apperrors.BackendFailure(name, string(req.Type), callErr)
	}
	return name, resp, nil
}

// Undeploy selects a capable backend among candidates and invokes the
// type-specific delete by handler reference, mirroring Deploy.
func (d *Distributor) Undeploy(ctx context.Context, deployerType backend.DeployerType, handlerReference string, candidates []string) (string, error) {
	name, err := d.selectBackend(deployerType, candidates)
	if err != nil {
		return "", err
	}

	d.acquire(name)
	defer d.release(name)

	d.mu.Lock()
	conn := d.connections[name]
	cb := d.breakers[name]
	d.mu.Unlock()

	callErr := cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, d.retry, func() error {
			return backend.DispatchDelete(ctx, conn.Client(), deployerType, handlerReference)
		})
	})

	d.logCall(ctx, name, "undeploy:"+string(deployerType), callErr)
	if callErr != nil {
		return name, apperrors.BackendFailure(name, string(deployerType), callErr)
	}
	return name, nil
}

func (d *Distributor) logCall(ctx context.Context, backendName, operation string, err error) {
	if d.logger == nil {
		return
	}
	d.logger.LogDeployerCall(ctx, backendName, operation, err)
}
