package backend

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

// grpcClient implements Client over a single grpc.ClientConn, calling each
// RPC by its fully-qualified method name the way hand-written clients do
// before a .proto contract is generated into stubs; the wire service names
// below are this repository's own contract, not a third-party schema.
type grpcClient struct {
	conn *grpc.ClientConn
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func (c *grpcClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, method, req, resp)
}

func (c *grpcClient) Capabilities(ctx context.Context) ([]DeployerType, error) {
	var resp struct{ Capabilities []string }
	if err := c.invoke(ctx, "/ranger.Capability/Get", &struct{}{}, &resp); err != nil {
		return nil, err
	}
	out := make([]DeployerType, 0, len(resp.Capabilities))
	for _, c := range resp.Capabilities {
		out = append(out, DeployerType(c))
	}
	return out, nil
}

func (c *grpcClient) CreateTemplate(ctx context.Context, req TemplateCreateRequest) (TemplateCreateResponse, error) {
	var resp TemplateCreateResponse
	err := c.invoke(ctx, "/ranger.Template/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) DeleteTemplate(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.Template/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateVirtualMachine(ctx context.Context, req VirtualMachineCreateRequest) (VirtualMachineCreateResponse, error) {
	var resp VirtualMachineCreateResponse
	err := c.invoke(ctx, "/ranger.VirtualMachine/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) DeleteVirtualMachine(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.VirtualMachine/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateSwitch(ctx context.Context, req SwitchCreateRequest) (SwitchCreateResponse, error) {
	var resp SwitchCreateResponse
	err := c.invoke(ctx, "/ranger.Switch/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) DeleteSwitch(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.Switch/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateFeature(ctx context.Context, req FeatureCreateRequest) (FeatureCreateResponse, error) {
	var resp FeatureCreateResponse
	err := c.invoke(ctx, "/ranger.Feature/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) DeleteFeature(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.Feature/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateCondition(ctx context.Context, req ConditionCreateRequest) (ConditionCreateResponse, error) {
	var resp ConditionCreateResponse
	err := c.invoke(ctx, "/ranger.Condition/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) StreamCondition(ctx context.Context, handlerID string) (<-chan ConditionReading, error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/ranger.Condition/Stream")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&DeleteRequest{ID: handlerID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan ConditionReading)
	go func() {
		defer close(out)
		for {
			var reading ConditionReading
			if err := stream.RecvMsg(&reading); err != nil {
				return
			}
			select {
			case out <- reading:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *grpcClient) DeleteCondition(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.Condition/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateInject(ctx context.Context, req InjectCreateRequest) (InjectCreateResponse, error) {
	var resp InjectCreateResponse
	err := c.invoke(ctx, "/ranger.Inject/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) DeleteInject(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.Inject/Delete", &req, &struct{}{})
}

func (c *grpcClient) CreateEventInfo(ctx context.Context, req EventInfoCreateRequest) (EventInfoCreateResponse, error) {
	var resp EventInfoCreateResponse
	err := c.invoke(ctx, "/ranger.EventInfo/Create", &req, &resp)
	return resp, err
}

func (c *grpcClient) StreamEventInfo(ctx context.Context, id string) (<-chan EventInfoChunk, error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/ranger.EventInfo/Download")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&DeleteRequest{ID: id}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan EventInfoChunk)
	go func() {
		defer close(out)
		for {
			var chunk EventInfoChunk
			if err := stream.RecvMsg(&chunk); err != nil {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *grpcClient) DeleteEventInfo(ctx context.Context, req DeleteRequest) error {
	return c.invoke(ctx, "/ranger.EventInfo/Delete", &req, &struct{}{})
}

// Connections holds one backend endpoint's advertised capabilities: a single
// remote-call Client shared by every deployer kind, plus the set of kinds
// the endpoint advertised. The Client itself does not check that set;
// Supports does. Construction probes the endpoint once.
type Connections struct {
	Name         string
	Addr         string
	client       Client
	capabilities map[DeployerType]struct{}
}

// Connect opens a capability channel to addr, probes its advertised
// capabilities, and retains one Client for the endpoint together with the
// advertised capability set.
func Connect(ctx context.Context, name, addr string) (*Connections, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, apperrors.BackendFailure(name, "dial", err)
	}

	client := &grpcClient{conn: conn}
	caps, err := client.Capabilities(ctx)
	if err != nil {
		return nil, apperrors.BackendFailure(name, "Capability.Get", err)
	}

	set := make(map[DeployerType]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}

	return &Connections{Name: name, Addr: addr, client: client, capabilities: set}, nil
}

// newConnections builds a Connections around an already-constructed Client,
// bypassing the network dial; used by tests to exercise capability
// filtering against a fake Client.
func newConnections(name, addr string, client Client, caps []DeployerType) *Connections {
	set := make(map[DeployerType]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return &Connections{Name: name, Addr: addr, client: client, capabilities: set}
}

// NewForTesting exposes newConnections to other packages' test files (the
// Distributor's own test suite wires fake backends this way rather than
// dialing a live gRPC server).
func NewForTesting(name, addr string, client Client, caps []DeployerType) *Connections {
	return newConnections(name, addr, client, caps)
}

// Supports reports whether this backend advertised the given capability.
func (c *Connections) Supports(t DeployerType) bool {
	_, ok := c.capabilities[t]
	return ok
}

// Client returns the endpoint's remote-call handle. It does not check
// capabilities; callers check Supports first. The Distributor is the only
// intended caller.
func (c *Connections) Client() Client {
	return c.client
}

func (c *Connections) String() string {
	return fmt.Sprintf("backend(%s@%s)", c.Name, c.Addr)
}
