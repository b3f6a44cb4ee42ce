package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubClient implements Client with no network I/O, for testing capability
// filtering and Distributor wiring without a live backend.
type stubClient struct {
	caps []DeployerType
}

func (s *stubClient) Capabilities(ctx context.Context) ([]DeployerType, error) { return s.caps, nil }

func (s *stubClient) CreateTemplate(ctx context.Context, req TemplateCreateRequest) (TemplateCreateResponse, error) {
	return TemplateCreateResponse{ID: "tpl-1"}, nil
}
func (s *stubClient) DeleteTemplate(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateVirtualMachine(ctx context.Context, req VirtualMachineCreateRequest) (VirtualMachineCreateResponse, error) {
	return VirtualMachineCreateResponse{ID: "vm-1"}, nil
}
func (s *stubClient) DeleteVirtualMachine(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateSwitch(ctx context.Context, req SwitchCreateRequest) (SwitchCreateResponse, error) {
	return SwitchCreateResponse{ID: "sw-1"}, nil
}
func (s *stubClient) DeleteSwitch(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateFeature(ctx context.Context, req FeatureCreateRequest) (FeatureCreateResponse, error) {
	return FeatureCreateResponse{ID: "feat-1"}, nil
}
func (s *stubClient) DeleteFeature(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateCondition(ctx context.Context, req ConditionCreateRequest) (ConditionCreateResponse, error) {
	return ConditionCreateResponse{ID: "cond-1"}, nil
}
func (s *stubClient) StreamCondition(ctx context.Context, handlerID string) (<-chan ConditionReading, error) {
	ch := make(chan ConditionReading)
	close(ch)
	return ch, nil
}
func (s *stubClient) DeleteCondition(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateInject(ctx context.Context, req InjectCreateRequest) (InjectCreateResponse, error) {
	return InjectCreateResponse{ID: "inj-1"}, nil
}
func (s *stubClient) DeleteInject(ctx context.Context, req DeleteRequest) error { return nil }

func (s *stubClient) CreateEventInfo(ctx context.Context, req EventInfoCreateRequest) (EventInfoCreateResponse, error) {
	return EventInfoCreateResponse{ID: "info-1"}, nil
}
func (s *stubClient) StreamEventInfo(ctx context.Context, id string) (<-chan EventInfoChunk, error) {
	ch := make(chan EventInfoChunk)
	close(ch)
	return ch, nil
}
func (s *stubClient) DeleteEventInfo(ctx context.Context, req DeleteRequest) error { return nil }

func TestConnectionsSupports(t *testing.T) {
	conn := newConnections("esxi-01", "esxi-01:9000", &stubClient{caps: []DeployerType{DeployerTemplate, DeployerVirtualMachine}}, []DeployerType{DeployerTemplate, DeployerVirtualMachine})

	assert.True(t, conn.Supports(DeployerTemplate))
	assert.True(t, conn.Supports(DeployerVirtualMachine))
	assert.False(t, conn.Supports(DeployerFeature))
}

func TestConnectionsClientDispatch(t *testing.T) {
	conn := newConnections("esxi-01", "esxi-01:9000", &stubClient{}, []DeployerType{DeployerTemplate})

	resp, err := conn.Client().CreateTemplate(context.Background(), TemplateCreateRequest{Name: "win10", Version: "1.0"})
	assert.NoError(t, err)
	assert.Equal(t, "tpl-1", resp.ID)
}
