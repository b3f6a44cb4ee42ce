package backend

import (
	"context"
	"fmt"
)

// DeployerRequest is the tagged variant over every create payload the
// backend interface defines. Exactly one of the typed fields matching Type
// is populated; this replaces a downcast-by-kind dispatch with a single
// switch inside Dispatch.
type DeployerRequest struct {
	Type DeployerType

	Template       *TemplateCreateRequest
	VirtualMachine *VirtualMachineCreateRequest
	Switch         *SwitchCreateRequest
	Feature        *FeatureCreateRequest
	Condition      *ConditionCreateRequest
	Inject         *InjectCreateRequest
	EventInfo      *EventInfoCreateRequest
}

// DeployerResponse is the matching tagged variant over every create
// response; HandlerReference is always populated (it is every response's
// `id` field under a uniform name) so callers that only need the handle
// never need to switch on Type themselves.
type DeployerResponse struct {
	Type DeployerType

	HandlerReference string

	Template       *TemplateCreateResponse
	VirtualMachine *VirtualMachineCreateResponse
	Switch         *SwitchCreateResponse
	Feature        *FeatureCreateResponse
	Condition      *ConditionCreateResponse
	Inject         *InjectCreateResponse
	EventInfo      *EventInfoCreateResponse
}

// Dispatch routes a tagged DeployerRequest to the matching typed Create
// call on client and wraps the result back into a tagged DeployerResponse.
func Dispatch(ctx context.Context, client Client, req DeployerRequest) (DeployerResponse, error) {
	switch req.Type {
	case DeployerTemplate:
		resp, err := client.CreateTemplate(ctx, *req.Template)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, Template: &resp}, err

	case DeployerVirtualMachine:
		resp, err := client.CreateVirtualMachine(ctx, *req.VirtualMachine)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, VirtualMachine: &resp}, err

	case DeployerSwitch:
		resp, err := client.CreateSwitch(ctx, *req.Switch)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, Switch: &resp}, err

	case DeployerFeature:
		resp, err := client.CreateFeature(ctx, *req.Feature)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, Feature: &resp}, err

	case DeployerCondition:
		resp, err := client.CreateCondition(ctx, *req.Condition)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, Condition: &resp}, err

	case DeployerInject:
		resp, err := client.CreateInject(ctx, *req.Inject)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, Inject: &resp}, err

	case DeployerEventInfo:
		resp, err := client.CreateEventInfo(ctx, *req.EventInfo)
		return DeployerResponse{Type: req.Type, HandlerReference: resp.ID, EventInfo: &resp}, err

	default:
		return DeployerResponse{}, fmt.Errorf("backend: unsupported deployer type %q", req.Type)
	}
}

// DispatchDelete routes an undeploy-by-handler-reference call to the
// matching typed Delete call on client.
func DispatchDelete(ctx context.Context, client Client, deployerType DeployerType, handlerReference string) error {
	req := DeleteRequest{ID: handlerReference}
	switch deployerType {
	case DeployerTemplate:
		return client.DeleteTemplate(ctx, req)
	case DeployerVirtualMachine:
		return client.DeleteVirtualMachine(ctx, req)
	case DeployerSwitch:
		return client.DeleteSwitch(ctx, req)
	case DeployerFeature:
		return client.DeleteFeature(ctx, req)
	case DeployerCondition:
		return client.DeleteCondition(ctx, req)
	case DeployerInject:
		return client.DeleteInject(ctx, req)
	case DeployerEventInfo:
		return client.DeleteEventInfo(ctx, req)
	default:
		return fmt.Errorf("backend: unsupported deployer type %q", deployerType)
	}
}
