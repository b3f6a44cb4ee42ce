// Package backend models a single deployer endpoint: the capability probe
// that discovers which remote interfaces it exposes and the typed
// request/response payloads of the backend interface table. The wire
// transport is gRPC; the capability probe and the seven deployer RPCs are
// modeled as methods on a generated-style client interface so the
// Distributor never downcasts by deployer kind.
package backend

import "context"

// DeployerType is one of the capability-typed remote interfaces a backend
// may advertise.
type DeployerType string

const (
	DeployerTemplate      DeployerType = "Template"
	DeployerVirtualMachine DeployerType = "VirtualMachine"
	DeployerSwitch         DeployerType = "Switch"
	DeployerFeature        DeployerType = "Feature"
	DeployerCondition      DeployerType = "Condition"
	DeployerInject         DeployerType = "Inject"
	DeployerEventInfo      DeployerType = "EventInfo"
	DeployerDeputyQuery    DeployerType = "DeputyQuery"
)

// AllDeployerTypes lists every capability a backend may advertise. The
// probe in Connect records whatever the backend reports and does not
// consult this list.
var AllDeployerTypes = []DeployerType{
	DeployerTemplate, DeployerVirtualMachine, DeployerSwitch, DeployerFeature,
	DeployerCondition, DeployerInject, DeployerEventInfo, DeployerDeputyQuery,
}

// Account carries the role-linked credentials a Feature/Condition/Inject
// deploy authenticates with.
type Account struct {
	User string
	Pass string
	Key  string
}

// --- Template ---

type TemplateCreateRequest struct {
	Name    string
	Version string
}

type TemplateCreateResponse struct {
	ID string
}

// --- VirtualMachine ---

type VirtualMachineCreateRequest struct {
	Name       string
	Links      []string
	TemplateID string
	CPU        int
	RAM        int
	Exercise   string
	Deployment string
}

type VirtualMachineCreateResponse struct {
	ID string
}

// --- Switch ---

type SwitchCreateRequest struct {
	Name  string
	Links []string
	Meta  map[string]string
}

type SwitchCreateResponse struct {
	ID string
}

// --- Feature ---

type FeatureCreateRequest struct {
	Name        string
	VMID        string
	FeatureType string // Service | Artifact | Configuration
	Account     Account
	SourceName  string
	SourceVersion string
	Environment map[string]string
}

type FeatureCreateResponse struct {
	ID     string
	Stdout string
	Stderr string
	VMLog  string
}

// --- Condition ---

type ConditionCreateRequest struct {
	Name          string
	VMID          string
	SourceName    string
	SourceVersion string
	Command       string
	IntervalSecs  int
	Account       Account
	Environment   map[string]string
}

type ConditionCreateResponse struct {
	ID string
}

// ConditionReading is one item of a Condition's value stream.
type ConditionReading struct {
	HandlerID string
	Value     float32
}

// --- Inject ---

type InjectCreateRequest struct {
	Name          string
	VMID          string
	SourceName    string
	SourceVersion string
	Account       Account
	ToEntities    []string
}

type InjectCreateResponse struct {
	ID     string
	Stdout string
	Stderr string
	VMLog  string
}

// --- EventInfo ---

type EventInfoCreateRequest struct {
	SourceName    string
	SourceVersion string
}

type EventInfoCreateResponse struct {
	ID       string
	Checksum string
	Filename string
	Size     int64
}

// EventInfoChunk is one item of an EventInfo download stream.
type EventInfoChunk struct {
	Data []byte
}

// --- DeputyQuery has no create/delete payloads defined beyond the
// capability marker itself; it is probed for but never dispatched by the
// pipeline described here.

// DeleteRequest is the uniform `{id}` delete payload every deployer kind
// beside Capability accepts.
type DeleteRequest struct {
	ID string
}

// Client is the full set of remote calls one backend connection may expose.
// Connections holds one Client per backend endpoint, shared by all of its
// advertised capabilities; callers invoke through the Distributor, never
// directly.
type Client interface {
	Capabilities(ctx context.Context) ([]DeployerType, error)

	CreateTemplate(ctx context.Context, req TemplateCreateRequest) (TemplateCreateResponse, error)
	DeleteTemplate(ctx context.Context, req DeleteRequest) error

	CreateVirtualMachine(ctx context.Context, req VirtualMachineCreateRequest) (VirtualMachineCreateResponse, error)
	DeleteVirtualMachine(ctx context.Context, req DeleteRequest) error

	CreateSwitch(ctx context.Context, req SwitchCreateRequest) (SwitchCreateResponse, error)
	DeleteSwitch(ctx context.Context, req DeleteRequest) error

	CreateFeature(ctx context.Context, req FeatureCreateRequest) (FeatureCreateResponse, error)
	DeleteFeature(ctx context.Context, req DeleteRequest) error

	CreateCondition(ctx context.Context, req ConditionCreateRequest) (ConditionCreateResponse, error)
	StreamCondition(ctx context.Context, handlerID string) (<-chan ConditionReading, error)
	DeleteCondition(ctx context.Context, req DeleteRequest) error

	CreateInject(ctx context.Context, req InjectCreateRequest) (InjectCreateResponse, error)
	DeleteInject(ctx context.Context, req DeleteRequest) error

	CreateEventInfo(ctx context.Context, req EventInfoCreateRequest) (EventInfoCreateResponse, error)
	StreamEventInfo(ctx context.Context, id string) (<-chan EventInfoChunk, error)
	DeleteEventInfo(ctx context.Context, req DeleteRequest) error
}
