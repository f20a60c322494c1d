// Package control models the HTTP-driven control surface of spec.md
// section 6 as Go interfaces and request/response types only: no transport
// is implemented here (explicitly out of scope per spec.md section 1),
// just the contract the replicator must satisfy and that a future HTTP
// layer would translate JSON against.
package control

import (
	"time"

	"github.com/google/uuid"

	"github.com/redopipe/redopipe/internal/config"
)

// Surface is the four-verb per-instance contract spec.md section 6
// defines. An implementation (internal/replicator) owns the instance map
// this dispatches against.
type Surface interface {
	Start(req StartRequest) error
	Stop(id string) error
	Update(req UpdateRequest) error
	Status(id string) (Status, error)
}

// StartRequest carries a fresh instance id and its full configuration.
// CorrelationID stamps the structured log line a real HTTP layer would
// emit for this request; it is generated by the caller so a retried
// request can reuse the same id.
type StartRequest struct {
	InstanceID    string
	Config        *config.Cfg
	CorrelationID uuid.UUID
}

// NewStartRequest fills CorrelationID, matching the teacher's practice of
// generating request-scoped ids at the call boundary rather than deep
// inside the handler.
func NewStartRequest(instanceID string, cfg *config.Cfg) StartRequest {
	return StartRequest{InstanceID: instanceID, Config: cfg, CorrelationID: uuid.New()}
}

// UpdateRequest deep-merges ConfigDelta over a running instance's live
// config; the pipeline applies it at the well-defined safe points spec.md
// section 6 names (iteration boundaries), not mid-record.
type UpdateRequest struct {
	InstanceID    string
	ConfigDelta   *config.Cfg
	CorrelationID uuid.UUID
}

func NewUpdateRequest(instanceID string, delta *config.Cfg) UpdateRequest {
	return UpdateRequest{InstanceID: instanceID, ConfigDelta: delta, CorrelationID: uuid.New()}
}

// Status is the per-instance snapshot spec.md section 6's status verb
// returns.
type Status struct {
	InstanceID     string
	Running        bool
	Config         *config.Cfg
	HardShutdown   bool
	SoftShutdown   bool
	ConfigUpdated  bool
	LastCheckpoint time.Time
}

// Errors the Surface implementation returns for the "fails if id already
// exists / does not exist" rules spec.md section 6 specifies.
var (
	ErrInstanceExists   = surfaceError("control: instance id already exists")
	ErrInstanceNotFound = surfaceError("control: instance id not found")
)

type surfaceError string

func (e surfaceError) Error() string { return string(e) }
