package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/redopipe/redopipe/internal/config"
)

func TestNewStartRequestStampsCorrelationID(t *testing.T) {
	req := NewStartRequest("inst-1", config.Default())
	assert.Equal(t, "inst-1", req.InstanceID)
	assert.NotEqual(t, [16]byte{}, req.CorrelationID)
}

func TestNewUpdateRequestStampsDistinctCorrelationIDs(t *testing.T) {
	a := NewUpdateRequest("inst-1", config.Default())
	b := NewUpdateRequest("inst-1", config.Default())
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

type fakeSurface struct {
	started map[string]bool
}

func (f *fakeSurface) Start(req StartRequest) error {
	if f.started == nil {
		f.started = map[string]bool{}
	}
	if f.started[req.InstanceID] {
		return ErrInstanceExists
	}
	f.started[req.InstanceID] = true
	return nil
}
func (f *fakeSurface) Stop(id string) error {
	if !f.started[id] {
		return ErrInstanceNotFound
	}
	delete(f.started, id)
	return nil
}
func (f *fakeSurface) Update(req UpdateRequest) error {
	if !f.started[req.InstanceID] {
		return ErrInstanceNotFound
	}
	return nil
}
func (f *fakeSurface) Status(id string) (Status, error) {
	if !f.started[id] {
		return Status{}, ErrInstanceNotFound
	}
	return Status{InstanceID: id, Running: true}, nil
}

func TestSurfaceContractRejectsDuplicateStartAndMissingStop(t *testing.T) {
	var s Surface = &fakeSurface{}
	assert.NoError(t, s.Start(NewStartRequest("a", config.Default())))
	assert.ErrorIs(t, s.Start(NewStartRequest("a", config.Default())), ErrInstanceExists)
	assert.NoError(t, s.Stop("a"))
	assert.ErrorIs(t, s.Stop("a"), ErrInstanceNotFound)
}
