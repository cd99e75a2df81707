package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ServerProfileRequest {
	return ServerProfileRequest{
		Name:          " Main PACS ",
		AETitle:       "ORTHANC",
		Host:          "pacs.local",
		Port:          4242,
		StudyRootFind: true,
		StudyRootGet:  true,
	}
}

func TestServerProfileRequestValidate(t *testing.T) {
	req := validRequest()
	require.NoError(t, req.Validate())

	for name, mutate := range map[string]func(*ServerProfileRequest){
		"name":      func(r *ServerProfileRequest) { r.Name = "  " },
		"ae empty":  func(r *ServerProfileRequest) { r.AETitle = "" },
		"ae long":   func(r *ServerProfileRequest) { r.AETitle = "ABCDEFGHIJKLMNOPQ" },
		"ae slash":  func(r *ServerProfileRequest) { r.AETitle = `A\B` },
		"host":      func(r *ServerProfileRequest) { r.Host = "" },
		"port low":  func(r *ServerProfileRequest) { r.Port = 0 },
		"port high": func(r *ServerProfileRequest) { r.Port = 70000 },
	} {
		t.Run(name, func(t *testing.T) {
			r := validRequest()
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalid)
		})
	}
}

func TestServerProfileToServer(t *testing.T) {
	req := validRequest()
	inactive := false
	req.IsActive = &inactive
	p := ServerProfile{IsActive: true}
	req.Apply(&p)

	assert.Equal(t, "Main PACS", p.Name)
	assert.False(t, p.IsActive)

	s := p.ToServer()
	assert.Equal(t, "ORTHANC", s.AETitle)
	assert.Equal(t, 4242, s.Port)
	assert.True(t, s.StudyRootFindSupport)
	assert.True(t, s.SupportsGet())
	assert.False(t, s.SupportsMove())
	assert.False(t, s.StoreSupport)
}

func TestBeforeCreateAssignsID(t *testing.T) {
	var p ServerProfile
	require.NoError(t, p.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, p.ID)

	var a AuditLog
	require.NoError(t, a.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, a.ID)
}
