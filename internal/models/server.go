package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
)

// ErrInvalid marks a rejected request body.
var ErrInvalid = errors.New("invalid request")

// ServerProfile is a stored remote application entity with the
// information models it supports.
type ServerProfile struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name    string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	AETitle string    `gorm:"type:varchar(16);not null" json:"ae_title"`
	Host    string    `gorm:"type:varchar(255);not null" json:"host"`
	Port    int       `gorm:"not null" json:"port"`

	PatientRootFind bool `json:"patient_root_find"`
	PatientRootGet  bool `json:"patient_root_get"`
	PatientRootMove bool `json:"patient_root_move"`
	StudyRootFind   bool `json:"study_root_find"`
	StudyRootGet    bool `json:"study_root_get"`
	StudyRootMove   bool `json:"study_root_move"`
	Store           bool `json:"store"`

	IsActive bool `json:"is_active"`

	// Connection status tracking
	LastConnectionTest   time.Time `gorm:"index" json:"last_connection_test,omitempty"`
	LastConnectionStatus bool      `json:"last_connection_status,omitempty"`
	LastError            string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (ServerProfile) TableName() string {
	return "server_profiles"
}

// BeforeCreate hook
func (p *ServerProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ToServer returns the connector view of the profile.
func (p *ServerProfile) ToServer() connector.Server {
	return connector.Server{
		AETitle:                p.AETitle,
		Host:                   p.Host,
		Port:                   p.Port,
		PatientRootFindSupport: p.PatientRootFind,
		PatientRootGetSupport:  p.PatientRootGet,
		PatientRootMoveSupport: p.PatientRootMove,
		StudyRootFindSupport:   p.StudyRootFind,
		StudyRootGetSupport:    p.StudyRootGet,
		StudyRootMoveSupport:   p.StudyRootMove,
		StoreSupport:           p.Store,
	}
}

// ConnectionStatus is the outcome of a C-ECHO against a profile.
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ServerProfileRequest is the body of a create or update request.
type ServerProfileRequest struct {
	Name            string `json:"name"`
	AETitle         string `json:"ae_title"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	PatientRootFind bool   `json:"patient_root_find"`
	PatientRootGet  bool   `json:"patient_root_get"`
	PatientRootMove bool   `json:"patient_root_move"`
	StudyRootFind   bool   `json:"study_root_find"`
	StudyRootGet    bool   `json:"study_root_get"`
	StudyRootMove   bool   `json:"study_root_move"`
	Store           bool   `json:"store"`
	IsActive        *bool  `json:"is_active,omitempty"`
}

// Validate checks the fields a profile cannot be stored without.
func (r *ServerProfileRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case r.AETitle == "" || len(r.AETitle) > 16 || strings.Contains(r.AETitle, `\`):
		return fmt.Errorf("%w: ae_title must be 1 to 16 characters without backslashes", ErrInvalid)
	case r.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalid)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalid)
	}
	return nil
}

// Apply copies the request onto p.
func (r *ServerProfileRequest) Apply(p *ServerProfile) {
	p.Name = strings.TrimSpace(r.Name)
	p.AETitle = r.AETitle
	p.Host = r.Host
	p.Port = r.Port
	p.PatientRootFind = r.PatientRootFind
	p.PatientRootGet = r.PatientRootGet
	p.PatientRootMove = r.PatientRootMove
	p.StudyRootFind = r.StudyRootFind
	p.StudyRootGet = r.StudyRootGet
	p.StudyRootMove = r.StudyRootMove
	p.Store = r.Store
	if r.IsActive != nil {
		p.IsActive = *r.IsActive
	}
}
