package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-transfer-connector/internal/database"
	"github.com/otcheredev/dicom-transfer-connector/internal/models"
)

// ErrNotFound is returned when no active profile matches.
var ErrNotFound = errors.New("server profile not found")

// ServerRepository handles server profile database operations
type ServerRepository struct{}

// NewServerRepository creates a new server profile repository
func NewServerRepository() *ServerRepository {
	return &ServerRepository{}
}

// Create creates a new server profile
func (r *ServerRepository) Create(ctx context.Context, profile *models.ServerProfile) error {
	if err := database.DB.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("failed to create server profile: %w", err)
	}
	return nil
}

// GetByID retrieves a server profile by ID
func (r *ServerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServerProfile, error) {
	var profile models.ServerProfile
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		return nil, notFound(err, "failed to get server profile")
	}
	return &profile, nil
}

// GetByName retrieves an active server profile by name
func (r *ServerRepository) GetByName(ctx context.Context, name string) (*models.ServerProfile, error) {
	var profile models.ServerProfile
	if err := database.DB.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		First(&profile).Error; err != nil {
		return nil, notFound(err, "failed to get server profile")
	}
	return &profile, nil
}

// List retrieves all server profiles
func (r *ServerRepository) List(ctx context.Context) ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := database.DB.WithContext(ctx).
		Order("name ASC").
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list server profiles: %w", err)
	}
	return profiles, nil
}

// Update updates a server profile
func (r *ServerRepository) Update(ctx context.Context, profile *models.ServerProfile) error {
	if err := database.DB.WithContext(ctx).Save(profile).Error; err != nil {
		return fmt.Errorf("failed to update server profile: %w", err)
	}
	return nil
}

// Delete soft deletes a server profile
func (r *ServerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := database.DB.WithContext(ctx).Delete(&models.ServerProfile{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete server profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConnectionStatus records the outcome of the last echo.
func (r *ServerRepository) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	updates := map[string]interface{}{
		"last_connection_test":   status.LastChecked,
		"last_connection_status": status.IsConnected,
		"last_error":             status.ErrorMessage,
	}

	if err := database.DB.WithContext(ctx).
		Model(&models.ServerProfile{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
