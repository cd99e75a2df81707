package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
	"github.com/otcheredev/dicom-transfer-connector/internal/metrics"
	"github.com/otcheredev/dicom-transfer-connector/internal/models"
)

// ErrServerUnavailable is returned while a server's circuit breaker is open.
var ErrServerUnavailable = errors.New("server unavailable")

// ProfileStore persists server profiles.
type ProfileStore interface {
	Create(ctx context.Context, profile *models.ServerProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServerProfile, error)
	GetByName(ctx context.Context, name string) (*models.ServerProfile, error)
	List(ctx context.Context) ([]models.ServerProfile, error)
	Update(ctx context.Context, profile *models.ServerProfile) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error
}

// AuditStore records operation outcomes and lists them back.
type AuditStore interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	GetByServerID(ctx context.Context, serverID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
	GetByResourceUID(ctx context.Context, resourceUID string) ([]models.AuditLog, error)
}

// BreakerSettings configures the per-server circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero disables it.
	ConsecutiveFailures int
	Timeout             time.Duration
}

// TransferService runs connector operations against stored server profiles.
// Only transport failures count against a server's breaker; a server that
// answers with a failure status is reachable.
type TransferService struct {
	profiles ProfileStore
	audits   AuditStore
	metrics  *metrics.Collector
	config   connector.Config
	breaker  BreakerSettings
	options  []connector.Option

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewTransferService creates a new transfer service. Options are applied
// to every connector it creates.
func NewTransferService(
	profiles ProfileStore,
	audits AuditStore,
	collector *metrics.Collector,
	config connector.Config,
	breaker BreakerSettings,
	opts ...connector.Option,
) *TransferService {
	return &TransferService{
		profiles: profiles,
		audits:   audits,
		metrics:  collector,
		config:   config,
		breaker:  breaker,
		options:  opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// CreateProfile stores a new server profile.
func (s *TransferService) CreateProfile(ctx context.Context, req *models.ServerProfileRequest) (*models.ServerProfile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	profile := &models.ServerProfile{IsActive: true}
	req.Apply(profile)
	if err := s.profiles.Create(ctx, profile); err != nil {
		return nil, err
	}
	log.Info().Str("profile", profile.Name).Str("ae_title", profile.AETitle).Msg("Server profile created")
	return profile, nil
}

// UpdateProfile replaces the settings of a stored profile.
func (s *TransferService) UpdateProfile(ctx context.Context, id uuid.UUID, req *models.ServerProfileRequest) (*models.ServerProfile, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	profile, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := profile.Name
	req.Apply(profile)
	if err := s.profiles.Update(ctx, profile); err != nil {
		return nil, err
	}
	s.resetBreaker(previous)
	return profile, nil
}

// DeleteProfile removes a stored profile.
func (s *TransferService) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	profile, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.profiles.Delete(ctx, id); err != nil {
		return err
	}
	s.resetBreaker(profile.Name)
	return nil
}

// ListProfiles returns every stored profile.
func (s *TransferService) ListProfiles(ctx context.Context) ([]models.ServerProfile, error) {
	return s.profiles.List(ctx)
}

// GetProfile returns one stored profile.
func (s *TransferService) GetProfile(ctx context.Context, id uuid.UUID) (*models.ServerProfile, error) {
	return s.profiles.GetByID(ctx, id)
}

// Echo verifies a server with C-ECHO and records the outcome on its profile.
func (s *TransferService) Echo(ctx context.Context, name string) (*models.ConnectionStatus, error) {
	profile, err := s.profile(ctx, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = s.run(ctx, profile, "echo", "", func(c *connector.Connector) error {
		return c.Echo(ctx)
	})
	status := &models.ConnectionStatus{
		IsConnected:  err == nil,
		LastChecked:  time.Now(),
		ResponseTime: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.ErrorMessage = err.Error()
	}
	if uerr := s.profiles.UpdateConnectionStatus(ctx, profile.ID, status); uerr != nil {
		log.Warn().Err(uerr).Str("profile", profile.Name).Msg("Failed to record connection status")
	}
	return status, err
}

// Find runs a C-FIND at level against the named server.
func (s *TransferService) Find(ctx context.Context, name string, level connector.Level, q *connector.Query, limit int) ([]connector.Attributes, error) {
	profile, err := s.profile(ctx, name)
	if err != nil {
		return nil, err
	}

	var results []connector.Attributes
	action := "find_" + strings.ToLower(string(level))
	err = s.run(ctx, profile, action, resourceUID(q), func(c *connector.Connector) error {
		var ferr error
		switch level {
		case connector.LevelPatient:
			results, ferr = c.FindPatients(ctx, q, limit)
		case connector.LevelStudy:
			results, ferr = c.FindStudies(ctx, q, limit)
		case connector.LevelSeries:
			results, ferr = c.FindSeries(ctx, q, limit)
		case connector.LevelImage:
			results, ferr = c.FindImages(ctx, q, limit)
		default:
			ferr = fmt.Errorf("unknown query level %q", level)
		}
		return ferr
	})
	return results, err
}

// DownloadSeries retrieves one series into folder.
func (s *TransferService) DownloadSeries(ctx context.Context, name string, q *connector.Query, folder string) error {
	return s.runNamed(ctx, name, "download_series", q, func(c *connector.Connector) error {
		return c.DownloadSeries(ctx, q, folder, nil)
	})
}

// DownloadStudy retrieves a study into per-series folders.
func (s *TransferService) DownloadStudy(ctx context.Context, name string, q *connector.Query, folder string, modalities []string) error {
	return s.runNamed(ctx, name, "download_study", q, func(c *connector.Connector) error {
		return c.DownloadStudy(ctx, q, folder, modalities, nil)
	})
}

// MoveStudy asks the named server to send a study to destination.
func (s *TransferService) MoveStudy(ctx context.Context, name string, q *connector.Query, destination string, modalities []string) error {
	return s.runNamed(ctx, name, "move_study", q, func(c *connector.Connector) error {
		return c.MoveStudy(ctx, q, destination, modalities)
	})
}

// UploadFolder sends every instance below folder to the named server.
func (s *TransferService) UploadFolder(ctx context.Context, name, folder string) error {
	return s.runNamed(ctx, name, "upload", nil, func(c *connector.Connector) error {
		return c.UploadFolder(ctx, folder, nil)
	})
}

// ServerAudit returns the audit entries of a stored profile, newest first.
func (s *TransferService) ServerAudit(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.profiles.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if s.audits == nil {
		return nil, nil
	}
	return s.audits.GetByServerID(ctx, id, limit, offset)
}

// ResourceAudit returns the audit entries recorded for a study, series or
// patient identifier.
func (s *TransferService) ResourceAudit(ctx context.Context, resourceUID string) ([]models.AuditLog, error) {
	if s.audits == nil {
		return nil, nil
	}
	return s.audits.GetByResourceUID(ctx, resourceUID)
}

func (s *TransferService) runNamed(ctx context.Context, name, action string, q *connector.Query, fn func(*connector.Connector) error) error {
	profile, err := s.profile(ctx, name)
	if err != nil {
		return err
	}
	return s.run(ctx, profile, action, resourceUID(q), fn)
}

func (s *TransferService) profile(ctx context.Context, name string) (*models.ServerProfile, error) {
	profile, err := s.profiles.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server %q: %w", name, err)
	}
	return profile, nil
}

// run executes fn on a fresh connector for profile through its breaker,
// then records metrics and an audit entry.
func (s *TransferService) run(ctx context.Context, profile *models.ServerProfile, action, uid string, fn func(*connector.Connector) error) error {
	c := connector.New(profile.ToServer(), s.config, s.options...)
	cb := s.breakerFor(profile.Name)

	start := time.Now()
	var err error
	if cb == nil {
		err = fn(c)
	} else {
		_, err = cb.Execute(func() (struct{}, error) { return struct{}{}, fn(c) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s: %w", ErrServerUnavailable, profile.Name, err)
		}
		if s.metrics != nil {
			s.metrics.SetBreakerState(profile.Name, int(cb.State()))
		}
	}
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	if s.metrics != nil {
		s.metrics.ObserveOperation(profile.Name, action, outcome, elapsed)
	}
	s.audit(ctx, profile, action, uid, outcome, err, elapsed)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("profile", profile.Name).
		Str("action", action).
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Msg("Operation finished")
	return err
}

func (s *TransferService) audit(ctx context.Context, profile *models.ServerProfile, action, uid, outcome string, err error, elapsed time.Duration) {
	if s.audits == nil {
		return
	}
	entry := &models.AuditLog{
		ServerID:     profile.ID,
		ServerAE:     profile.AETitle,
		Action:       action,
		ResourceType: resourceType(action),
		ResourceUID:  uid,
		Status:       models.AuditSuccess,
		Duration:     elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Status = models.AuditFailure
		entry.ErrorKind = outcome
		entry.ErrorMessage = err.Error()
	}
	// The operation context may already be cancelled.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := s.audits.Create(actx, entry); aerr != nil {
		log.Warn().Err(aerr).Str("action", action).Msg("Failed to write audit log")
	}
}

func (s *TransferService) breakerFor(name string) *gobreaker.CircuitBreaker[struct{}] {
	if s.breaker.ConsecutiveFailures <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	threshold := uint32(s.breaker.ConsecutiveFailures)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var terr *connector.TransportError
			return !errors.As(err, &terr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("profile", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	s.breakers[name] = cb
	return cb
}

func (s *TransferService) resetBreaker(name string) {
	s.mu.Lock()
	delete(s.breakers, name)
	s.mu.Unlock()
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrServerUnavailable) {
		return "circuit_open"
	}
	return connector.Kind(err)
}

func resourceUID(q *connector.Query) string {
	if q == nil {
		return ""
	}
	for _, k := range []connector.Keyword{connector.SeriesInstanceUID, connector.StudyInstanceUID, connector.PatientID} {
		if v, ok := q.Get(k); ok && v.Known() {
			return v.String()
		}
	}
	return ""
}

func resourceType(action string) string {
	switch action {
	case "download_series":
		return "series"
	case "download_study", "move_study":
		return "study"
	case "upload":
		return "folder"
	case "echo":
		return "server"
	default:
		return "query"
	}
}
