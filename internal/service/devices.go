package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/ratelimit"
	"github.com/septivank/energy-telemetry-service/internal/repository"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

// DeviceView is a device as returned to callers
type DeviceView struct {
	DeviceKey string    `json:"device_key"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Location  string    `json:"location"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func deviceView(d *db.Device) *DeviceView {
	return &DeviceView{
		DeviceKey: d.DeviceKey,
		Name:      d.Name,
		Category:  d.Category,
		Location:  d.Location,
		IsActive:  d.IsActive,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// DeviceService manages a tenant's device registry
type DeviceService struct {
	store        repository.Store
	cache        *cache.TelemetryCache
	limiter      *ratelimit.Limiter
	validator    *validator.Validator
	clock        clock.Clock
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewDeviceService creates a new device service
func NewDeviceService(store repository.Store, tc *cache.TelemetryCache, limiter *ratelimit.Limiter, v *validator.Validator, clk clock.Clock, storeTimeout time.Duration, logger *zap.Logger) *DeviceService {
	if clk == nil {
		clk = clock.Real()
	}
	if limiter == nil {
		limiter = ratelimit.Disabled()
	}
	return &DeviceService{
		store:        store,
		cache:        tc,
		limiter:      limiter,
		validator:    v,
		clock:        clk,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// List returns the tenant's devices ordered by key
func (s *DeviceService) List(ctx context.Context, id identity.Identity, activeOnly bool) ([]DeviceView, error) {
	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassQuery); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	devices, err := s.store.ListDevices(ctx, id.TenantID, activeOnly)
	if err != nil {
		return nil, err
	}

	views := make([]DeviceView, 0, len(devices))
	for i := range devices {
		views = append(views, *deviceView(&devices[i]))
	}
	return views, nil
}

// Get returns one device of the tenant
func (s *DeviceService) Get(ctx context.Context, id identity.Identity, deviceKey string) (*DeviceView, error) {
	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassQuery); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	device, err := s.store.GetDevice(ctx, id.TenantID, deviceKey)
	if err != nil {
		return nil, forbidIfMissing(err, deviceKey)
	}
	return deviceView(device), nil
}

// Register creates a device or refreshes the metadata of an existing one,
// reactivating it
func (s *DeviceService) Register(ctx context.Context, id identity.Identity, in validator.DeviceInput) (*DeviceView, error) {
	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassIngest); err != nil {
		return nil, err
	}
	in, err := s.validator.ValidateDevice(in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	device, err := s.store.UpsertDevice(storeCtx, db.Device{
		TenantID:  id.TenantID,
		DeviceKey: in.DeviceKey,
		Name:      in.Name,
		Category:  in.Category,
		Location:  in.Location,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("device registered",
		zap.String("tenant_id", id.TenantID),
		zap.String("device_key", device.DeviceKey),
	)
	return deviceView(device), nil
}

// Update changes device metadata or its active flag
func (s *DeviceService) Update(ctx context.Context, id identity.Identity, deviceKey string, update repository.DeviceUpdate) (*DeviceView, error) {
	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassIngest); err != nil {
		return nil, err
	}
	if errs := validator.CheckMetadata(update.Name, update.Category, update.Location); len(errs) > 0 {
		return nil, &apperror.ValidationError{Errors: errs}
	}
	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		update.Name = &trimmed
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	device, err := s.store.UpdateDevice(storeCtx, id.TenantID, deviceKey, update, s.clock.Now())
	if err != nil {
		return nil, forbidIfMissing(err, deviceKey)
	}

	if update.IsActive != nil && s.cache != nil {
		s.cache.InvalidateDevice(ctx, id.TenantID, deviceKey)
	}
	return deviceView(device), nil
}

// Deactivate stops a device from accepting readings. Its history stays queryable.
func (s *DeviceService) Deactivate(ctx context.Context, id identity.Identity, deviceKey string) (*DeviceView, error) {
	inactive := false
	view, err := s.Update(ctx, id, deviceKey, repository.DeviceUpdate{IsActive: &inactive})
	if err != nil {
		return nil, err
	}
	s.logger.Info("device deactivated",
		zap.String("tenant_id", id.TenantID),
		zap.String("device_key", deviceKey),
	)
	return view, nil
}

func forbidIfMissing(err error, deviceKey string) error {
	if errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("device %q: %w", deviceKey, apperror.ErrForbidden)
	}
	return err
}
