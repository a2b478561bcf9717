// Package gormstore is a partial, Postgres-backed implementation of
// store.UpstreamStore and store.CircuitBreakerStore, grounded on the
// teacher's gorm.io/gorm + gorm.io/driver/postgres stack. It intentionally
// does not implement store.HealthStore or store.RequestLogStore: those are
// expected to read from whatever request-log table the surrounding gateway
// already maintains (out of scope per spec.md §1), so wiring them here
// would require inventing a schema this package has no business owning.
package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/gwerrors"
	"github.com/BaSui01/agentflow/store"
	"github.com/BaSui01/agentflow/upstream"
)

// upstreamRow is the GORM row shape for the upstreams table.
type upstreamRow struct {
	ID                 string `gorm:"primaryKey"`
	Name               string
	Provider           string
	BaseURL            string
	EncryptedAPIKey    string
	Active             bool
	Weight             int
	Priority           int
	RouteCapabilities  string // comma-joined
	AllowedModels      string // comma-joined
	CostPerInputToken  float64
	CostPerOutputToken float64
}

func (upstreamRow) TableName() string { return "gateway_upstreams" }

// circuitBreakerRow persists breaker state with an optimistic-lock version
// column, the CAS mechanism spec.md §6 asks for
// ("upsertConditional(upstreamId, expected, next)").
type circuitBreakerRow struct {
	UpstreamID    string `gorm:"primaryKey"`
	State         string
	FailureCount  int
	SuccessCount  int
	OpenedAt      *time.Time
	LastProbeAt   *time.Time
	LastFailureAt *time.Time
	Version       int64
}

func (circuitBreakerRow) TableName() string { return "gateway_circuit_breaker_state" }

// Store is a gorm.DB-backed implementation of UpstreamStore and
// CircuitBreakerStore.
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB. AutoMigrate is the caller's
// responsibility (schema/migrations are out of scope per spec.md §1).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toRow(u *upstream.Upstream) upstreamRow {
	caps := make([]string, len(u.RouteCapabilities))
	for i, c := range u.RouteCapabilities {
		caps[i] = string(c)
	}
	return upstreamRow{
		ID:                 u.ID,
		Name:               u.Name,
		Provider:           string(u.Provider),
		BaseURL:            u.BaseURL,
		EncryptedAPIKey:    u.EncryptedAPIKey,
		Active:             u.Active,
		Weight:             u.Weight,
		Priority:           u.Priority,
		RouteCapabilities:  strings.Join(caps, ","),
		AllowedModels:      strings.Join(u.AllowedModels, ","),
		CostPerInputToken:  u.CostPerInputToken,
		CostPerOutputToken: u.CostPerOutputToken,
	}
}

func fromRow(r upstreamRow) *upstream.Upstream {
	var caps []upstream.Capability
	if r.RouteCapabilities != "" {
		for _, c := range strings.Split(r.RouteCapabilities, ",") {
			caps = append(caps, upstream.Capability(c))
		}
	}
	var allowed []string
	if r.AllowedModels != "" {
		allowed = strings.Split(r.AllowedModels, ",")
	}
	return &upstream.Upstream{
		ID:                 r.ID,
		Name:               r.Name,
		Provider:           upstream.ProviderType(r.Provider),
		BaseURL:            r.BaseURL,
		EncryptedAPIKey:    r.EncryptedAPIKey,
		Active:             r.Active,
		Weight:             r.Weight,
		Priority:           r.Priority,
		RouteCapabilities:  caps,
		AllowedModels:      allowed,
		CostPerInputToken:  r.CostPerInputToken,
		CostPerOutputToken: r.CostPerOutputToken,
	}
}

func (s *Store) FindByProviderType(ctx context.Context, providerType upstream.ProviderType, activeOnly bool) ([]*upstream.Upstream, error) {
	q := s.db.WithContext(ctx).Where("provider = ?", string(providerType))
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []upstreamRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*upstream.Upstream, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*upstream.Upstream, error) {
	var row upstreamRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gwerrors.ErrUpstreamNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

func (s *Store) Create(ctx context.Context, u *upstream.Upstream) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := u.Validate(); err != nil {
		return err
	}
	u.Active = true
	row := toRow(u)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) UpdateRouteCapabilities(ctx context.Context, id string, caps []upstream.Capability) error {
	joined := make([]string, len(caps))
	for i, c := range caps {
		joined[i] = string(c)
	}
	res := s.db.WithContext(ctx).Model(&upstreamRow{}).Where("id = ?", id).
		Update("route_capabilities", strings.Join(joined, ","))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gwerrors.ErrUpstreamNotFound
	}
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&upstreamRow{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gwerrors.ErrUpstreamNotFound
	}
	return nil
}

func toRecord(row circuitBreakerRow) store.CircuitBreakerRecord {
	return store.CircuitBreakerRecord{
		UpstreamID:    row.UpstreamID,
		State:         row.State,
		FailureCount:  row.FailureCount,
		SuccessCount:  row.SuccessCount,
		OpenedAt:      row.OpenedAt,
		LastProbeAt:   row.LastProbeAt,
		LastFailureAt: row.LastFailureAt,
		Version:       row.Version,
	}
}

func (s *Store) GetBreaker(ctx context.Context, upstreamID string) (store.CircuitBreakerRecord, bool, error) {
	var row circuitBreakerRow
	err := s.db.WithContext(ctx).First(&row, "upstream_id = ?", upstreamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.CircuitBreakerRecord{}, false, nil
	}
	if err != nil {
		return store.CircuitBreakerRecord{}, false, err
	}
	return toRecord(row), true, nil
}

// UpsertConditional performs the CAS write spec.md §6 requires using a
// version-column guarded update, falling back to an insert when no row
// exists yet.
func (s *Store) UpsertConditional(ctx context.Context, upstreamID string, expected, next store.CircuitBreakerRecord) (bool, error) {
	row := circuitBreakerRow{
		UpstreamID:    upstreamID,
		State:         next.State,
		FailureCount:  next.FailureCount,
		SuccessCount:  next.SuccessCount,
		OpenedAt:      next.OpenedAt,
		LastProbeAt:   next.LastProbeAt,
		LastFailureAt: next.LastFailureAt,
		Version:       expected.Version + 1,
	}

	var existing circuitBreakerRow
	err := s.db.WithContext(ctx).First(&existing, "upstream_id = ?", upstreamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, s.db.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return false, err
	}

	res := s.db.WithContext(ctx).Model(&circuitBreakerRow{}).
		Where("upstream_id = ? AND version = ?", upstreamID, expected.Version).
		Updates(map[string]any{
			"state":           row.State,
			"failure_count":   row.FailureCount,
			"success_count":   row.SuccessCount,
			"opened_at":       row.OpenedAt,
			"last_probe_at":   row.LastProbeAt,
			"last_failure_at": row.LastFailureAt,
			"version":         row.Version,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) Set(ctx context.Context, rec store.CircuitBreakerRecord) error {
	row := circuitBreakerRow{
		UpstreamID:    rec.UpstreamID,
		State:         rec.State,
		FailureCount:  rec.FailureCount,
		SuccessCount:  rec.SuccessCount,
		OpenedAt:      rec.OpenedAt,
		LastProbeAt:   rec.LastProbeAt,
		LastFailureAt: rec.LastFailureAt,
		Version:       rec.Version,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

var _ store.UpstreamStore = (*Store)(nil)
var _ store.CircuitBreakerStore = (*Store)(nil)
