package invalidation

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/models"
	"github.com/calltrics/calltrics/pkg/logger"
	"github.com/calltrics/calltrics/pkg/metrics"
)

// Watched is implemented by models whose row changes emit invalidation
// messages. A model outside this interface is simply not watched.
type Watched interface {
	WatchedTable() string
	WatchedTenantID() string
	WatchedEntityID() string
}

type batchIDKey struct{}

// WithBatchID stamps the context with a correlation id shared by every
// message emitted from statements running under it.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, batchID)
}

// BatchIDFromContext returns the batch id set by WithBatchID, if any.
func BatchIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(batchIDKey{}).(string)
	return id, ok && id != ""
}

const (
	emitterPluginName  = "calltrics:invalidation-emitter"
	defaultErrorWindow = 5 * time.Minute
)

// EmitterConfig tunes the change emitter.
type EmitterConfig struct {
	// ErrorWindow bounds how long a failure counts toward a table's recent
	// error tally.
	ErrorWindow time.Duration
	// ErrorThreshold disables a table's trigger once its windowed failures
	// reach this count. Zero means never auto-disable.
	ErrorThreshold int
}

// TriggerHealth reports the emitter state for one watched table.
type TriggerHealth struct {
	Table        string `json:"table"`
	Enabled      bool   `json:"enabled"`
	RecentErrors int    `json:"recent_errors"`
}

type tableState struct {
	enabled   bool
	errorTime []time.Time
}

// Emitter is a gorm plugin that publishes an invalidation message after every
// committed change to a watched model. Failures are swallowed: the triggering
// write always succeeds, and the failure is logged to trigger_error_logs.
type Emitter struct {
	bus Bus
	cfg EmitterConfig
	log *zap.Logger
	now func() time.Time

	// errorDB persists failures raised outside a statement callback. Inside a
	// callback the statement's own connection is used so the insert cannot
	// contend with an open transaction.
	errorDB *gorm.DB

	mu     sync.Mutex
	tables map[string]*tableState
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterNow overrides the emitter clock.
func WithEmitterNow(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEmitter creates the plugin. errorDB is used only for persisting
// swallowed failures and may be nil in tests that assert logging alone.
func NewEmitter(bus Bus, errorDB *gorm.DB, cfg EmitterConfig, opts ...EmitterOption) *Emitter {
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = defaultErrorWindow
	}

	emitter := &Emitter{
		bus:     bus,
		cfg:     cfg,
		log:     logger.WithModule("invalidation.emitter"),
		now:     time.Now,
		errorDB: errorDB,
		tables:  make(map[string]*tableState),
	}
	for _, opt := range opts {
		opt(emitter)
	}
	return emitter
}

// Name implements gorm.Plugin.
func (e *Emitter) Name() string { return emitterPluginName }

// Initialize implements gorm.Plugin and hooks the emitter after the built-in
// write callbacks.
func (e *Emitter) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").
		Register(emitterPluginName+":create", e.afterChange(OpInsert)); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").
		Register(emitterPluginName+":update", e.afterChange(OpUpdate)); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").
		Register(emitterPluginName+":delete", e.afterChange(OpDelete))
}

// Transaction runs fn inside a gorm transaction whose emitted messages all
// share one batch id.
func (e *Emitter) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := BatchIDFromContext(ctx); !ok {
		ctx = WithBatchID(ctx, uuid.NewString())
	}
	return db.WithContext(ctx).Transaction(fn)
}

// SetEnabled toggles emission for one watched table. Disabling a table is the
// manual escape hatch when its trigger misbehaves.
func (e *Emitter) SetEnabled(table string, enabled bool) {
	if e == nil || table == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.stateLocked(table)
	state.enabled = enabled
	if enabled {
		state.errorTime = nil
	}
}

// Health reports per-table emitter status, sorted by table name.
func (e *Emitter) Health() []TriggerHealth {
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.ErrorWindow)
	out := make([]TriggerHealth, 0, len(e.tables))
	for table, state := range e.tables {
		recent := 0
		for _, at := range state.errorTime {
			if at.After(cutoff) {
				recent++
			}
		}
		out = append(out, TriggerHealth{Table: table, Enabled: state.enabled, RecentErrors: recent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

func (e *Emitter) afterChange(op Operation) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		// Nothing in here may affect the triggering statement.
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("emitter callback panicked", zap.Any("panic", r))
			}
		}()

		if tx.Error != nil || tx.DryRun {
			return
		}
		if op != OpDelete && tx.RowsAffected == 0 {
			return
		}

		for _, watched := range watchedFromStatement(tx) {
			e.emit(tx, op, watched)
		}
	}
}

func (e *Emitter) emit(tx *gorm.DB, op Operation, watched Watched) {
	ctx := tx.Statement.Context
	table := watched.WatchedTable()
	if !e.tableEnabled(table) {
		return
	}

	tenantID := watched.WatchedTenantID()
	if tenantID == "" {
		e.recordFailure(tx, table, "change on "+table+" carries no tenant id")
		return
	}

	batchID, ok := BatchIDFromContext(ctx)
	if !ok {
		batchID = uuid.NewString()
	}

	msg := Message{
		Table:     table,
		Operation: op,
		TenantID:  tenantID,
		EntityID:  watched.WatchedEntityID(),
		BatchID:   batchID,
		EmittedAt: e.now().UTC(),
	}

	payload, err := msg.Encode()
	if err != nil {
		e.recordFailure(tx, table, "encode invalidation message: "+err.Error())
		return
	}
	if err := e.bus.Publish(ctx, ChannelName, payload); err != nil {
		e.recordFailure(tx, table, "publish invalidation message: "+err.Error())
		return
	}
}

func (e *Emitter) tableEnabled(table string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(table).enabled
}

func (e *Emitter) stateLocked(table string) *tableState {
	state, ok := e.tables[table]
	if !ok {
		state = &tableState{enabled: true}
		e.tables[table] = state
	}
	return state
}

// recordFailure logs a swallowed emitter failure, counts it, persists it, and
// trips the table breaker when configured. A fresh session on db keeps the
// insert's error out of the triggering statement.
func (e *Emitter) recordFailure(db *gorm.DB, table, message string) {
	now := e.now()

	e.log.Warn("invalidation emitter failure",
		zap.String("table", table),
		zap.String("reason", message),
	)
	metrics.EmitterErrors.WithLabelValues(table).Inc()

	if db == nil {
		db = e.errorDB
	}
	if db != nil {
		entry := models.TriggerErrorLog{
			Source:     "emitter:" + table,
			Message:    message,
			OccurredAt: now,
		}
		if err := db.Session(&gorm.Session{NewDB: true}).Create(&entry).Error; err != nil {
			e.log.Error("failed to persist trigger error log", zap.Error(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.stateLocked(table)
	cutoff := now.Add(-e.cfg.ErrorWindow)
	kept := state.errorTime[:0]
	for _, at := range state.errorTime {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	state.errorTime = append(kept, now)

	if e.cfg.ErrorThreshold > 0 && state.enabled && len(state.errorTime) >= e.cfg.ErrorThreshold {
		state.enabled = false
		e.log.Error("disabling change emitter for table after repeated failures",
			zap.String("table", table),
			zap.Int("recent_errors", len(state.errorTime)),
		)
	}
}

// watchedFromStatement extracts the watched models touched by the statement.
// Both single-model and batch statements are supported.
func watchedFromStatement(tx *gorm.DB) []Watched {
	value := tx.Statement.ReflectValue
	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Watched, 0, value.Len())
		for i := 0; i < value.Len(); i++ {
			if w, ok := watchedFromValue(value.Index(i)); ok {
				out = append(out, w)
			}
		}
		return out
	default:
		if w, ok := watchedFromValue(value); ok {
			return []Watched{w}
		}
		return nil
	}
}

func watchedFromValue(value reflect.Value) (Watched, bool) {
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return nil, false
		}
		value = value.Elem()
	}
	if !value.IsValid() || !value.CanInterface() {
		return nil, false
	}
	w, ok := value.Interface().(Watched)
	return w, ok
}
