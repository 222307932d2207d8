package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/trilhaslab/progresso/internal/localstore"
	"github.com/trilhaslab/progresso/internal/remotestore"
)

// ErrRemoteDisabled reports that the engine was built without a remote
// store; the client is running offline-only.
var ErrRemoteDisabled = errors.New("remote sync disabled")

// LocalKeyPrefix namespaces the progress blob in the local store.
const LocalKeyPrefix = "user_progress_"

// Sides of a sync conflict.
const (
	NewerLocal  = "local"
	NewerRemote = "remote"
)

// Conflict describes divergence between the local and remote copies of the
// progress record.
type Conflict struct {
	// Newer names the side with the more recent record, or the only side
	// holding data.
	Newer string

	// InConflict is true only when both sides exist and their timestamps
	// diverge beyond the conflict window.
	InConflict bool

	LocalUpdated  time.Time
	RemoteUpdated time.Time
}

// Config tunes engine behavior.
type Config struct {
	// ConflictWindow is the local/remote timestamp divergence treated as
	// a conflict.
	ConflictWindow time.Duration

	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ConflictWindow: 60 * time.Second,
		Now:            time.Now,
	}
}

// Engine keeps exactly one authoritative ProgressRecord per user,
// reconciling the local store with the remote document store. Conflicts
// resolve last-writer-wins at whole-record granularity.
type Engine struct {
	local  *localstore.Store
	remote remotestore.Store // nil disables remote sync
	userID string
	cfg    *Config
	log    *zap.Logger
}

// New creates a sync engine for one user. remote may be nil for
// offline-only operation.
func New(local *localstore.Store, remote remotestore.Store, userID string, logger *zap.Logger) *Engine {
	return NewWithConfig(local, remote, userID, logger, nil)
}

// NewWithConfig creates a sync engine with custom tuning.
func NewWithConfig(local *localstore.Store, remote remotestore.Store, userID string, logger *zap.Logger, cfg *Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConflictWindow <= 0 {
		cfg.ConflictWindow = 60 * time.Second
	}
	return &Engine{local: local, remote: remote, userID: userID, cfg: cfg, log: logger}
}

// UserID returns the user this engine syncs for.
func (e *Engine) UserID() string { return e.userID }

func (e *Engine) localKey() string { return LocalKeyPrefix + e.userID }

// Load resolves the authoritative record. Resolution order: adopt the newer
// side of a detected conflict, else hydrate from remote, else fall back to
// local, else start a fresh empty record. Legacy records are migrated and a
// pending push is flushed before returning.
func (e *Engine) Load(ctx context.Context) *ProgressRecord {
	if c := e.CheckConflicts(ctx); c != nil && c.InConflict {
		rec := e.adoptConflictSide(ctx, c)
		if rec != nil {
			return e.finishLoad(ctx, rec)
		}
	}

	if e.remote != nil {
		rec, err := e.PullRemote(ctx)
		switch {
		case err == nil:
			e.writeLocal(ctx, rec)
			return e.finishLoad(ctx, rec)
		case errors.Is(err, remotestore.ErrNotFound):
			// No remote copy yet; fall through to local.
		default:
			e.log.Warn("remote progress fetch failed, using local copy",
				zap.String("user", e.userID), zap.Error(err))
		}
	}

	if rec, ok := e.readLocal(ctx); ok {
		return e.finishLoad(ctx, rec)
	}
	return NewRecord()
}

// adoptConflictSide persists and returns the newer record of a conflict.
func (e *Engine) adoptConflictSide(ctx context.Context, c *Conflict) *ProgressRecord {
	e.log.Info("resolving sync conflict",
		zap.String("user", e.userID),
		zap.String("newer", c.Newer),
		zap.Time("local", c.LocalUpdated),
		zap.Time("remote", c.RemoteUpdated))

	if c.Newer == NewerLocal {
		rec, ok := e.readLocal(ctx)
		if !ok {
			return nil
		}
		if err := e.PushRemote(ctx, rec); err != nil {
			e.log.Warn("failed to push conflict winner", zap.Error(err))
			rec.PendingPush = true
			e.writeLocal(ctx, rec)
		}
		return rec
	}

	rec, err := e.PullRemote(ctx)
	if err != nil {
		e.log.Warn("failed to pull conflict winner", zap.Error(err))
		return nil
	}
	e.writeLocal(ctx, rec)
	return rec
}

// finishLoad applies migration and flushes a pending push.
func (e *Engine) finishLoad(ctx context.Context, rec *ProgressRecord) *ProgressRecord {
	rec.normalize()
	if Migrate(rec) {
		e.log.Info("migrated legacy progress record", zap.String("user", e.userID))
		e.writeLocal(ctx, rec)
		if err := e.PushRemote(ctx, rec); err != nil && !errors.Is(err, ErrRemoteDisabled) {
			e.log.Warn("failed to push migrated record", zap.Error(err))
		}
	}
	if rec.PendingPush && e.remote != nil {
		rec.PendingPush = false
		rec.Synced = true
		if err := e.PushRemote(ctx, rec); err != nil {
			e.log.Warn("pending push still failing", zap.Error(err))
			rec.PendingPush = true
			rec.Synced = false
		} else {
			e.writeLocal(ctx, rec)
		}
	}
	return rec
}

// Save stamps the record and persists it. The local write is the hard
// guarantee; the remote push is best-effort and deferred to the next
// load/save cycle when it fails. Returns false only when local durability
// could not be achieved.
func (e *Engine) Save(ctx context.Context, rec *ProgressRecord) bool {
	rec.normalize()
	rec.SchemaVersion = SchemaVersion
	rec.LastUpdated = e.cfg.Now()
	rec.Synced = false
	rec.PendingPush = false

	if !e.writeLocal(ctx, rec) {
		return false
	}

	// The flags are stamped before the push so the remote copy records
	// itself as synced; a failed push reverts them.
	rec.Synced = true
	if err := e.PushRemote(ctx, rec); err != nil {
		if !errors.Is(err, ErrRemoteDisabled) {
			e.log.Warn("remote push failed, will retry on next sync",
				zap.String("user", e.userID), zap.Error(err))
		}
		rec.Synced = false
		rec.PendingPush = true
	}
	e.writeLocal(ctx, rec)
	return true
}

// Flush retries a pending push. Returns true when the record is in sync with
// the remote afterwards.
func (e *Engine) Flush(ctx context.Context, rec *ProgressRecord) bool {
	if !rec.PendingPush {
		return rec.Synced
	}
	rec.PendingPush = false
	rec.Synced = true
	if err := e.PushRemote(ctx, rec); err != nil {
		if !errors.Is(err, ErrRemoteDisabled) {
			e.log.Warn("flush failed", zap.String("user", e.userID), zap.Error(err))
		}
		rec.PendingPush = true
		rec.Synced = false
		return false
	}
	e.writeLocal(ctx, rec)
	return true
}

// CheckConflicts compares local and remote timestamps. Both sides present
// and diverging beyond the window yields a conflict naming the newer side;
// exactly one side with data yields a non-conflict descriptor naming it;
// no data at all (or divergence within the window) yields nil.
func (e *Engine) CheckConflicts(ctx context.Context) *Conflict {
	var localUpdated time.Time
	if rec, ok := e.readLocal(ctx); ok {
		localUpdated = rec.LastUpdated
	}
	remoteUpdated := e.remoteLastUpdated(ctx)

	hasLocal := !localUpdated.IsZero()
	hasRemote := !remoteUpdated.IsZero()

	switch {
	case hasLocal && hasRemote:
		delta := localUpdated.Sub(remoteUpdated)
		if delta < 0 {
			delta = -delta
		}
		if delta <= e.cfg.ConflictWindow {
			return nil
		}
		newer := NewerLocal
		if remoteUpdated.After(localUpdated) {
			newer = NewerRemote
		}
		return &Conflict{Newer: newer, InConflict: true, LocalUpdated: localUpdated, RemoteUpdated: remoteUpdated}
	case hasLocal:
		return &Conflict{Newer: NewerLocal, LocalUpdated: localUpdated}
	case hasRemote:
		return &Conflict{Newer: NewerRemote, RemoteUpdated: remoteUpdated}
	}
	return nil
}

// PushRemote writes the full record to the remote store: the summary on the
// user document plus one aggregate sub-document per course. Merge semantics
// make repeated pushes idempotent and keep sibling profile fields intact.
func (e *Engine) PushRemote(ctx context.Context, rec *ProgressRecord) error {
	if e.remote == nil {
		return ErrRemoteDisabled
	}
	now := e.cfg.Now()

	summary := remotestore.Document{
		"progresso":    rec,
		"lastSyncedAt": now.UTC().Format(time.RFC3339),
		"revision":     uuid.NewString(),
	}
	if err := e.remote.Set(ctx, summary, true, "users", e.userID); err != nil {
		return fmt.Errorf("failed to push progress summary: %w", err)
	}

	for _, courseID := range rec.CourseIDs() {
		snap := rec.Snapshot(courseID, now)
		doc := remotestore.Document{
			"percent":              snap.Percent,
			"historyCompleted":     snap.HistoryCompleted,
			"questionIdsCompleted": snap.QuestionIDsCompleted,
			"updatedAt":            snap.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := e.remote.Set(ctx, doc, true, "users", e.userID, "progresso", courseID); err != nil {
			return fmt.Errorf("failed to push snapshot of course %s: %w", courseID, err)
		}
	}
	return nil
}

// PullRemote fetches the record from the remote store.
// Returns remotestore.ErrNotFound when the user has no remote progress.
func (e *Engine) PullRemote(ctx context.Context) (*ProgressRecord, error) {
	if e.remote == nil {
		return nil, ErrRemoteDisabled
	}

	doc, err := e.remote.Get(ctx, "users", e.userID)
	if err != nil {
		return nil, err
	}

	prog := gjson.GetBytes(doc.Raw(), "progresso")
	if !prog.Exists() {
		return nil, fmt.Errorf("user %s has no remote progress: %w", e.userID, remotestore.ErrNotFound)
	}

	rec := new(ProgressRecord)
	if err := json.Unmarshal([]byte(prog.Raw), rec); err != nil {
		return nil, fmt.Errorf("failed to decode remote progress of %s: %w", e.userID, err)
	}
	rec.normalize()
	return rec, nil
}

// remoteLastUpdated reads the remote record timestamp, or zero when absent
// or unreadable.
func (e *Engine) remoteLastUpdated(ctx context.Context) time.Time {
	if e.remote == nil {
		return time.Time{}
	}
	doc, err := e.remote.Get(ctx, "users", e.userID)
	if err != nil {
		if !errors.Is(err, remotestore.ErrNotFound) {
			e.log.Warn("remote timestamp check failed", zap.String("user", e.userID), zap.Error(err))
		}
		return time.Time{}
	}
	raw := gjson.GetBytes(doc.Raw(), "progresso.ultimaAtualizacao").String()
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (e *Engine) readLocal(ctx context.Context) (*ProgressRecord, bool) {
	raw, ok := e.local.Get(ctx, e.localKey())
	if !ok {
		return nil, false
	}
	rec := new(ProgressRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		e.log.Error("discarding undecodable local progress record",
			zap.String("user", e.userID), zap.Error(err))
		return nil, false
	}
	rec.normalize()
	return rec, true
}

func (e *Engine) writeLocal(ctx context.Context, rec *ProgressRecord) bool {
	raw, err := json.Marshal(rec)
	if err != nil {
		e.log.Error("failed to encode progress record", zap.String("user", e.userID), zap.Error(err))
		return false
	}
	return e.local.Set(ctx, e.localKey(), raw)
}
