// Package pending implements the durable store of submissions awaiting replay.
package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/crypto"
	"github.com/kimhsiao/offlinegate/internal/db"
	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/models"
)

// DefaultTag is the replay registration tag recorded after every insert.
const DefaultTag = "syncUsuarios"

// SyncRegistrar requests that the replay handler for tag runs at the next
// opportunity, typically when connectivity returns.
type SyncRegistrar interface {
	Register(ctx context.Context, tag string) error
}

// Store is the pending-write store. All records live in one table.
type Store struct {
	db     *db.DB
	sealer *crypto.Sealer
	tag    string

	mu        sync.RWMutex
	registrar SyncRegistrar
}

// Options configures a Store.
type Options struct {
	// Sealer encrypts payloads at rest when set.
	Sealer *crypto.Sealer
	// Tag overrides DefaultTag.
	Tag string
}

// Open opens (creating or upgrading) <dataDir>/<database>.db and returns a
// Store over it. The schema must reach at least version.
func Open(dataDir, database string, version int, opts Options) (*Store, error) {
	conn, err := db.OpenAndMigrate(dataDir, database, version)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open pending store", err)
	}
	return New(conn, opts), nil
}

// New returns a Store over an already migrated database.
func New(conn *db.DB, opts Options) *Store {
	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return &Store{db: conn, sealer: opts.Sealer, tag: tag}
}

// DB returns the underlying database handle.
func (s *Store) DB() *db.DB {
	return s.db
}

// Tag returns the replay registration tag.
func (s *Store) Tag() string {
	return s.tag
}

// SetRegistrar installs the deferred-execution mechanism. A nil registrar
// means background sync is unsupported.
func (s *Store) SetRegistrar(r SyncRegistrar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrar = r
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasRecordStore reports whether the pending record table exists.
func (s *Store) HasRecordStore(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		models.PendingRecordStore,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to inspect schema", err)
	}
	return true, nil
}

// Enqueue inserts one record and then registers the replay tag.
// Registration failures are logged and never returned: the record stays
// queued for the next trigger.
func (s *Store) Enqueue(ctx context.Context, payload map[string]interface{}) (*models.PendingRecord, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	stored, sealed, err := s.encode(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO Usuarios (payload, sealed, created_at) VALUES (?, ?, ?)",
		stored, sealed, now,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "failed to insert pending record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "failed to read record id", err)
	}

	record := &models.PendingRecord{ID: id, Payload: payload, CreatedAt: now}
	logging.Debug("Pending record stored", map[string]interface{}{
		"id":     id,
		"sealed": sealed,
	})

	s.register(ctx)
	return record, nil
}

func (s *Store) register(ctx context.Context) {
	s.mu.RLock()
	registrar := s.registrar
	s.mu.RUnlock()

	if registrar == nil {
		logging.Warn("background sync not supported", map[string]interface{}{
			"tag": s.tag,
		})
		return
	}
	if err := registrar.Register(ctx, s.tag); err != nil {
		logging.ErrorWithCode("sync registration failed", string(apperrors.ErrSyncRegistration), err,
			map[string]interface{}{"tag": s.tag})
		return
	}
	logging.Debug("Sync registered", map[string]interface{}{"tag": s.tag})
}

// Drain returns every queued record in insertion order without deleting any.
// Records whose payload cannot be opened or parsed are logged and skipped.
func (s *Store) Drain(ctx context.Context) ([]models.PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload, sealed, created_at FROM Usuarios ORDER BY id",
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "failed to read pending records", err)
	}
	defer rows.Close()

	var records []models.PendingRecord
	for rows.Next() {
		var (
			r      models.PendingRecord
			stored string
			sealed bool
		)
		if err := rows.Scan(&r.ID, &stored, &sealed, &r.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStore, "failed to scan pending record", err)
		}
		r.Payload, err = s.decode(stored, sealed)
		if err != nil {
			// Left in place so one bad row does not block the rest.
			logging.WarnWithCode("Skipping unreadable pending record", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"record": r.ID})
			continue
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "failed to iterate pending records", err)
	}
	return records, nil
}

// Clear deletes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM Usuarios"); err != nil {
		return apperrors.Wrap(apperrors.ErrStore, "failed to clear pending records", err)
	}
	return nil
}

// Remove deletes the records with the given ids and returns how many were
// removed. Records enqueued after a drain, and records Drain skipped, survive.
func (s *Store) Remove(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "failed to begin clear", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM Usuarios WHERE id = ?")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "failed to prepare clear", err)
	}
	defer stmt.Close()

	var removed int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStore, "failed to clear pending records", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStore, "failed to count cleared records", err)
		}
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "failed to commit clear", err)
	}
	return removed, nil
}

// Count returns the number of queued records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM Usuarios").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStore, "failed to count pending records", err)
	}
	return n, nil
}

func (s *Store) encode(payload map[string]interface{}) (string, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-serializable", err)
	}
	if s.sealer == nil {
		return string(data), false, nil
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrCrypto, "failed to seal payload", err)
	}
	return sealed, true, nil
}

func (s *Store) decode(stored string, sealed bool) (map[string]interface{}, error) {
	data := []byte(stored)
	if sealed {
		if s.sealer == nil {
			return nil, apperrors.New(apperrors.ErrCrypto, "record is sealed but no encryption key is configured")
		}
		opened, err := s.sealer.Open(stored)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCrypto, "failed to open sealed payload", err)
		}
		data = opened
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStore, "stored payload is corrupt", err)
	}
	return payload, nil
}
