package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no application matches the given identity
var ErrNotFound = errors.New("application not found")

// Store persists application records and their event trail in sqlite
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewStore opens (or creates) the database under dataDir
func NewStore(dataDir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "proximity.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// initializeDatabase initializes the database schema
func initializeDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS apps (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL UNIQUE,
			catalog_id TEXT NOT NULL,
			node TEXT NOT NULL,
			container_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			is_adopted INTEGER NOT NULL,
			error_reason TEXT NOT NULL DEFAULT '',
			public_port INTEGER NOT NULL,
			internal_port INTEGER NOT NULL,
			target_port INTEGER NOT NULL DEFAULT 0,
			bridge_name TEXT NOT NULL,
			adoption_snapshot TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_reconciled_at INTEGER
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)
	`)
	return err
}

const appColumns = `id, hostname, catalog_id, node, container_id, status, is_adopted,
	error_reason, public_port, internal_port, target_port, bridge_name, adoption_snapshot,
	created_at, updated_at, last_reconciled_at`

// CreateApp inserts a brand-new application record. A colliding id or
// hostname returns an error without touching the existing record, so a
// lost creation race can never overwrite an in-flight application.
func (s *Store) CreateApp(app *api.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := appValues(app)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO apps (`+appColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to create app %s: %w", app.ID, err)
	}
	return nil
}

// SaveApp inserts or updates an application record
func (s *Store) SaveApp(app *api.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := appValues(app)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO apps (`+appColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			catalog_id = excluded.catalog_id,
			node = excluded.node,
			container_id = excluded.container_id,
			status = excluded.status,
			error_reason = excluded.error_reason,
			public_port = excluded.public_port,
			internal_port = excluded.internal_port,
			target_port = excluded.target_port,
			bridge_name = excluded.bridge_name,
			adoption_snapshot = excluded.adoption_snapshot,
			updated_at = excluded.updated_at,
			last_reconciled_at = excluded.last_reconciled_at`, args...)
	if err != nil {
		return fmt.Errorf("failed to save app %s: %w", app.ID, err)
	}
	return nil
}

// appValues flattens a record into the insert arguments matching appColumns
func appValues(app *api.Application) ([]interface{}, error) {
	var snapshot sql.NullString
	if app.AdoptionSnapshot != nil {
		raw, err := json.Marshal(app.AdoptionSnapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to encode adoption snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(raw), Valid: true}
	}

	var reconciled sql.NullInt64
	if !app.LastReconciledAt.IsZero() {
		reconciled = sql.NullInt64{Int64: app.LastReconciledAt.Unix(), Valid: true}
	}

	return []interface{}{
		app.ID, app.Hostname, app.CatalogID, app.Node, app.ContainerID,
		string(app.Status), boolToInt(app.IsAdopted), app.ErrorReason,
		app.PublicPort, app.InternalPort, app.TargetPort, app.BridgeName, snapshot,
		app.CreatedAt.Unix(), app.UpdatedAt.Unix(), reconciled,
	}, nil
}

// GetApp returns the application with the given id
func (s *Store) GetApp(id string) (*api.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOne("SELECT "+appColumns+" FROM apps WHERE id = ?", id)
}

// GetAppByHostname returns the application with the given hostname
func (s *Store) GetAppByHostname(hostname string) (*api.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOne("SELECT "+appColumns+" FROM apps WHERE hostname = ?", hostname)
}

// GetAppByContainerID returns the application bound to a hypervisor container
func (s *Store) GetAppByContainerID(vmid int) (*api.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryOne("SELECT "+appColumns+" FROM apps WHERE container_id = ?", vmid)
}

// ListApps returns all application records ordered by hostname
func (s *Store) ListApps() ([]*api.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMany("SELECT " + appColumns + " FROM apps ORDER BY hostname")
}

// ListAppsByStatus returns applications in any of the given statuses
func (s *Store) ListAppsByStatus(statuses ...api.AppStatus) ([]*api.Application, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + appColumns + " FROM apps WHERE status IN (?" +
		strings.Repeat(",?", len(statuses)-1) + ") ORDER BY hostname"
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryMany(query, args...)
}

// DeleteApp removes an application record. Deleting a missing record
// returns ErrNotFound.
func (s *Store) DeleteApp(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM apps WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete app %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete app %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus unconditionally sets the status and error reason
func (s *Store) UpdateStatus(id string, status api.AppStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE apps SET status = ?, error_reason = ?, updated_at = ? WHERE id = ?",
		string(status), reason, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update app %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update app %s status: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapStatus transitions id from one of the expected statuses to
// the target status in a single conditional update. It returns false when
// the record is not in any expected status, which makes lease acquisition
// race-free across engine instances sharing the database.
func (s *Store) CompareAndSwapStatus(id string, to api.AppStatus, from ...api.AppStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no expected statuses given")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "UPDATE apps SET status = ?, updated_at = ? WHERE id = ? AND status IN (?" +
		strings.Repeat(",?", len(from)-1) + ")"
	args := []interface{}{string(to), time.Now().Unix(), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition app %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to transition app %s: %w", id, err)
	}
	return n == 1, nil
}

// TouchReconciled records the time of the last reconciler pass over id
func (s *Store) TouchReconciled(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE apps SET last_reconciled_at = ? WHERE id = ?", t.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch app %s: %w", id, err)
	}
	return nil
}

// CountApps returns the number of application records
func (s *Store) CountApps() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM apps").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count apps: %w", err)
	}
	return count, nil
}

func (s *Store) queryOne(query string, args ...interface{}) (*api.Application, error) {
	row := s.db.QueryRow(query, args...)
	app, err := scanApp(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query app: %w", err)
	}
	return app, nil
}

func (s *Store) queryMany(query string, args ...interface{}) ([]*api.Application, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()

	var apps []*api.Application
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apps: %w", err)
	}
	return apps, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApp(row rowScanner) (*api.Application, error) {
	var app api.Application
	var status, snapshot sql.NullString
	var adopted int
	var createdAt, updatedAt int64
	var reconciled sql.NullInt64

	err := row.Scan(
		&app.ID, &app.Hostname, &app.CatalogID, &app.Node, &app.ContainerID,
		&status, &adopted, &app.ErrorReason,
		&app.PublicPort, &app.InternalPort, &app.TargetPort, &app.BridgeName, &snapshot,
		&createdAt, &updatedAt, &reconciled,
	)
	if err != nil {
		return nil, err
	}

	app.Status = api.AppStatus(status.String)
	app.IsAdopted = adopted != 0
	app.CreatedAt = time.Unix(createdAt, 0).UTC()
	app.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if reconciled.Valid {
		app.LastReconciledAt = time.Unix(reconciled.Int64, 0).UTC()
	}
	if snapshot.Valid && snapshot.String != "" {
		var snap api.AdoptionSnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode adoption snapshot: %w", err)
		}
		app.AdoptionSnapshot = &snap
	}
	return &app, nil
}

// AppendEvent records one entry in the audit trail
func (s *Store) AppendEvent(event api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO events (id, app_id, action, detail, timestamp) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.AppID, event.Action, event.Detail, event.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail for one application, newest first
func (s *Store) ListEvents(appID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, app_id, action, detail, timestamp FROM events WHERE app_id = ? ORDER BY timestamp DESC",
		appID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []api.Event
	for rows.Next() {
		var e api.Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.AppID, &e.Action, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
