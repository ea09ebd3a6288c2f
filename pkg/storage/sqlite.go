package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS house_state (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		json    TEXT NOT NULL,
		updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		id        TEXT PRIMARY KEY,
		house_id  TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		json      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_house ON telemetry(house_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_time ON telemetry(timestamp);

	CREATE TABLE IF NOT EXISTS switch_history (
		id        TEXT PRIMARY KEY,
		house_id  TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		json      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_switch_history_time ON switch_history(timestamp);
`

// SQLiteProvider implements the Database interface with an embedded SQLite
// file. Timestamps are stored as unix nanoseconds.
type SQLiteProvider struct {
	pool     *sqlitex.Pool
	path     string
	poolSize int
}

// configuredSQLite sets up the SQLite provider.
// It registers flags for configuration.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "phaserudder.db", "Path to the SQLite database file")

	s := &SQLiteProvider{poolSize: 4}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// NewSQLite returns an initialized provider for path. Use ":memory:" only
// with a pool size of 1 since every in-memory connection is independent.
func NewSQLite(ctx context.Context, path string, poolSize int) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path, poolSize: poolSize}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite path cannot be empty")
	}
	if s.poolSize <= 0 {
		return fmt.Errorf("sqlite pool size must be positive")
	}
	return nil
}

// Init opens the pool and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	pool, err := sqlitex.NewPool(s.path, sqlitex.PoolOptions{
		PoolSize: s.poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	s.pool = pool
	log.Ctx(ctx).InfoContext(ctx, "sqlite pool opened", slog.String("path", s.path), slog.Int("poolSize", s.poolSize))
	return nil
}

// Close closes every connection in the pool.
func (s *SQLiteProvider) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

func (s *SQLiteProvider) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to take sqlite connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *SQLiteProvider) SaveState(ctx context.Context, houses []types.HouseState) error {
	jsonStr, err := marshalState(houses)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO house_state (id, json, updated) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET json = excluded.json, updated = excluded.updated`, &sqlitex.ExecOptions{
			Args: []any{jsonStr, time.Now().UnixNano()},
		})
		if err != nil {
			return fmt.Errorf("failed to save house state: %w", err)
		}
		return nil
	})
}

func (s *SQLiteProvider) LoadState(ctx context.Context) ([]types.HouseState, error) {
	var jsonStr string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT json FROM house_state WHERE id = 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jsonStr = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load house state: %w", err)
	}
	if jsonStr == "" {
		return nil, nil
	}
	return unmarshalState(jsonStr)
}

func (s *SQLiteProvider) AppendTelemetry(ctx context.Context, event types.TelemetryEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO telemetry (id, house_id, timestamp, json) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET house_id = excluded.house_id, timestamp = excluded.timestamp, json = excluded.json`, &sqlitex.ExecOptions{
			Args: []any{event.ID, event.HouseID, event.Timestamp.UnixNano(), string(jsonBytes)},
		})
		if err != nil {
			return fmt.Errorf("failed to append telemetry: %w", err)
		}
		return nil
	})
}

func (s *SQLiteProvider) AppendSwitch(ctx context.Context, event types.SwitchEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal switch event: %w", err)
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO switch_history (id, house_id, timestamp, json) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET house_id = excluded.house_id, timestamp = excluded.timestamp, json = excluded.json`, &sqlitex.ExecOptions{
			Args: []any{event.ID, event.HouseID, event.Timestamp.UnixNano(), string(jsonBytes)},
		})
		if err != nil {
			return fmt.Errorf("failed to append switch: %w", err)
		}
		return nil
	})
}

func (s *SQLiteProvider) GetSwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	var events []types.SwitchEvent
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT json FROM switch_history ORDER BY timestamp DESC, id DESC LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var e types.SwitchEvent
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &e); err != nil {
					return fmt.Errorf("failed to unmarshal switch event: %w", err)
				}
				events = append(events, e)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get switch history: %w", err)
	}
	return events, nil
}

func (s *SQLiteProvider) GetTelemetryHistory(ctx context.Context, houseID string, since time.Time) ([]types.TelemetryEvent, error) {
	events, err := s.queryTelemetry(ctx, `SELECT json FROM telemetry WHERE house_id = ? AND timestamp >= ? ORDER BY timestamp ASC, id ASC`,
		houseID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to get telemetry history: %w", err)
	}
	return events, nil
}

func (s *SQLiteProvider) GetLatestTelemetry(ctx context.Context, since time.Time) (map[string]types.TelemetryEvent, error) {
	events, err := s.queryTelemetry(ctx, `SELECT json FROM telemetry WHERE timestamp >= ? ORDER BY timestamp ASC`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to get latest telemetry: %w", err)
	}
	return latestPerHouse(events, since), nil
}

func (s *SQLiteProvider) queryTelemetry(ctx context.Context, query string, args ...any) ([]types.TelemetryEvent, error) {
	var events []types.TelemetryEvent
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var e types.TelemetryEvent
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &e); err != nil {
					return fmt.Errorf("failed to unmarshal telemetry event: %w", err)
				}
				events = append(events, e)
				return nil
			},
		})
	})
	return events, err
}

func (s *SQLiteProvider) ClearTelemetry(ctx context.Context) error {
	return s.clearTable(ctx, "telemetry")
}

func (s *SQLiteProvider) ClearSwitchHistory(ctx context.Context) error {
	return s.clearTable(ctx, "switch_history")
}

func (s *SQLiteProvider) clearTable(ctx context.Context, table string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer endTransaction(&err)

		if err = sqlitex.Execute(conn, "DELETE FROM "+table, nil); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
		log.Ctx(ctx).InfoContext(ctx, "cleared table", slog.String("table", table), slog.Int("rows", conn.Changes()))
		return nil
	})
}
