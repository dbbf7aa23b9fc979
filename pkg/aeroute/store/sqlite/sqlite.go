package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// timeLayout is fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteStore implements the Store interface using SQLite
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens a SQLite database with WAL mode enabled and creates the
// schema if needed.
func OpenSQLite(ctx context.Context, path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	// modernc's driver serializes writers per connection; a single
	// connection keeps transactions from seeing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS airports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	iata_code TEXT UNIQUE NOT NULL,
	name TEXT,
	latitude REAL,
	longitude REAL,
	timezone TEXT
);

CREATE TABLE IF NOT EXISTS routes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	origin_id INTEGER NOT NULL,
	destination_id INTEGER NOT NULL,
	distance REAL NOT NULL,
	typical_duration REAL NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(origin_id, destination_id),
	FOREIGN KEY(origin_id) REFERENCES airports(id) ON DELETE CASCADE,
	FOREIGN KEY(destination_id) REFERENCES airports(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_type TEXT NOT NULL,
	condition_json TEXT NOT NULL,
	action_json TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL,
	UNIQUE(rule_type, condition_json)
);

CREATE TABLE IF NOT EXISTS weather_constraints (
	condition_type TEXT PRIMARY KEY,
	min_value REAL NOT NULL,
	max_value REAL NOT NULL,
	unit TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_metrics (
	id TEXT PRIMARY KEY,
	metric_type TEXT NOT NULL,
	value REAL NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_metrics_type ON learning_metrics(metric_type, timestamp);
`

	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *sqliteStore) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ListAirports returns airports with an IATA code and both coordinates.
func (s *sqliteStore) ListAirports(ctx context.Context) ([]store.Airport, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, iata_code, name, latitude, longitude, timezone
FROM airports
WHERE iata_code IS NOT NULL AND latitude IS NOT NULL AND longitude IS NOT NULL
ORDER BY id;
`)
	if err != nil {
		return nil, fmt.Errorf("list airports: %w", err)
	}
	defer rows.Close()

	var airports []store.Airport
	for rows.Next() {
		var (
			a        store.Airport
			name, tz sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.IATA, &name, &a.Latitude, &a.Longitude, &tz); err != nil {
			return nil, fmt.Errorf("scan airport: %w", err)
		}
		a.Name = name.String
		a.Timezone = tz.String
		if !a.Valid() {
			continue
		}
		airports = append(airports, a.Normalize())
	}
	return airports, rows.Err()
}

// UpsertAirport inserts or updates an airport keyed by IATA code.
func (s *sqliteStore) UpsertAirport(ctx context.Context, a store.Airport) (int64, error) {
	if a.IATA == "" {
		return 0, fmt.Errorf("upsert airport: %w: empty IATA code", internalerr.ErrInvalidInput)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO airports (iata_code, name, latitude, longitude, timezone)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(iata_code) DO UPDATE SET
	name=excluded.name,
	latitude=excluded.latitude,
	longitude=excluded.longitude,
	timezone=excluded.timezone
RETURNING id;
`, a.IATA, a.Name, a.Latitude, a.Longitude, a.Timezone).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert airport %s: %w", a.IATA, err)
	}
	return id, nil
}

// ListRoutes returns every route.
func (s *sqliteStore) ListRoutes(ctx context.Context) ([]store.RouteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, origin_id, destination_id, distance, typical_duration, updated_at
FROM routes
ORDER BY id;
`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []store.RouteRecord
	for rows.Next() {
		var (
			r       store.RouteRecord
			updated string
		)
		if err := rows.Scan(&r.ID, &r.OriginID, &r.DestinationID, &r.Distance, &r.TypicalDuration, &updated); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		r.UpdatedAt = parseTime(updated)
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// UpsertRoute inserts a route or averages the stored typical duration.
func (s *sqliteStore) UpsertRoute(ctx context.Context, originID, destinationID int64, distance, duration float64) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO routes (origin_id, destination_id, distance, typical_duration, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(origin_id, destination_id) DO UPDATE SET
	typical_duration=(routes.typical_duration + excluded.typical_duration) / 2,
	updated_at=excluded.updated_at;
`, originID, destinationID, distance, duration, now, now)
	if err != nil {
		return fmt.Errorf("upsert route %d->%d: %w", originID, destinationID, err)
	}
	return nil
}

// ListActiveRules returns active rules by descending priority.
func (s *sqliteStore) ListActiveRules(ctx context.Context) ([]store.RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, rule_type, condition_json, action_json, priority, is_active, updated_at
FROM rules
WHERE is_active = 1
ORDER BY priority DESC, id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []store.RuleRecord
	for rows.Next() {
		var (
			r                 store.RuleRecord
			condJSON, actJSON string
			active            int
			updated           string
		)
		if err := rows.Scan(&r.ID, &r.Type, &condJSON, &actJSON, &r.Priority, &active, &updated); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.Condition, err = rules.UnmarshalCondition([]byte(condJSON)); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if r.Action, err = rules.UnmarshalAction([]byte(actJSON)); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		r.Active = active != 0
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts a rule or shifts the priority of the matching one.
func (s *sqliteStore) UpsertRule(ctx context.Context, r store.RuleRecord, conflictAdjustment int) error {
	condJSON, err := rules.MarshalCondition(r.Condition)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	actJSON, err := rules.MarshalAction(r.Action)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO rules (rule_type, condition_json, action_json, priority, is_active, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(rule_type, condition_json) DO UPDATE SET
	priority=MAX(0, rules.priority + ?),
	updated_at=excluded.updated_at;
`, r.Type, string(condJSON), string(actJSON), r.Priority, boolToInt(r.Active), s.stamp(), conflictAdjustment)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Type, err)
	}
	return nil
}

// ListWeatherConstraints returns every constraint.
func (s *sqliteStore) ListWeatherConstraints(ctx context.Context) ([]store.WeatherConstraint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT condition_type, min_value, max_value, unit, updated_at
FROM weather_constraints
ORDER BY condition_type;
`)
	if err != nil {
		return nil, fmt.Errorf("list weather constraints: %w", err)
	}
	defer rows.Close()

	var out []store.WeatherConstraint
	for rows.Next() {
		var (
			c       store.WeatherConstraint
			unit    sql.NullString
			updated string
		)
		if err := rows.Scan(&c.ConditionType, &c.Min, &c.Max, &unit, &updated); err != nil {
			return nil, fmt.Errorf("scan weather constraint: %w", err)
		}
		c.Unit = unit.String
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertWeatherConstraint inserts or replaces a constraint.
func (s *sqliteStore) UpsertWeatherConstraint(ctx context.Context, c store.WeatherConstraint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO weather_constraints (condition_type, min_value, max_value, unit, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(condition_type) DO UPDATE SET
	min_value=excluded.min_value,
	max_value=excluded.max_value,
	unit=excluded.unit,
	updated_at=excluded.updated_at;
`, c.ConditionType, c.Min, c.Max, c.Unit, s.stamp())
	if err != nil {
		return fmt.Errorf("upsert weather constraint %s: %w", c.ConditionType, err)
	}
	return nil
}

// AdjustWeatherConstraint overwrites the non-nil bounds.
func (s *sqliteStore) AdjustWeatherConstraint(ctx context.Context, conditionType string, newMin, newMax *float64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE weather_constraints
SET
	min_value=COALESCE(?, min_value),
	max_value=COALESCE(?, max_value),
	updated_at=?
WHERE condition_type=?;
`, newMin, newMax, s.stamp(), conditionType)
	if err != nil {
		return fmt.Errorf("adjust weather constraint %s: %w", conditionType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust weather constraint %s: %w", conditionType, err)
	}
	if n == 0 {
		return fmt.Errorf("weather constraint %s: %w", conditionType, internalerr.ErrNotFound)
	}
	return nil
}

// AppendLearningMetric inserts the metric, re-reads it and commits.
func (s *sqliteStore) AppendLearningMetric(ctx context.Context, m store.LearningMetric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO learning_metrics (id, metric_type, value, timestamp)
VALUES (?, ?, ?, ?);
`, m.ID.String(), m.Type, m.Value, m.Timestamp.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("insert metric %s: %w", m.Type, err)
	}

	var value float64
	err = tx.QueryRowContext(ctx, `SELECT value FROM learning_metrics WHERE id = ?`, m.ID.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("verify metric %s: %w", m.Type, internalerr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("verify metric %s: %w", m.Type, err)
	}

	return tx.Commit()
}

// Summary aggregates routes, active rules and learning metrics.
func (s *sqliteStore) Summary(ctx context.Context) (store.Summary, error) {
	var sum store.Summary

	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(AVG(distance), 0),
	COALESCE(AVG(typical_duration), 0),
	COALESCE(MIN(typical_duration), 0),
	COALESCE(MAX(typical_duration), 0)
FROM routes;
`).Scan(&sum.Routes.Total, &sum.Routes.AvgDistance, &sum.Routes.AvgDuration, &sum.Routes.MinDuration, &sum.Routes.MaxDuration)
	if err != nil {
		return store.Summary{}, fmt.Errorf("route summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT rule_type, COUNT(*), AVG(priority)
FROM rules
WHERE is_active = 1
GROUP BY rule_type
ORDER BY rule_type;
`)
	if err != nil {
		return store.Summary{}, fmt.Errorf("rule summary: %w", err)
	}
	for rows.Next() {
		var rs store.RuleStats
		if err := rows.Scan(&rs.Type, &rs.Count, &rs.AvgPriority); err != nil {
			rows.Close()
			return store.Summary{}, fmt.Errorf("scan rule summary: %w", err)
		}
		sum.Rules = append(sum.Rules, rs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.Summary{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT metric_type, COUNT(*), AVG(value), MIN(timestamp), MAX(timestamp)
FROM learning_metrics
GROUP BY metric_type
ORDER BY metric_type;
`)
	if err != nil {
		return store.Summary{}, fmt.Errorf("metric summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ms          store.MetricStats
			first, last string
		)
		if err := rows.Scan(&ms.Type, &ms.Count, &ms.AvgValue, &first, &last); err != nil {
			return store.Summary{}, fmt.Errorf("scan metric summary: %w", err)
		}
		ms.First = parseTime(first)
		ms.Last = parseTime(last)
		sum.Metrics = append(sum.Metrics, ms)
	}
	return sum, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
