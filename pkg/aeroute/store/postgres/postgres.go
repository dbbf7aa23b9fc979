package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store with a pgx connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %v", internalerr.ErrStoreUnavailable, err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate executes the embedded .up.sql files in name order.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrations.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// ListAirports returns airports with an IATA code and both coordinates.
func (s *Store) ListAirports(ctx context.Context) ([]store.Airport, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, iata_code, COALESCE(name,''), latitude, longitude, COALESCE(timezone,'')
		FROM airports
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list airports: %w", err)
	}
	defer rows.Close()

	var airports []store.Airport
	for rows.Next() {
		var a store.Airport
		if err := rows.Scan(&a.ID, &a.IATA, &a.Name, &a.Latitude, &a.Longitude, &a.Timezone); err != nil {
			return nil, fmt.Errorf("scan airport: %w", err)
		}
		if !a.Valid() {
			s.logger.Debug("Skipping invalid airport", zap.Int64("id", a.ID))
			continue
		}
		airports = append(airports, a.Normalize())
	}
	return airports, rows.Err()
}

// UpsertAirport inserts or updates an airport keyed by IATA code.
func (s *Store) UpsertAirport(ctx context.Context, a store.Airport) (int64, error) {
	if a.IATA == "" {
		return 0, fmt.Errorf("upsert airport: %w: empty IATA code", internalerr.ErrInvalidInput)
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO airports (iata_code, name, latitude, longitude, timezone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (iata_code) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			timezone = EXCLUDED.timezone
		RETURNING id`,
		a.IATA, a.Name, a.Latitude, a.Longitude, a.Timezone,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert airport %s: %w", a.IATA, err)
	}
	return id, nil
}

// ListRoutes returns every route.
func (s *Store) ListRoutes(ctx context.Context) ([]store.RouteRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, origin_id, destination_id, distance, typical_duration, updated_at
		FROM routes
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var routes []store.RouteRecord
	for rows.Next() {
		var r store.RouteRecord
		if err := rows.Scan(&r.ID, &r.OriginID, &r.DestinationID, &r.Distance, &r.TypicalDuration, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// UpsertRoute inserts a route or averages the stored typical duration.
func (s *Store) UpsertRoute(ctx context.Context, originID, destinationID int64, distance, duration float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO routes (origin_id, destination_id, distance, typical_duration)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (origin_id, destination_id) DO UPDATE SET
			typical_duration = (routes.typical_duration + EXCLUDED.typical_duration) / 2,
			updated_at = NOW()`,
		originID, destinationID, distance, duration,
	)
	if err != nil {
		return fmt.Errorf("upsert route %d->%d: %w", originID, destinationID, err)
	}
	return nil
}

// ListActiveRules returns active rules by descending priority.
func (s *Store) ListActiveRules(ctx context.Context) ([]store.RuleRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, rule_type, condition_json, action_json, priority, is_active, updated_at
		FROM rules
		WHERE is_active
		ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []store.RuleRecord
	for rows.Next() {
		var (
			r                 store.RuleRecord
			condJSON, actJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.Type, &condJSON, &actJSON, &r.Priority, &r.Active, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.Condition, err = rules.UnmarshalCondition(condJSON); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		if r.Action, err = rules.UnmarshalAction(actJSON); err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts a rule or shifts the priority of the matching one.
func (s *Store) UpsertRule(ctx context.Context, r store.RuleRecord, conflictAdjustment int) error {
	condJSON, err := rules.MarshalCondition(r.Condition)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	actJSON, err := rules.MarshalAction(r.Action)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO rules (rule_type, condition_json, action_json, priority, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rule_type, condition_json) DO UPDATE SET
			priority = GREATEST(0, rules.priority + $6),
			updated_at = NOW()`,
		r.Type, string(condJSON), string(actJSON), r.Priority, r.Active, conflictAdjustment,
	)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Type, err)
	}
	return nil
}

// ListWeatherConstraints returns every constraint.
func (s *Store) ListWeatherConstraints(ctx context.Context) ([]store.WeatherConstraint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT condition_type, min_value, max_value, COALESCE(unit,''), updated_at
		FROM weather_constraints
		ORDER BY condition_type`)
	if err != nil {
		return nil, fmt.Errorf("list weather constraints: %w", err)
	}
	defer rows.Close()

	var out []store.WeatherConstraint
	for rows.Next() {
		var c store.WeatherConstraint
		if err := rows.Scan(&c.ConditionType, &c.Min, &c.Max, &c.Unit, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan weather constraint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertWeatherConstraint inserts or replaces a constraint.
func (s *Store) UpsertWeatherConstraint(ctx context.Context, c store.WeatherConstraint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO weather_constraints (condition_type, min_value, max_value, unit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (condition_type) DO UPDATE SET
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			unit = EXCLUDED.unit,
			updated_at = NOW()`,
		c.ConditionType, c.Min, c.Max, c.Unit,
	)
	if err != nil {
		return fmt.Errorf("upsert weather constraint %s: %w", c.ConditionType, err)
	}
	return nil
}

// AdjustWeatherConstraint overwrites the non-nil bounds.
func (s *Store) AdjustWeatherConstraint(ctx context.Context, conditionType string, newMin, newMax *float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE weather_constraints
		SET min_value = COALESCE($1, min_value),
		    max_value = COALESCE($2, max_value),
		    updated_at = NOW()
		WHERE condition_type = $3`,
		newMin, newMax, conditionType,
	)
	if err != nil {
		return fmt.Errorf("adjust weather constraint %s: %w", conditionType, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("weather constraint %s: %w", conditionType, internalerr.ErrNotFound)
	}
	return nil
}

// AppendLearningMetric inserts the metric, re-reads it and commits.
func (s *Store) AppendLearningMetric(ctx context.Context, m store.LearningMetric) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin metric tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO learning_metrics (id, metric_type, value, timestamp)
		VALUES ($1, $2, $3, $4)`,
		m.ID.String(), m.Type, m.Value, m.Timestamp,
	); err != nil {
		return fmt.Errorf("insert metric %s: %w", m.Type, err)
	}

	var value float64
	err = tx.QueryRow(ctx, `SELECT value FROM learning_metrics WHERE id = $1`, m.ID.String()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("verify metric %s: %w", m.Type, internalerr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("verify metric %s: %w", m.Type, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit metric %s: %w", m.Type, err)
	}
	return nil
}

// Summary aggregates routes, active rules and learning metrics.
func (s *Store) Summary(ctx context.Context) (store.Summary, error) {
	var sum store.Summary

	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(distance), 0)::float8,
		       COALESCE(AVG(typical_duration), 0)::float8,
		       COALESCE(MIN(typical_duration), 0)::float8,
		       COALESCE(MAX(typical_duration), 0)::float8
		FROM routes`,
	).Scan(&sum.Routes.Total, &sum.Routes.AvgDistance, &sum.Routes.AvgDuration, &sum.Routes.MinDuration, &sum.Routes.MaxDuration)
	if err != nil {
		return store.Summary{}, fmt.Errorf("route summary: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT rule_type, COUNT(*), AVG(priority)::float8
		FROM rules
		WHERE is_active
		GROUP BY rule_type
		ORDER BY rule_type`)
	if err != nil {
		return store.Summary{}, fmt.Errorf("rule summary: %w", err)
	}
	sum.Rules, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RuleStats, error) {
		var rs store.RuleStats
		err := row.Scan(&rs.Type, &rs.Count, &rs.AvgPriority)
		return rs, err
	})
	if err != nil {
		return store.Summary{}, fmt.Errorf("scan rule summary: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT metric_type, COUNT(*), AVG(value)::float8, MIN(timestamp), MAX(timestamp)
		FROM learning_metrics
		GROUP BY metric_type
		ORDER BY metric_type`)
	if err != nil {
		return store.Summary{}, fmt.Errorf("metric summary: %w", err)
	}
	sum.Metrics, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MetricStats, error) {
		var ms store.MetricStats
		err := row.Scan(&ms.Type, &ms.Count, &ms.AvgValue, &ms.First, &ms.Last)
		return ms, err
	})
	if err != nil {
		return store.Summary{}, fmt.Errorf("scan metric summary: %w", err)
	}
	return sum, nil
}
