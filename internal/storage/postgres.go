package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	return NewPostgresStoreFromDSN(ctx, cfg.DSN(), cfg.MaxConns)
}

func NewPostgresStoreFromDSN(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Identities ---

const identityColumns = `i.id, i.kind, i.last_name, i.first_name, i.patronymic, i.attributes, i.created_at`

func scanIdentity(row pgx.Row) (models.Identity, error) {
	var (
		id    models.Identity
		kind  models.Kind
		attrs []byte
	)
	if err := row.Scan(&id.ID, &kind, &id.LastName, &id.FirstName, &id.Patronymic, &attrs, &id.CreatedAt); err != nil {
		return id, err
	}
	profile, err := models.UnmarshalProfile(kind, attrs)
	if err != nil {
		return id, err
	}
	id.Profile = profile
	return id, nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, in models.NewIdentity) (*models.Identity, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	kind, attrs, err := models.MarshalProfile(in.Profile)
	if err != nil {
		return nil, err
	}

	id := &models.Identity{
		LastName:   strings.TrimSpace(in.LastName),
		FirstName:  strings.TrimSpace(in.FirstName),
		Patronymic: strings.TrimSpace(in.Patronymic),
		Profile:    in.Profile,
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO identities (kind, last_name, first_name, patronymic, attributes)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		string(kind), id.LastName, id.FirstName, id.Patronymic, attrs,
	).Scan(&id.ID, &id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities i WHERE i.id = $1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %d: %w", id, err)
	}
	return &identity, nil
}

// ListIdentities returns identities of kind ("" for all) whose name parts,
// group or position contain search, ordered by last and first name.
func (s *PostgresStore) ListIdentities(ctx context.Context, kind models.Kind, search string) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+`
		 FROM identities i
		 WHERE ($1 = '' OR i.kind = $1)
		   AND ($2 = '' OR `+identityMatch("$2")+`)
		 ORDER BY i.last_name, i.first_name, i.id`,
		string(kind), strings.TrimSpace(search))
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// ListIdentitiesByKind implements gallery.IdentityLister.
func (s *PostgresStore) ListIdentitiesByKind(ctx context.Context, kind models.Kind) ([]models.Identity, error) {
	return s.ListIdentities(ctx, kind, "")
}

// identityMatch is a case-insensitive substring filter over the searchable identity fields.
func identityMatch(param string) string {
	pattern := `'%' || ` + param + ` || '%'`
	return `(i.last_name ILIKE ` + pattern +
		` OR i.first_name ILIKE ` + pattern +
		` OR i.patronymic ILIKE ` + pattern +
		` OR i.attributes->>'group' ILIKE ` + pattern +
		` OR i.attributes->>'position' ILIKE ` + pattern + `)`
}

// DeleteIdentity removes an identity; samples and attendance go with it.
func (s *PostgresStore) DeleteIdentity(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Face samples ---

func (s *PostgresStore) AddSample(ctx context.Context, identityID int64, sourceKey string, embedding []float32) (*models.FaceSample, error) {
	fs := &models.FaceSample{
		IdentityID: identityID,
		SourceKey:  sourceKey,
		Embedding:  embedding,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO face_samples (identity_id, source_key, embedding) VALUES ($1, $2, $3) RETURNING id, created_at`,
		identityID, sourceKey, pgvector.NewVector(embedding),
	).Scan(&fs.ID, &fs.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add face sample: %w", err)
	}
	return fs, nil
}

// ListSamples returns an identity's samples in enrollment order, without embeddings.
func (s *PostgresStore) ListSamples(ctx context.Context, identityID int64) ([]models.FaceSample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, identity_id, source_key, created_at FROM face_samples WHERE identity_id = $1 ORDER BY id`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("list face samples: %w", err)
	}
	defer rows.Close()

	var samples []models.FaceSample
	for rows.Next() {
		var fs models.FaceSample
		if err := rows.Scan(&fs.ID, &fs.IdentityID, &fs.SourceKey, &fs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan face sample: %w", err)
		}
		samples = append(samples, fs)
	}
	return samples, rows.Err()
}

type SearchMatch struct {
	IdentityID int64   `json:"identity_id"`
	Name       string  `json:"name"`
	SampleKey  string  `json:"sample_key"`
	Score      float64 `json:"score"`
}

// SearchSamples finds the closest stored samples of kind by cosine similarity.
func (s *PostgresStore) SearchSamples(ctx context.Context, embedding []float32, kind models.Kind, threshold float64, limit int) ([]SearchMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.last_name, i.first_name, i.patronymic, fs.source_key,
		       1 - (fs.embedding <=> $1) AS score
		FROM face_samples fs
		JOIN identities i ON i.id = fs.identity_id
		WHERE ($2 = '' OR i.kind = $2)
		  AND 1 - (fs.embedding <=> $1) >= $3
		ORDER BY fs.embedding <=> $1, fs.id
		LIMIT $4`,
		vec, string(kind), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search samples: %w", err)
	}
	defer rows.Close()

	var matches []SearchMatch
	for rows.Next() {
		var (
			m                     SearchMatch
			last, first, patronym string
		)
		if err := rows.Scan(&m.IdentityID, &last, &first, &patronym, &m.SampleKey, &m.Score); err != nil {
			return nil, fmt.Errorf("scan search match: %w", err)
		}
		m.Name = models.ComposeName(last, first, patronym)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Attendance ---

// AppendEvent inserts an event unconditionally.
func (s *PostgresStore) AppendEvent(ctx context.Context, identityID int64, ts time.Time) (*models.AttendanceEvent, error) {
	ev := &models.AttendanceEvent{IdentityID: identityID, Timestamp: ts}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attendance (identity_id, timestamp) VALUES ($1, $2) RETURNING id`,
		identityID, ts,
	).Scan(&ev.ID)
	if err != nil {
		return nil, fmt.Errorf("append attendance for %d: %w", identityID, err)
	}
	return ev, nil
}

// AppendIfAbsent inserts an event unless identityID already has one in
// [from, to). The check and the insert run in one transaction holding a
// per-identity advisory lock, so concurrent writers cannot both insert.
// It returns a nil event and false when an existing event was found.
func (s *PostgresStore) AppendIfAbsent(ctx context.Context, identityID int64, from, to, ts time.Time) (*models.AttendanceEvent, bool, error) {
	var ev *models.AttendanceEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, identityID); err != nil {
			return fmt.Errorf("lock identity: %w", err)
		}
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM attendance WHERE identity_id = $1 AND timestamp >= $2 AND timestamp < $3)`,
			identityID, from, to,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check attendance: %w", err)
		}
		if exists {
			return nil
		}
		ev = &models.AttendanceEvent{IdentityID: identityID, Timestamp: ts}
		return tx.QueryRow(ctx,
			`INSERT INTO attendance (identity_id, timestamp) VALUES ($1, $2) RETURNING id`,
			identityID, ts,
		).Scan(&ev.ID)
	})
	if err != nil {
		return nil, false, fmt.Errorf("append attendance for %d: %w", identityID, err)
	}
	return ev, ev != nil, nil
}

// HasEventBetween reports whether identityID has an event in [from, to).
func (s *PostgresStore) HasEventBetween(ctx context.Context, identityID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attendance WHERE identity_id = $1 AND timestamp >= $2 AND timestamp < $3)`,
		identityID, from, to,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attendance for %d: %w", identityID, err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attendance WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attendance %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const attendanceSelect = `
	SELECT ` + identityColumns + `, a.id, a.timestamp
	FROM attendance a
	JOIN identities i ON i.id = a.identity_id`

// AttendanceBetween groups events in [from, to) per identity of kind ("" for all).
func (s *PostgresStore) AttendanceBetween(ctx context.Context, kind models.Kind, from, to time.Time) ([]models.AttendanceRow, error) {
	return s.queryAttendance(ctx, attendanceSelect+`
		WHERE ($1 = '' OR i.kind = $1) AND a.timestamp >= $2 AND a.timestamp < $3
		ORDER BY i.last_name, i.first_name, i.id, a.timestamp`,
		string(kind), from, to)
}

// SearchAttendance groups all events of identities matching text.
func (s *PostgresStore) SearchAttendance(ctx context.Context, kind models.Kind, text string) ([]models.AttendanceRow, error) {
	return s.queryAttendance(ctx, attendanceSelect+`
		WHERE ($1 = '' OR i.kind = $1) AND `+identityMatch("$2")+`
		ORDER BY i.last_name, i.first_name, i.id, a.timestamp`,
		string(kind), strings.TrimSpace(text))
}

// AttendanceByDate groups events whose local date in loc matches p.
func (s *PostgresStore) AttendanceByDate(ctx context.Context, kind models.Kind, p attendance.DatePattern, loc *time.Location) ([]models.AttendanceRow, error) {
	return s.queryAttendance(ctx, attendanceSelect+`
		WHERE ($1 = '' OR i.kind = $1)
		  AND ($3 = 0 OR EXTRACT(DAY FROM a.timestamp AT TIME ZONE $2) = $3)
		  AND ($4 = 0 OR EXTRACT(MONTH FROM a.timestamp AT TIME ZONE $2) = $4)
		  AND ($5 = 0 OR EXTRACT(YEAR FROM a.timestamp AT TIME ZONE $2) = $5)
		ORDER BY i.last_name, i.first_name, i.id, a.timestamp`,
		string(kind), loc.String(), p.Day, p.Month, p.Year)
}

func (s *PostgresStore) queryAttendance(ctx context.Context, query string, args ...any) ([]models.AttendanceRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var (
		result []models.AttendanceRow
		index  = map[int64]int{}
	)
	for rows.Next() {
		var (
			id    models.Identity
			kind  models.Kind
			attrs []byte
			ev    models.AttendanceEvent
		)
		if err := rows.Scan(&id.ID, &kind, &id.LastName, &id.FirstName, &id.Patronymic, &attrs, &id.CreatedAt,
			&ev.ID, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		ev.IdentityID = id.ID

		pos, ok := index[id.ID]
		if !ok {
			row := models.AttendanceRow{IdentityID: id.ID, Name: id.DisplayName(), Kind: kind}
			if profile, err := models.UnmarshalProfile(kind, attrs); err == nil {
				row.Affiliation = profile.Affiliation()
			}
			result = append(result, row)
			pos = len(result) - 1
			index[id.ID] = pos
		}
		result[pos].Events = append(result[pos].Events, ev)
	}
	return result, rows.Err()
}
