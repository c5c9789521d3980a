package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// Store is a database.Store backed by *sql.DB.
type Store struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

// New wraps an open connection pool. Migrations must have been applied.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.d
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveDetection inserts or updates a detection's identity and attributes.
func (s *Store) SaveDetection(ctx context.Context, det *product.Detection) error {
	attrs, err := json.Marshal(det.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, s.d.Rebind(s.d.UpsertDetection),
		det.ID, det.ImageID, det.Index, string(attrs), string(det.Visibility), det.IsProduct, det.CropLocator, now, now)
	if err != nil {
		return fmt.Errorf("save detection %s: %w", det.ID, err)
	}
	return nil
}

// GetDetection retrieves a detection by ID.
func (s *Store) GetDetection(ctx context.Context, id string) (*product.Detection, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(`
		SELECT id, image_id, idx, attributes, visibility, is_product, crop_locator,
			fully_resolved, chosen_key, selection_method, match_confidence, created_at, updated_at
		FROM detections WHERE id = ?`), id)

	var (
		det        product.Detection
		attrs      string
		visibility string
		chosenKey  sql.NullString
		method     sql.NullString
		confidence sql.NullFloat64
	)
	err := row.Scan(&det.ID, &det.ImageID, &det.Index, &attrs, &visibility, &det.IsProduct, &det.CropLocator,
		&det.FullyResolved, &chosenKey, &method, &confidence, &det.CreatedAt, &det.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", database.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get detection %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attrs), &det.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes of %s: %w", id, err)
	}
	det.Visibility = product.Visibility(visibility)
	det.ChosenKey = chosenKey.String
	det.SelectionMethod = product.SelectionMethod(method.String)
	det.MatchConfidence = confidence.Float64
	return &det, nil
}

const selectCandidate = `
	SELECT detection_id, candidate_key, name, brand, size, image_url, catalog_rank,
		stage, prefilter_score, verdict, ai_confidence, similarity, rationale, created_at, updated_at
	FROM candidates`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(r rowScanner) (product.Candidate, error) {
	var (
		c                                   product.Candidate
		name, brand, size, image            sql.NullString
		rank                                sql.NullInt64
		stage                               string
		verdict, rationale                  sql.NullString
		prefilter, aiConfidence, similarity sql.NullFloat64
	)
	err := r.Scan(&c.DetectionID, &c.Key, &name, &brand, &size, &image, &rank,
		&stage, &prefilter, &verdict, &aiConfidence, &similarity, &rationale, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Name, c.Brand, c.Size, c.ImageURL = name.String, brand.String, size.String, image.String
	c.Rank = int(rank.Int64)
	if c.Stage, err = product.ParseStage(stage); err != nil {
		return c, fmt.Errorf("candidate %s/%s: %w", c.DetectionID, c.Key, err)
	}
	c.Verdict = product.Verdict(verdict.String)
	c.Rationale = rationale.String
	if prefilter.Valid {
		c.PrefilterScore = product.Float(prefilter.Float64)
	}
	if aiConfidence.Valid {
		c.AIConfidence = product.Float(aiConfidence.Float64)
	}
	if similarity.Valid {
		c.Similarity = product.Float(similarity.Float64)
	}
	return c, nil
}

// ListCandidates returns all candidates of a detection ordered by rank, then key.
func (s *Store) ListCandidates(ctx context.Context, detectionID string) ([]product.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectCandidate+`
		WHERE detection_id = ? ORDER BY catalog_rank, candidate_key`), detectionID)
	if err != nil {
		return nil, fmt.Errorf("list candidates of %s: %w", detectionID, err)
	}
	defer rows.Close()

	var out []product.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// GetCandidate retrieves one candidate.
func (s *Store) GetCandidate(ctx context.Context, detectionID, key string) (*product.Candidate, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(selectCandidate+`
		WHERE detection_id = ? AND candidate_key = ?`), detectionID, key)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", database.ErrCandidateNotFound, detectionID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate %s/%s: %w", detectionID, key, err)
	}
	return &c, nil
}

// Upsert inserts or updates one candidate.
func (s *Store) Upsert(ctx context.Context, detectionID, key string, fields database.CandidateFields) error {
	if err := database.ValidateUpsert(detectionID, key, fields); err != nil {
		return err
	}
	return s.upsert(ctx, s.db, detectionID, key, fields)
}

func (s *Store) upsert(ctx context.Context, ex execer, detectionID, key string, f database.CandidateFields) error {
	var name, brand, size, image, rank any
	if m := f.Metadata; m != nil {
		name, brand, size, image, rank = m.Name, m.Brand, m.Size, m.ImageURL, m.Rank
	}
	var verdict, rationale any
	if f.Verdict != nil {
		verdict = string(*f.Verdict)
	}
	if f.Rationale != nil {
		rationale = *f.Rationale
	}
	now := s.now()
	_, err := ex.ExecContext(ctx, s.d.Rebind(s.d.UpsertCandidate),
		detectionID, key, name, brand, size, image, rank,
		string(f.Stage), nullFloat(f.PrefilterScore), verdict, nullFloat(f.AIConfidence), nullFloat(f.Similarity), rationale,
		now, now)
	if err != nil {
		return fmt.Errorf("upsert candidate %s/%s: %w", detectionID, key, err)
	}
	return nil
}

// Commit applies the upserts and the optional resolution in one transaction.
func (s *Store) Commit(ctx context.Context, detectionID string, upserts []database.CandidateUpsert, res *database.Resolution) error {
	for _, u := range upserts {
		if err := database.ValidateUpsert(detectionID, u.Key, u.Fields); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range upserts {
		if err := s.upsert(ctx, tx, detectionID, u.Key, u.Fields); err != nil {
			return err
		}
	}

	if res != nil {
		result, err := tx.ExecContext(ctx, s.d.Rebind(`
			UPDATE detections
			SET fully_resolved = ?, chosen_key = ?, selection_method = ?, match_confidence = ?, updated_at = ?
			WHERE id = ? AND EXISTS (
				SELECT 1 FROM candidates WHERE detection_id = ? AND candidate_key = ?
			)`),
			true, res.ChosenKey, string(res.Method), res.Confidence, s.now(),
			detectionID, detectionID, res.ChosenKey)
		if err != nil {
			return fmt.Errorf("resolve detection %s: %w", detectionID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve detection %s: %w", detectionID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s/%s", database.ErrCandidateNotFound, detectionID, res.ChosenKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detection %s: %w", detectionID, err)
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ database.Store = (*Store)(nil)
