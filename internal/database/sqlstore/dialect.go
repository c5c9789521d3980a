// Package sqlstore implements database.Store on database/sql. The postgres,
// sqlite and mariadb backends differ only in their Dialect.
package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between backends. Queries in this
// package are written with "?" placeholders and rebound when Numbered is set.
type Dialect struct {
	Name string
	// Numbered rewrites "?" placeholders as $1, $2, ... (PostgreSQL).
	Numbered bool
	// MigrationsTable creates the schema_migrations bookkeeping table.
	MigrationsTable string
	// UpsertDetection and UpsertCandidate are the dialect's insert-or-update statements.
	UpsertDetection string
	UpsertCandidate string
}

const candidateColumns = `detection_id, candidate_key, name, brand, size, image_url, catalog_rank,
	stage, prefilter_score, verdict, ai_confidence, similarity, rationale, created_at, updated_at`

const candidateValues = `(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const detectionColumns = `id, image_id, idx, attributes, visibility, is_product, crop_locator, created_at, updated_at`

const detectionValues = `(?, ?, ?, ?, ?, ?, ?, ?, ?)`

// onConflictCandidate is shared by PostgreSQL and SQLite, which both support
// ON CONFLICT ... DO UPDATE with the excluded pseudo-table.
const onConflictCandidate = `INSERT INTO candidates (` + candidateColumns + `) VALUES ` + candidateValues + `
	ON CONFLICT (detection_id, candidate_key) DO UPDATE SET
		name = COALESCE(excluded.name, candidates.name),
		brand = COALESCE(excluded.brand, candidates.brand),
		size = COALESCE(excluded.size, candidates.size),
		image_url = COALESCE(excluded.image_url, candidates.image_url),
		catalog_rank = COALESCE(excluded.catalog_rank, candidates.catalog_rank),
		stage = excluded.stage,
		prefilter_score = COALESCE(excluded.prefilter_score, candidates.prefilter_score),
		verdict = COALESCE(excluded.verdict, candidates.verdict),
		ai_confidence = COALESCE(excluded.ai_confidence, candidates.ai_confidence),
		similarity = COALESCE(excluded.similarity, candidates.similarity),
		rationale = COALESCE(excluded.rationale, candidates.rationale),
		updated_at = excluded.updated_at`

const onConflictDetection = `INSERT INTO detections (` + detectionColumns + `) VALUES ` + detectionValues + `
	ON CONFLICT (id) DO UPDATE SET
		image_id = excluded.image_id,
		idx = excluded.idx,
		attributes = excluded.attributes,
		visibility = excluded.visibility,
		is_product = excluded.is_product,
		crop_locator = excluded.crop_locator,
		updated_at = excluded.updated_at`

// Postgres is the PostgreSQL dialect.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	MigrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	UpsertDetection: onConflictDetection,
	UpsertCandidate: onConflictCandidate,
}

// SQLite is the SQLite dialect.
var SQLite = Dialect{
	Name: "sqlite",
	MigrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	UpsertDetection: onConflictDetection,
	UpsertCandidate: onConflictCandidate,
}

// MySQL is the MariaDB/MySQL dialect. VALUES(col) refers to the value the
// INSERT would have written.
var MySQL = Dialect{
	Name: "mysql",
	MigrationsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	UpsertDetection: `INSERT INTO detections (` + detectionColumns + `) VALUES ` + detectionValues + `
	ON DUPLICATE KEY UPDATE
		image_id = VALUES(image_id),
		idx = VALUES(idx),
		attributes = VALUES(attributes),
		visibility = VALUES(visibility),
		is_product = VALUES(is_product),
		crop_locator = VALUES(crop_locator),
		updated_at = VALUES(updated_at)`,
	UpsertCandidate: `INSERT INTO candidates (` + candidateColumns + `) VALUES ` + candidateValues + `
	ON DUPLICATE KEY UPDATE
		name = COALESCE(VALUES(name), name),
		brand = COALESCE(VALUES(brand), brand),
		size = COALESCE(VALUES(size), size),
		image_url = COALESCE(VALUES(image_url), image_url),
		catalog_rank = COALESCE(VALUES(catalog_rank), catalog_rank),
		stage = VALUES(stage),
		prefilter_score = COALESCE(VALUES(prefilter_score), prefilter_score),
		verdict = COALESCE(VALUES(verdict), verdict),
		ai_confidence = COALESCE(VALUES(ai_confidence), ai_confidence),
		similarity = COALESCE(VALUES(similarity), similarity),
		rationale = COALESCE(VALUES(rationale), rationale),
		updated_at = VALUES(updated_at)`,
}

// Rebind converts "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := range len(query) {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
