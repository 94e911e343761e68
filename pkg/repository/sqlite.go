package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	mission_id      TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	perceptual_hash TEXT NOT NULL DEFAULT '',
	embedding       BLOB,
	synthetic       TEXT,
	presence        TEXT,
	created_at      INTEGER NOT NULL,
	seq             INTEGER NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_user_status_created
	ON fingerprints (user_id, status, created_at DESC, seq DESC);
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLite implements Repository on a local SQLite file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the database at path. Use ":memory:"
// for an ephemeral database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, goerr.Wrap(err, "failed to apply pragma", goerr.V("pragma", p))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to apply schema")
	}

	return &SQLite{db: db}, nil
}

func (r *SQLite) PutFingerprint(ctx context.Context, fp *model.ImageFingerprint) error {
	if err := fp.Validate(); err != nil {
		return goerr.Wrap(err, "invalid fingerprint")
	}

	synthetic, err := marshalNullable(fp.Synthetic)
	if err != nil {
		return goerr.Wrap(err, "failed to encode synthetic detection", goerr.V("id", fp.ID))
	}
	presence, err := marshalNullable(fp.Presence)
	if err != nil {
		return goerr.Wrap(err, "failed to encode presence detection", goerr.V("id", fp.ID))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fingerprints
			(id, user_id, mission_id, source, perceptual_hash, embedding, synthetic, presence, created_at, seq, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM fingerprints), ?)`,
		string(fp.ID), fp.UserID, fp.MissionID, fp.Source, fp.PerceptualHash,
		encodeVector(fp.Embedding), synthetic, presence,
		fp.CreatedAt.UnixNano(), string(fp.Status),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert fingerprint", goerr.V("id", fp.ID))
	}
	return nil
}

const selectColumns = `id, user_id, mission_id, source, perceptual_hash, embedding, synthetic, presence, created_at, status`

func (r *SQLite) GetFingerprint(ctx context.Context, id model.FingerprintID) (*model.ImageFingerprint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM fingerprints WHERE id = ?`, string(id))
	fp, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get fingerprint", goerr.V("id", id))
	}
	return fp, nil
}

func (r *SQLite) ListActiveFingerprints(ctx context.Context, userID string, limit int) (model.HistorySnapshot, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM fingerprints
		WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, userID, string(model.StatusActive), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query fingerprints", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var results model.HistorySnapshot
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan fingerprint", goerr.V("user_id", userID))
		}
		results = append(results, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate fingerprints", goerr.V("user_id", userID))
	}
	return results, nil
}

func (r *SQLite) UpdateStatus(ctx context.Context, id model.FingerprintID, status model.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `UPDATE fingerprints SET status = ? WHERE id = ?`, string(status), string(id))
	if err != nil {
		return goerr.Wrap(err, "failed to update fingerprint status", goerr.V("id", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows", goerr.V("id", id))
	}
	if n == 0 {
		return goerr.Wrap(ErrNotFound, "no such fingerprint", goerr.V("id", id))
	}
	return nil
}

func (r *SQLite) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return goerr.Wrap(err, "failed to ping sqlite")
	}
	return nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*model.ImageFingerprint, error) {
	var (
		fp                  model.ImageFingerprint
		id, status          string
		embedding           []byte
		synthetic, presence sql.NullString
		createdAt           int64
	)
	if err := row.Scan(&id, &fp.UserID, &fp.MissionID, &fp.Source, &fp.PerceptualHash,
		&embedding, &synthetic, &presence, &createdAt, &status); err != nil {
		return nil, err
	}

	fp.ID = model.FingerprintID(id)
	fp.Status = model.Status(status)
	fp.CreatedAt = time.Unix(0, createdAt).UTC()

	vec, err := decodeVector(embedding)
	if err != nil {
		return nil, goerr.Wrap(err, "broken embedding", goerr.V("id", id))
	}
	fp.Embedding = vec

	if synthetic.Valid {
		fp.Synthetic = &model.SyntheticDetectionResult{}
		if err := json.Unmarshal([]byte(synthetic.String), fp.Synthetic); err != nil {
			return nil, goerr.Wrap(err, "broken synthetic detection", goerr.V("id", id))
		}
	}
	if presence.Valid {
		fp.Presence = &model.PresenceResult{}
		if err := json.Unmarshal([]byte(presence.String), fp.Presence); err != nil {
			return nil, goerr.Wrap(err, "broken presence detection", goerr.V("id", id))
		}
	}

	return &fp, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// encodeVector packs float32 values little-endian
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, goerr.New("embedding blob length is not a multiple of 4", goerr.V("length", len(b)))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
