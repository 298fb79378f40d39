package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/ctxrevival/internal/lexical"
)

// timeLayout is fixed-width so that created_at sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// maxQueryTerms bounds the size of the generated FTS5 expression.
const maxQueryTerms = 16

const recordColumns = `r.id, r.session_id, r.prompt, r.payload, r.payload_compressed,
	r.files, r.outcome, r.metadata, r.content_hash, r.created_at`

// ContentHash returns the deduplication hash of a record: hex SHA-256 over
// prompt, payload and the normalized file list, NUL separated. Metadata does
// not participate.
func ContentHash(prompt, payload string, files []string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	for _, f := range NormalizeFiles(files) {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeFiles converts paths to forward slashes, cleans them, drops blanks
// and removes duplicates while keeping first-occurrence order.
func NormalizeFiles(files []string) []string {
	out := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		f = strings.TrimSpace(strings.ReplaceAll(f, "\\", "/"))
		if f == "" {
			continue
		}
		f = path.Clean(f)
		if f == "." {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (s *Store) filterMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	var dropped []string
	for k, v := range md {
		if _, ok := s.metadataKeys[k]; !ok {
			dropped = append(dropped, k)
			continue
		}
		out[k] = v
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		s.logger.Warn("dropping unknown metadata keys", "keys", dropped)
	}
	return out
}

// Put stores r and returns its id. When a record with the same content hash
// already exists nothing is written and created is false.
func (s *Store) Put(ctx context.Context, r Record) (id int64, created bool, err error) {
	if strings.TrimSpace(r.SessionID) == "" {
		return 0, false, fmt.Errorf("%w: session id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Prompt) == "" && strings.TrimSpace(r.Payload) == "" {
		return 0, false, fmt.Errorf("%w: prompt and payload are both empty", ErrInvalidRecord)
	}
	if r.Outcome == "" {
		r.Outcome = OutcomeUnknown
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeUnknown:
	default:
		return 0, false, fmt.Errorf("%w: outcome %q", ErrInvalidRecord, r.Outcome)
	}

	files := NormalizeFiles(r.Files)
	hash := ContentHash(r.Prompt, r.Payload, files)

	filesJSON, err := json.Marshal(files)
	if err != nil {
		return 0, false, fmt.Errorf("%w: encoding files: %v", ErrInvalidRecord, err)
	}
	mdJSON, err := json.Marshal(s.filterMetadata(r.Metadata))
	if err != nil {
		return 0, false, fmt.Errorf("%w: encoding metadata: %v", ErrInvalidRecord, err)
	}
	payload, compressed, err := compressPayload(r.Payload, s.compressThreshold)
	if err != nil {
		return 0, false, unavailable("compress payload", err)
	}
	createdAt := s.now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, unavailable("begin put", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (session_id, prompt, payload, payload_compressed, payload_size, files, outcome, metadata, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		r.SessionID, r.Prompt, payload, boolToInt(compressed), len(r.Payload),
		string(filesJSON), string(r.Outcome), string(mdJSON), hash, createdAt,
	)
	if err != nil {
		return 0, false, unavailable("insert record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, unavailable("insert record", err)
	}
	if n == 0 {
		if err := tx.QueryRowContext(ctx, `SELECT id FROM records WHERE content_hash = ?`, hash).Scan(&id); err != nil {
			return 0, false, unavailable("lookup duplicate", err)
		}
		return id, false, nil
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, false, unavailable("insert record", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records_fts (rowid, prompt, payload) VALUES (?, ?, ?)`,
		id, r.Prompt, truncateUTF8(r.Payload, s.indexedPayloadBytes),
	); err != nil {
		return 0, false, unavailable("index record", err)
	}

	for i, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_files (record_id, position, path, base) VALUES (?, ?, ?, ?)`,
			id, i, f, path.Base(f),
		); err != nil {
			return 0, false, unavailable("insert record files", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, unavailable("commit put", err)
	}
	return id, true, nil
}

// Query returns candidate records matching q's text terms or files, best
// text match first then newest. With neither terms nor files it returns the
// newest records.
func (s *Store) Query(ctx context.Context, q Query) ([]Record, error) {
	limit := clampLimit(q.Limit)

	terms := lexical.Terms(q.Text)
	if len(terms) > maxQueryTerms {
		terms = terms[:maxQueryTerms]
	}
	files := NormalizeFiles(q.Files)

	if len(terms) == 0 && len(files) == 0 {
		return s.Recent(ctx, q.SessionID, limit)
	}

	var (
		parts []string
		args  []any
	)
	if len(terms) > 0 {
		parts = append(parts, `SELECT rowid AS id, bm25(records_fts) AS rank FROM records_fts WHERE records_fts MATCH ?`)
		args = append(args, ftsExpression(terms))
	}
	if len(files) > 0 {
		bases := make([]string, 0, len(files))
		for _, f := range files {
			bases = append(bases, path.Base(f))
		}
		parts = append(parts, `SELECT record_id AS id, 0.0 AS rank FROM record_files WHERE path IN (`+
			placeholders(len(files))+`) OR base IN (`+placeholders(len(bases))+`)`)
		for _, f := range files {
			args = append(args, f)
		}
		for _, b := range bases {
			args = append(args, b)
		}
	}

	query := `SELECT ` + recordColumns + `, MIN(m.rank) AS best
		FROM (` + strings.Join(parts, " UNION ALL ") + `) m
		JOIN records r ON r.id = m.id`
	if q.SessionID != "" {
		query += ` WHERE r.session_id = ?`
		args = append(args, q.SessionID)
	}
	query += ` GROUP BY r.id ORDER BY best ASC, r.created_at DESC, r.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var best float64
		r, err := scanRecord(rows, &best)
		if err != nil {
			return nil, err
		}
		// bm25 is negative; flip so larger means a stronger match.
		r.Rank = -best
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query records", err)
	}
	return out, nil
}

// Recent returns the newest records, optionally limited to one session.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	query := `SELECT ` + recordColumns + ` FROM records r`
	var args []any
	if sessionID != "" {
		query += ` WHERE r.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY r.created_at DESC, r.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("recent records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent records", err)
	}
	return out, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records r WHERE r.id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// DeleteOlderThan removes every record created more than age ago and returns
// how many were deleted. Index and file rows go with them.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, fmt.Errorf("retention age must be positive, got %s", age)
	}
	cutoff := s.now().UTC().Add(-age).Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin sweep", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, unavailable("delete records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete records", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit sweep", err)
	}
	return n, nil
}

// Stats returns aggregate statistics over the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT session_id), COALESCE(SUM(payload_compressed), 0),
		       MIN(created_at), MAX(created_at)
		FROM records`,
	).Scan(&st.Records, &st.Sessions, &st.CompressedPayloads, &oldest, &newest)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	if oldest.Valid {
		st.Oldest, _ = time.Parse(timeLayout, oldest.String)
	}
	if newest.Valid {
		st.Newest, _ = time.Parse(timeLayout, newest.String)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner, extra ...any) (Record, error) {
	var (
		r          Record
		payload    []byte
		compressed int
		filesJSON  string
		mdJSON     string
		outcome    string
		createdAt  string
	)
	dest := []any{&r.ID, &r.SessionID, &r.Prompt, &payload, &compressed,
		&filesJSON, &outcome, &mdJSON, &r.ContentHash, &createdAt}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, unavailable("scan record", err)
	}

	var err error
	if r.Payload, err = decompressPayload(payload, compressed != 0); err != nil {
		return Record{}, unavailable("decode payload", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &r.Files); err != nil {
		return Record{}, unavailable("decode files", err)
	}
	if err := json.Unmarshal([]byte(mdJSON), &r.Metadata); err != nil {
		return Record{}, unavailable("decode metadata", err)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Record{}, unavailable("decode created_at", err)
	}
	r.Outcome = Outcome(outcome)
	return r, nil
}

// ftsExpression quotes every term and ORs them together so user text can
// never be interpreted as FTS5 query syntax.
func ftsExpression(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

func truncateUTF8(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
