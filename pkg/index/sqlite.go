package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// SQLite is the single-node Index backend: a single write connection
// serializing all writes, plus a pooled read connection for concurrent
// TryGet/Resolve calls; both point at the same WAL-mode database file.
type SQLite struct {
	write *sql.DB
	read  *sql.DB
}

// NewSQLite opens (and migrates) a SQLite-backed Index at path.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write handle: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open sqlite read handle: %w", err)
	}
	read.SetMaxOpenConns(8)

	if _, err := write.Exec(sqliteSchema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &SQLite{write: write, read: read}, nil
}

func (s *SQLite) Close() error {
	werr := s.write.Close()
	rerr := s.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) PutObject(ctx context.Context, row ObjectRow) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IndexOperationDuration, "sqlite", "put_object")

	_, err := s.write.ExecContext(ctx, `
		INSERT INTO objects (id, node_size, node_solvable, node_solved, subtree_count,
			subtree_depth, subtree_size, subtree_solvable, subtree_solved, touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET touched_at = excluded.touched_at
	`, string(row.ID), row.NodeSize, boolToInt(row.NodeSolvable), boolToInt(row.NodeSolved),
		row.SubtreeCount, row.SubtreeDepth, row.SubtreeSize, boolToInt(row.SubtreeSolvable),
		boolToInt(row.SubtreeSolved), row.TouchedAt.UTC())
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.PutObject")
	}
	return nil
}

func (s *SQLite) PutObjectChildren(ctx context.Context, parent object.ID, children []object.ID) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.PutObjectChildren")
	}
	defer tx.Rollback()

	for i, child := range children {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO object_children (parent, child, position) VALUES (?, ?, ?)
			ON CONFLICT(parent, position) DO UPDATE SET child = excluded.child
		`, string(parent), string(child), i); err != nil {
			return tgerror.Wrap(err, "index.sqlite.PutObjectChildren")
		}
	}
	return tx.Commit()
}

func scanObjectRow(row interface{ Scan(...any) error }) (ObjectRow, error) {
	var o ObjectRow
	var id string
	var nodeSolvable, nodeSolved, subtreeSolvable, subtreeSolved int
	var touchedAt time.Time
	if err := row.Scan(&id, &o.NodeSize, &nodeSolvable, &nodeSolved, &o.SubtreeCount,
		&o.SubtreeDepth, &o.SubtreeSize, &subtreeSolvable, &subtreeSolved, &touchedAt); err != nil {
		return ObjectRow{}, err
	}
	o.ID = object.ID(id)
	o.NodeSolvable = nodeSolvable != 0
	o.NodeSolved = nodeSolved != 0
	o.SubtreeSolvable = subtreeSolvable != 0
	o.SubtreeSolved = subtreeSolved != 0
	o.TouchedAt = touchedAt
	return o, nil
}

const objectColumns = `id, node_size, node_solvable, node_solved, subtree_count, subtree_depth, subtree_size, subtree_solvable, subtree_solved, touched_at`

func (s *SQLite) TouchAndGetObject(ctx context.Context, id object.ID, ts time.Time) (ObjectRow, bool, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return ObjectRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetObject")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE objects SET touched_at = ? WHERE id = ? AND touched_at < ?`,
		ts.UTC(), string(id), ts.UTC()); err != nil {
		return ObjectRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetObject")
	}

	row := tx.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = ?`, string(id))
	o, err := scanObjectRow(row)
	if err == sql.ErrNoRows {
		return ObjectRow{}, false, nil
	}
	if err != nil {
		return ObjectRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetObject")
	}
	return o, true, tx.Commit()
}

func (s *SQLite) TryGetObjectStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ObjectRow, error) {
	out := make(map[object.ID]ObjectRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.read.QueryContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.TryGetObjectStoredBatch")
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanObjectRow(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.TryGetObjectStoredBatch")
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

// ScanStaleObjects returns objects untouched since before.
func (s *SQLite) ScanStaleObjects(ctx context.Context, before time.Time) ([]ObjectRow, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE touched_at < ?`, before.UTC())
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.ScanStaleObjects")
	}
	defer rows.Close()
	var out []ObjectRow
	for rows.Next() {
		o, err := scanObjectRow(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.ScanStaleObjects")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func inClause(ids []object.ID) (string, []any) {
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(id)
	}
	return placeholders, args
}

const processColumns = `id, status, command, log, error, output, exit, expected_checksum,
	actual_checksum, host, network, cacheable, retry, mounts_json, stored, created_at,
	enqueued_at, dequeued_at, started_at, finished_at, touched_at, heartbeat_at, token_count`

func scanProcessRow(row interface{ Scan(...any) error }) (ProcessRow, error) {
	var p ProcessRow
	var id, command, host string
	var logID, errID, outID, expected, actual, mounts sql.NullString
	var exit sql.NullInt64
	var network, cacheable int
	var stored int64
	var createdAt, touchedAt time.Time
	var enqueuedAt, dequeuedAt, startedAt, finishedAt, heartbeatAt sql.NullTime

	if err := row.Scan(&id, &p.Status, &command, &logID, &errID, &outID, &exit, &expected,
		&actual, &host, &network, &cacheable, &p.Retry, &mounts, &stored, &createdAt,
		&enqueuedAt, &dequeuedAt, &startedAt, &finishedAt, &touchedAt, &heartbeatAt, &p.TokenCount); err != nil {
		return ProcessRow{}, err
	}
	p.ID = object.ID(id)
	p.Command = object.ID(command)
	p.Host = host
	p.Network = network != 0
	p.Cacheable = cacheable != 0
	p.Stored = Stored(stored)
	p.MountsJSON = mounts.String
	p.ExpectedChecksum = expected.String
	p.ActualChecksum = actual.String
	if logID.Valid {
		id := object.ID(logID.String)
		p.Log = id
	}
	if errID.Valid {
		p.Error = object.ID(errID.String)
	}
	if outID.Valid {
		p.Output = object.ID(outID.String)
	}
	if exit.Valid {
		v := int32(exit.Int64)
		p.Exit = &v
	}
	p.CreatedAt = createdAt
	p.TouchedAt = touchedAt
	if enqueuedAt.Valid {
		p.EnqueuedAt = &enqueuedAt.Time
	}
	if dequeuedAt.Valid {
		p.DequeuedAt = &dequeuedAt.Time
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		p.FinishedAt = &finishedAt.Time
	}
	if heartbeatAt.Valid {
		p.HeartbeatAt = &heartbeatAt.Time
	}
	return p, nil
}

func nullableID(id object.ID) sql.NullString {
	if id == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(id), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *SQLite) PutProcess(ctx context.Context, row ProcessRow) error {
	var exit sql.NullInt64
	if row.Exit != nil {
		exit = sql.NullInt64{Int64: int64(*row.Exit), Valid: true}
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO processes (id, status, command, log, error, output, exit, expected_checksum,
			actual_checksum, host, network, cacheable, retry, mounts_json, stored, created_at,
			enqueued_at, dequeued_at, started_at, finished_at, touched_at, heartbeat_at, token_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, log=excluded.log, error=excluded.error, output=excluded.output,
			exit=excluded.exit, actual_checksum=excluded.actual_checksum, stored=excluded.stored,
			enqueued_at=excluded.enqueued_at, dequeued_at=excluded.dequeued_at,
			started_at=excluded.started_at, finished_at=excluded.finished_at,
			touched_at=excluded.touched_at, heartbeat_at=excluded.heartbeat_at,
			token_count=excluded.token_count
	`, string(row.ID), string(row.Status), string(row.Command), nullableID(row.Log),
		nullableID(row.Error), nullableID(row.Output), exit, row.ExpectedChecksum,
		row.ActualChecksum, row.Host, boolToInt(row.Network), boolToInt(row.Cacheable),
		row.Retry, row.MountsJSON, int64(row.Stored), row.CreatedAt.UTC(),
		nullableTime(row.EnqueuedAt), nullableTime(row.DequeuedAt), nullableTime(row.StartedAt),
		nullableTime(row.FinishedAt), row.TouchedAt.UTC(), nullableTime(row.HeartbeatAt), row.TokenCount)
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.PutProcess")
	}
	return nil
}

func (s *SQLite) GetProcess(ctx context.Context, id object.ID) (ProcessRow, bool, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, string(id))
	p, err := scanProcessRow(row)
	if err == sql.ErrNoRows {
		return ProcessRow{}, false, nil
	}
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.sqlite.GetProcess")
	}
	return p, true, nil
}

func (s *SQLite) TouchAndGetProcess(ctx context.Context, id object.ID, ts time.Time) (ProcessRow, bool, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetProcess")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE processes SET touched_at = ? WHERE id = ? AND touched_at < ?`,
		ts.UTC(), string(id), ts.UTC()); err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetProcess")
	}
	row := tx.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, string(id))
	p, err := scanProcessRow(row)
	if err == sql.ErrNoRows {
		return ProcessRow{}, false, nil
	}
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.sqlite.TouchAndGetProcess")
	}
	return p, true, tx.Commit()
}

func (s *SQLite) TryGetProcessStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ProcessRow, error) {
	out := make(map[object.ID]ProcessRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.read.QueryContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.TryGetProcessStoredBatch")
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProcessRow(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.TryGetProcessStoredBatch")
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// UpdateProcessStatus performs the status CAS central to the state
// machine: the UPDATE only matches a row currently in `from`, so a
// concurrent transition (e.g. two runners racing a dequeue) leaves
// exactly one winner.
func (s *SQLite) UpdateProcessStatus(ctx context.Context, id object.ID, from, to string, at time.Time) (bool, error) {
	col := statusTimestampColumn(to)
	query := fmt.Sprintf(`UPDATE processes SET status = ?, %s = ?, touched_at = ? WHERE id = ? AND status = ?`, col)
	res, err := s.write.ExecContext(ctx, query, to, at.UTC(), at.UTC(), string(id), from)
	if err != nil {
		return false, tgerror.Wrap(err, "index.sqlite.UpdateProcessStatus")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, tgerror.Wrap(err, "index.sqlite.UpdateProcessStatus")
	}
	return n == 1, nil
}

func statusTimestampColumn(status string) string {
	switch status {
	case "enqueued":
		return "enqueued_at"
	case "dequeued":
		return "dequeued_at"
	case "started":
		return "started_at"
	case "finished":
		return "finished_at"
	default:
		return "touched_at"
	}
}

func (s *SQLite) PutProcessChildren(ctx context.Context, parent object.ID, children []object.ID) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.PutProcessChildren")
	}
	defer tx.Rollback()
	for i, child := range children {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO process_children (process, position, child) VALUES (?, ?, ?)
			ON CONFLICT(process, position) DO UPDATE SET child = excluded.child
		`, string(parent), i, string(child)); err != nil {
			return tgerror.Wrap(err, "index.sqlite.PutProcessChildren")
		}
	}
	return tx.Commit()
}

func (s *SQLite) FindCachedProcess(ctx context.Context, command object.ID, expectedChecksum string) (object.ID, bool, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id FROM processes
		WHERE command = ? AND expected_checksum = ? AND status = 'finished' AND exit = 0 AND cacheable = 1
		ORDER BY created_at DESC LIMIT 1
	`, string(command), expectedChecksum)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, tgerror.Wrap(err, "index.sqlite.FindCachedProcess")
	}
	return object.ID(id), true, nil
}

func (s *SQLite) ScanStale(ctx context.Context, before time.Time) ([]ProcessRow, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+processColumns+` FROM processes
		WHERE status = 'started' AND (heartbeat_at IS NULL OR heartbeat_at < ?)
	`, before.UTC())
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.ScanStale")
	}
	defer rows.Close()
	var out []ProcessRow
	for rows.Next() {
		p, err := scanProcessRow(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.ScanStale")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) PutTag(ctx context.Context, component string, parent int64, item *object.ID) (int64, error) {
	var itemVal sql.NullString
	if item != nil {
		itemVal = sql.NullString{String: string(*item), Valid: true}
	}
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO tags (parent, component, item) VALUES (?, ?, ?)
		ON CONFLICT(parent, component) DO UPDATE SET item = excluded.item
	`, parent, component, itemVal)
	if err != nil {
		return 0, tgerror.Wrap(err, "index.sqlite.PutTag")
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		row := s.write.QueryRowContext(ctx, `SELECT id FROM tags WHERE parent = ? AND component = ?`, parent, component)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, tgerror.Wrap(scanErr, "index.sqlite.PutTag")
		}
	}
	return id, nil
}

func (s *SQLite) ResolveTag(ctx context.Context, path []string) (*object.ID, error) {
	var parent int64
	var item sql.NullString
	for i, component := range path {
		row := s.read.QueryRowContext(ctx, `SELECT id, item FROM tags WHERE parent = ? AND component = ?`, parent, component)
		var id int64
		if err := row.Scan(&id, &item); err == sql.ErrNoRows {
			return nil, tgerror.New(tgerror.CodeNotFound, "tag %q not found", component)
		} else if err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.ResolveTag")
		}
		parent = id
		if i < len(path)-1 && item.Valid {
			// an interior node cannot also be a leaf.
			return nil, tgerror.New(tgerror.CodeConflict, "tag %q is a leaf, not a branch", component)
		}
	}
	if !item.Valid {
		return nil, tgerror.New(tgerror.CodeNotFound, "tag path has no bound item")
	}
	id := object.ID(item.String)
	return &id, nil
}

// tagNode walks the trie to the node at prefix, returning its id. The
// root is node 0.
func (s *SQLite) tagNode(ctx context.Context, prefix []string) (int64, error) {
	var parent int64
	for _, component := range prefix {
		row := s.read.QueryRowContext(ctx, `SELECT id FROM tags WHERE parent = ? AND component = ?`, parent, component)
		if err := row.Scan(&parent); err == sql.ErrNoRows {
			return 0, tgerror.New(tgerror.CodeNotFound, "tag %q not found", component)
		} else if err != nil {
			return 0, tgerror.Wrap(err, "index.sqlite.tagNode")
		}
	}
	return parent, nil
}

func (s *SQLite) ListTags(ctx context.Context, prefix []string) ([]TagRow, error) {
	parent, err := s.tagNode(ctx, prefix)
	if err != nil {
		return nil, err
	}
	rows, err := s.read.QueryContext(ctx, `SELECT id, component, item FROM tags WHERE parent = ? ORDER BY component`, parent)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.ListTags")
	}
	defer rows.Close()
	var out []TagRow
	for rows.Next() {
		var tr TagRow
		var item sql.NullString
		if err := rows.Scan(&tr.ID, &tr.Component, &item); err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.ListTags")
		}
		if item.Valid {
			id := object.ID(item.String)
			tr.Item = &id
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteTag(ctx context.Context, path []string) error {
	if len(path) == 0 {
		return tgerror.New(tgerror.CodeInvalid, "empty tag path")
	}
	parent, err := s.tagNode(ctx, path[:len(path)-1])
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx, `DELETE FROM tags WHERE parent = ? AND component = ?`, parent, path[len(path)-1])
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.DeleteTag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tgerror.New(tgerror.CodeNotFound, "tag %q not found", path[len(path)-1])
	}
	return nil
}

func (s *SQLite) PutCacheEntry(ctx context.Context, artifactID object.ID, path string, ts time.Time) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO cache_entries (artifact_id, path, touched_at) VALUES (?, ?, ?)
		ON CONFLICT(artifact_id, path) DO UPDATE SET touched_at = excluded.touched_at
	`, string(artifactID), path, ts.UTC())
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.PutCacheEntry")
	}
	return nil
}

func (s *SQLite) EnqueueIncoming(ctx context.Context, payload []byte) (int64, error) {
	res, err := s.write.ExecContext(ctx, `INSERT INTO incoming_queue (payload) VALUES (?)`, payload)
	if err != nil {
		return 0, tgerror.Wrap(err, "index.sqlite.EnqueueIncoming")
	}
	return res.LastInsertId()
}

func (s *SQLite) DequeueIncoming(ctx context.Context, limit int) ([]QueueMessage, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT sequence, payload, acked FROM incoming_queue WHERE acked = 0 ORDER BY sequence LIMIT ?`, limit)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.sqlite.DequeueIncoming")
	}
	defer rows.Close()
	var out []QueueMessage
	for rows.Next() {
		var m QueueMessage
		var acked int
		if err := rows.Scan(&m.Sequence, &m.Payload, &acked); err != nil {
			return nil, tgerror.Wrap(err, "index.sqlite.DequeueIncoming")
		}
		m.Acked = acked != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) AckIncoming(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}
	placeholders := ""
	args := make([]any, len(sequences))
	for i, seq := range sequences {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = seq
	}
	_, err := s.write.ExecContext(ctx, `UPDATE incoming_queue SET acked = 1 WHERE sequence IN (`+placeholders+`)`, args...)
	if err != nil {
		return tgerror.Wrap(err, "index.sqlite.AckIncoming")
	}
	return nil
}

var _ Index = (*SQLite)(nil)
