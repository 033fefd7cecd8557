package index

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Postgres is the multi-node Index backend: unlike SQLite's single
// write connection, every connection in the pool may write — row-level
// locks on processes.id serialize concurrent
// UpdateProcessStatus calls instead of a single-writer mutex.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens (and migrates) a Postgres-backed Index at dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) PutObject(ctx context.Context, row ObjectRow) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IndexOperationDuration, "postgres", "put_object")

	_, err := p.pool.Exec(ctx, `
		INSERT INTO objects (id, node_size, node_solvable, node_solved, subtree_count,
			subtree_depth, subtree_size, subtree_solvable, subtree_solved, touched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT(id) DO UPDATE SET touched_at = excluded.touched_at
	`, string(row.ID), row.NodeSize, row.NodeSolvable, row.NodeSolved, row.SubtreeCount,
		row.SubtreeDepth, row.SubtreeSize, row.SubtreeSolvable, row.SubtreeSolved, row.TouchedAt.UTC())
	if err != nil {
		return tgerror.Wrap(err, "index.postgres.PutObject")
	}
	return nil
}

func (p *Postgres) PutObjectChildren(ctx context.Context, parent object.ID, children []object.ID) error {
	batch := &pgx.Batch{}
	for i, child := range children {
		batch.Queue(`
			INSERT INTO object_children (parent, child, position) VALUES ($1,$2,$3)
			ON CONFLICT(parent, position) DO UPDATE SET child = excluded.child
		`, string(parent), string(child), i)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range children {
		if _, err := br.Exec(); err != nil {
			return tgerror.Wrap(err, "index.postgres.PutObjectChildren")
		}
	}
	return nil
}

func scanObjectRowPgx(row pgx.Row) (ObjectRow, error) {
	var o ObjectRow
	var id string
	if err := row.Scan(&id, &o.NodeSize, &o.NodeSolvable, &o.NodeSolved, &o.SubtreeCount,
		&o.SubtreeDepth, &o.SubtreeSize, &o.SubtreeSolvable, &o.SubtreeSolved, &o.TouchedAt); err != nil {
		return ObjectRow{}, err
	}
	o.ID = object.ID(id)
	return o, nil
}

func (p *Postgres) TouchAndGetObject(ctx context.Context, id object.ID, ts time.Time) (ObjectRow, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return ObjectRow{}, false, tgerror.Wrap(err, "index.postgres.TouchAndGetObject")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE objects SET touched_at = GREATEST(touched_at, $2) WHERE id = $1
		RETURNING `+objectColumns, string(id), ts.UTC())
	o, err := scanObjectRowPgx(row)
	if err == pgx.ErrNoRows {
		return ObjectRow{}, false, nil
	}
	if err != nil {
		return ObjectRow{}, false, tgerror.Wrap(err, "index.postgres.TouchAndGetObject")
	}
	return o, true, tx.Commit(ctx)
}

// TryGetObjectStoredBatch uses unnest($1::text[]) for the batch lookup
// (object ids are opaque strings here, so text[] rather than bytea[])
// with a LEFT JOIN to distinguish present from missing rows.
func (p *Postgres) TryGetObjectStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ObjectRow, error) {
	out := make(map[object.ID]ObjectRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := idsToStrings(ids)
	rows, err := p.pool.Query(ctx, `
		SELECT o.id, o.node_size, o.node_solvable, o.node_solved, o.subtree_count,
			o.subtree_depth, o.subtree_size, o.subtree_solvable, o.subtree_solved, o.touched_at
		FROM unnest($1::text[]) AS want(id)
		LEFT JOIN objects o ON o.id = want.id
		WHERE o.id IS NOT NULL
	`, raw)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.TryGetObjectStoredBatch")
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanObjectRowPgx(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.TryGetObjectStoredBatch")
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

func idsToStrings(ids []object.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// ScanStaleObjects returns objects untouched since before.
func (p *Postgres) ScanStaleObjects(ctx context.Context, before time.Time) ([]ObjectRow, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+objectColumns+` FROM objects WHERE touched_at < $1`, before.UTC())
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.ScanStaleObjects")
	}
	defer rows.Close()
	var out []ObjectRow
	for rows.Next() {
		o, err := scanObjectRowPgx(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.ScanStaleObjects")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanProcessRowPgx(row pgx.Row) (ProcessRow, error) {
	var p ProcessRow
	var id, command, host string
	var logID, errID, outID *string
	var expected, actual, mounts *string
	var exit *int32
	var stored int64
	var enqueuedAt, dequeuedAt, startedAt, finishedAt, heartbeatAt *time.Time

	if err := row.Scan(&id, &p.Status, &command, &logID, &errID, &outID, &exit, &expected,
		&actual, &host, &p.Network, &p.Cacheable, &p.Retry, &mounts, &stored, &p.CreatedAt,
		&enqueuedAt, &dequeuedAt, &startedAt, &finishedAt, &p.TouchedAt, &heartbeatAt, &p.TokenCount); err != nil {
		return ProcessRow{}, err
	}
	p.Stored = Stored(stored)
	p.ID = object.ID(id)
	p.Command = object.ID(command)
	p.Host = host
	if logID != nil {
		p.Log = object.ID(*logID)
	}
	if errID != nil {
		p.Error = object.ID(*errID)
	}
	if outID != nil {
		p.Output = object.ID(*outID)
	}
	if expected != nil {
		p.ExpectedChecksum = *expected
	}
	if actual != nil {
		p.ActualChecksum = *actual
	}
	if mounts != nil {
		p.MountsJSON = *mounts
	}
	p.Exit = exit
	p.EnqueuedAt = enqueuedAt
	p.DequeuedAt = dequeuedAt
	p.StartedAt = startedAt
	p.FinishedAt = finishedAt
	p.HeartbeatAt = heartbeatAt
	return p, nil
}

func (p *Postgres) PutProcess(ctx context.Context, row ProcessRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO processes (id, status, command, log, error, output, exit, expected_checksum,
			actual_checksum, host, network, cacheable, retry, mounts_json, stored, created_at,
			enqueued_at, dequeued_at, started_at, finished_at, touched_at, heartbeat_at, token_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, log=excluded.log, error=excluded.error, output=excluded.output,
			exit=excluded.exit, actual_checksum=excluded.actual_checksum, stored=excluded.stored,
			enqueued_at=excluded.enqueued_at, dequeued_at=excluded.dequeued_at,
			started_at=excluded.started_at, finished_at=excluded.finished_at,
			touched_at=excluded.touched_at, heartbeat_at=excluded.heartbeat_at,
			token_count=excluded.token_count
	`, string(row.ID), string(row.Status), string(row.Command), nullStr(row.Log), nullStr(row.Error),
		nullStr(row.Output), row.Exit, row.ExpectedChecksum, row.ActualChecksum, row.Host, row.Network,
		row.Cacheable, row.Retry, row.MountsJSON, int64(row.Stored), row.CreatedAt.UTC(),
		row.EnqueuedAt, row.DequeuedAt, row.StartedAt, row.FinishedAt, row.TouchedAt.UTC(),
		row.HeartbeatAt, row.TokenCount)
	if err != nil {
		return tgerror.Wrap(err, "index.postgres.PutProcess")
	}
	return nil
}

func nullStr(id object.ID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}

func (p *Postgres) GetProcess(ctx context.Context, id object.ID) (ProcessRow, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1`, string(id))
	pr, err := scanProcessRowPgx(row)
	if err == pgx.ErrNoRows {
		return ProcessRow{}, false, nil
	}
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.postgres.GetProcess")
	}
	return pr, true, nil
}

func (p *Postgres) TouchAndGetProcess(ctx context.Context, id object.ID, ts time.Time) (ProcessRow, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.postgres.TouchAndGetProcess")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE processes SET touched_at = GREATEST(touched_at, $2) WHERE id = $1
		RETURNING `+processColumns, string(id), ts.UTC())
	pr, err := scanProcessRowPgx(row)
	if err == pgx.ErrNoRows {
		return ProcessRow{}, false, nil
	}
	if err != nil {
		return ProcessRow{}, false, tgerror.Wrap(err, "index.postgres.TouchAndGetProcess")
	}
	return pr, true, tx.Commit(ctx)
}

func (p *Postgres) TryGetProcessStoredBatch(ctx context.Context, ids []object.ID) (map[object.ID]ProcessRow, error) {
	out := make(map[object.ID]ProcessRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT pr.id, pr.status, pr.command, pr.log, pr.error, pr.output, pr.exit,
			pr.expected_checksum, pr.actual_checksum, pr.host, pr.network, pr.cacheable,
			pr.retry, pr.mounts_json, pr.stored, pr.created_at, pr.enqueued_at, pr.dequeued_at,
			pr.started_at, pr.finished_at, pr.touched_at, pr.heartbeat_at, pr.token_count
		FROM unnest($1::text[]) AS want(id)
		LEFT JOIN processes pr ON pr.id = want.id
		WHERE pr.id IS NOT NULL
	`, idsToStrings(ids))
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.TryGetProcessStoredBatch")
	}
	defer rows.Close()
	for rows.Next() {
		pr, err := scanProcessRowPgx(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.TryGetProcessStoredBatch")
		}
		out[pr.ID] = pr
	}
	return out, rows.Err()
}

// UpdateProcessStatus relies on postgres row-level locking rather than a
// single write connection to serialize concurrent transitions: the
// WHERE clause is the same optimistic CAS as the sqlite backend.
func (p *Postgres) UpdateProcessStatus(ctx context.Context, id object.ID, from, to string, at time.Time) (bool, error) {
	col := statusTimestampColumn(to)
	query := fmt.Sprintf(`UPDATE processes SET status = $1, %s = $2, touched_at = $2 WHERE id = $3 AND status = $4`, col)
	tag, err := p.pool.Exec(ctx, query, to, at.UTC(), string(id), from)
	if err != nil {
		return false, tgerror.Wrap(err, "index.postgres.UpdateProcessStatus")
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) PutProcessChildren(ctx context.Context, parent object.ID, children []object.ID) error {
	batch := &pgx.Batch{}
	for i, child := range children {
		batch.Queue(`
			INSERT INTO process_children (process, position, child) VALUES ($1,$2,$3)
			ON CONFLICT(process, position) DO UPDATE SET child = excluded.child
		`, string(parent), i, string(child))
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range children {
		if _, err := br.Exec(); err != nil {
			return tgerror.Wrap(err, "index.postgres.PutProcessChildren")
		}
	}
	return nil
}

func (p *Postgres) FindCachedProcess(ctx context.Context, command object.ID, expectedChecksum string) (object.ID, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id FROM processes
		WHERE command = $1 AND expected_checksum = $2 AND status = 'finished' AND exit = 0 AND cacheable
		ORDER BY created_at DESC LIMIT 1
	`, string(command), expectedChecksum)
	var id string
	if err := row.Scan(&id); err == pgx.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, tgerror.Wrap(err, "index.postgres.FindCachedProcess")
	}
	return object.ID(id), true, nil
}

func (p *Postgres) ScanStale(ctx context.Context, before time.Time) ([]ProcessRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+processColumns+` FROM processes
		WHERE status = 'started' AND (heartbeat_at IS NULL OR heartbeat_at < $1)
	`, before.UTC())
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.ScanStale")
	}
	defer rows.Close()
	var out []ProcessRow
	for rows.Next() {
		pr, err := scanProcessRowPgx(rows)
		if err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.ScanStale")
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) PutTag(ctx context.Context, component string, parent int64, item *object.ID) (int64, error) {
	var itemVal *string
	if item != nil {
		itemVal = nullStr(*item)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO tags (parent, component, item) VALUES ($1,$2,$3)
		ON CONFLICT(parent, component) DO UPDATE SET item = excluded.item
		RETURNING id
	`, parent, component, itemVal)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, tgerror.Wrap(err, "index.postgres.PutTag")
	}
	return id, nil
}

func (p *Postgres) ResolveTag(ctx context.Context, path []string) (*object.ID, error) {
	var parent int64
	var item *string
	for i, component := range path {
		row := p.pool.QueryRow(ctx, `SELECT id, item FROM tags WHERE parent = $1 AND component = $2`, parent, component)
		var id int64
		if err := row.Scan(&id, &item); err == pgx.ErrNoRows {
			return nil, tgerror.New(tgerror.CodeNotFound, "tag %q not found", component)
		} else if err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.ResolveTag")
		}
		parent = id
		if i < len(path)-1 && item != nil {
			return nil, tgerror.New(tgerror.CodeConflict, "tag %q is a leaf, not a branch", component)
		}
	}
	if item == nil {
		return nil, tgerror.New(tgerror.CodeNotFound, "tag path has no bound item")
	}
	id := object.ID(*item)
	return &id, nil
}

func (p *Postgres) tagNode(ctx context.Context, prefix []string) (int64, error) {
	var parent int64
	for _, component := range prefix {
		row := p.pool.QueryRow(ctx, `SELECT id FROM tags WHERE parent = $1 AND component = $2`, parent, component)
		if err := row.Scan(&parent); err == pgx.ErrNoRows {
			return 0, tgerror.New(tgerror.CodeNotFound, "tag %q not found", component)
		} else if err != nil {
			return 0, tgerror.Wrap(err, "index.postgres.tagNode")
		}
	}
	return parent, nil
}

func (p *Postgres) ListTags(ctx context.Context, prefix []string) ([]TagRow, error) {
	parent, err := p.tagNode(ctx, prefix)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT id, component, item FROM tags WHERE parent = $1 ORDER BY component`, parent)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.ListTags")
	}
	defer rows.Close()
	var out []TagRow
	for rows.Next() {
		var tr TagRow
		var item *string
		if err := rows.Scan(&tr.ID, &tr.Component, &item); err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.ListTags")
		}
		if item != nil {
			id := object.ID(*item)
			tr.Item = &id
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTag(ctx context.Context, path []string) error {
	if len(path) == 0 {
		return tgerror.New(tgerror.CodeInvalid, "empty tag path")
	}
	parent, err := p.tagNode(ctx, path[:len(path)-1])
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM tags WHERE parent = $1 AND component = $2`, parent, path[len(path)-1])
	if err != nil {
		return tgerror.Wrap(err, "index.postgres.DeleteTag")
	}
	if tag.RowsAffected() == 0 {
		return tgerror.New(tgerror.CodeNotFound, "tag %q not found", path[len(path)-1])
	}
	return nil
}

func (p *Postgres) PutCacheEntry(ctx context.Context, artifactID object.ID, path string, ts time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cache_entries (artifact_id, path, touched_at) VALUES ($1,$2,$3)
		ON CONFLICT(artifact_id, path) DO UPDATE SET touched_at = excluded.touched_at
	`, string(artifactID), path, ts.UTC())
	if err != nil {
		return tgerror.Wrap(err, "index.postgres.PutCacheEntry")
	}
	return nil
}

func (p *Postgres) EnqueueIncoming(ctx context.Context, payload []byte) (int64, error) {
	row := p.pool.QueryRow(ctx, `INSERT INTO incoming_queue (payload) VALUES ($1) RETURNING sequence`, payload)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, tgerror.Wrap(err, "index.postgres.EnqueueIncoming")
	}
	return seq, nil
}

func (p *Postgres) DequeueIncoming(ctx context.Context, limit int) ([]QueueMessage, error) {
	rows, err := p.pool.Query(ctx, `SELECT sequence, payload, acked FROM incoming_queue WHERE acked = FALSE ORDER BY sequence LIMIT $1`, limit)
	if err != nil {
		return nil, tgerror.Wrap(err, "index.postgres.DequeueIncoming")
	}
	defer rows.Close()
	var out []QueueMessage
	for rows.Next() {
		var m QueueMessage
		if err := rows.Scan(&m.Sequence, &m.Payload, &m.Acked); err != nil {
			return nil, tgerror.Wrap(err, "index.postgres.DequeueIncoming")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) AckIncoming(ctx context.Context, sequences []int64) error {
	if len(sequences) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `UPDATE incoming_queue SET acked = TRUE WHERE sequence = ANY($1::bigint[])`, sequences)
	if err != nil {
		return tgerror.Wrap(err, "index.postgres.AckIncoming")
	}
	return nil
}

var _ Index = (*Postgres)(nil)
