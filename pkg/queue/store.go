package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/types"
)

const (
	tableTasks = "tasks"
	tableNodes = "nodes"
)

var (
	// ErrBadSelector is returned when ListTasks is called with both or
	// neither of the status and id selectors
	ErrBadSelector = errors.New("tasks can be selected either by status or by ids")

	errNotConnected = errors.New("store is not connected")
)

// Selector restricts ListTasks to a status set or an id set, never both
type Selector struct {
	Statuses []types.TaskStatus
	IDs      []int64
}

// Store is the durable task queue and node inventory, backed by PostgreSQL.
// It is the single source of truth for task and node state; the scheduler
// records a placement or a completion here after the remote work for it is done.
type Store struct {
	db            *sqlx.DB
	sb            sq.StatementBuilderType
	registry      *engine.Registry
	remoteDataDir string
}

// Open connects to the queue database
func Open(dsn string, registry *engine.Registry, remoteDataDir string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}
	return &Store{
		db:            db,
		sb:            sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		registry:      registry,
		remoteDataDir: remoteDataDir,
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// taskRow mirrors the tasks table
type taskRow struct {
	TaskID   int64          `db:"task_id"`
	Label    string         `db:"label"`
	Metadata []byte         `db:"metadata"`
	IP       sql.NullString `db:"ip"`
	Status   int16          `db:"status"`
}

func (r taskRow) toTask() (types.Task, error) {
	task := types.Task{
		ID:     r.TaskID,
		Label:  r.Label,
		IP:     r.IP.String,
		Status: types.TaskStatus(r.Status),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &task.Metadata); err != nil {
			return task, fmt.Errorf("task %d: corrupt metadata: %w", r.TaskID, err)
		}
	}
	return task, nil
}

// nodeRow mirrors the nodes table
type nodeRow struct {
	IP      string         `db:"ip"`
	NCPUs   sql.NullInt64  `db:"ncpus"`
	Enabled bool           `db:"enabled"`
	Cloud   sql.NullString `db:"cloud"`
}

func (r nodeRow) toNode() types.Node {
	return types.Node{
		IP:      r.IP,
		NCPUs:   int(r.NCPUs.Int64),
		Enabled: r.Enabled,
		Cloud:   r.Cloud.String,
	}
}

// Submit validates a task against the engine catalog, stamps the engine name
// and a fresh remote folder into its metadata, and inserts it as TO_DO.
// Returns the store-assigned task id.
func (s *Store) Submit(ctx context.Context, label string, metadata map[string]string, engineName string) (int64, error) {
	if err := s.registry.ValidateSubmission(engineName, metadata); err != nil {
		return 0, err
	}
	if s.db == nil {
		return 0, errNotConnected
	}

	stamped := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		stamped[k] = v
	}
	stamped[types.MetaEngine] = engineName
	stamped[types.MetaRemoteFolder] = newRemoteFolder(s.remoteDataDir)

	blob, err := json.Marshal(stamped)
	if err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query, args, err := s.sb.Insert(tableTasks).
		Columns("label", "metadata", "ip", "status").
		Values(label, string(blob), nil, int16(types.StatusToDo)).
		Suffix("RETURNING task_id").
		ToSql()
	if err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	return id, nil
}

// ListResources returns every node row, placeholders included
func (s *Store) ListResources(ctx context.Context) ([]types.Node, error) {
	if s.db == nil {
		return nil, errNotConnected
	}

	query, args, err := s.sb.Select("ip", "ncpus", "enabled", "cloud").
		From(tableNodes).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]types.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, r.toNode())
	}
	return nodes, nil
}

// ListTasks selects tasks by exactly one of status set or id set
func (s *Store) ListTasks(ctx context.Context, sel Selector) ([]types.Task, error) {
	if (len(sel.Statuses) == 0) == (len(sel.IDs) == 0) {
		return nil, ErrBadSelector
	}
	if s.db == nil {
		return nil, errNotConnected
	}

	builder := s.sb.Select("task_id", "label", "metadata", "ip", "status").
		From(tableTasks)
	if len(sel.Statuses) > 0 {
		statuses := make([]int16, 0, len(sel.Statuses))
		for _, st := range sel.Statuses {
			statuses = append(statuses, int16(st))
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	} else {
		builder = builder.Where(sq.Eq{"task_id": sel.IDs})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]types.Task, 0, len(rows))
	for _, r := range rows {
		task, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetTask returns the full task row, or nil when the id is unknown
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	if s.db == nil {
		return nil, errNotConnected
	}

	query, args, err := s.sb.Select("task_id", "label", "metadata", "ip", "status").
		From(tableTasks).
		Where(sq.Eq{"task_id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}

	task, err := row.toTask()
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Pending returns up to limit TO_DO tasks. No ordering is guaranteed beyond
// "some subset of pending".
func (s *Store) Pending(ctx context.Context, limit int) ([]types.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.db == nil {
		return nil, errNotConnected
	}

	query, args, err := s.sb.Select("task_id", "label", "metadata", "ip", "status").
		From(tableTasks).
		Where(sq.Eq{"status": int16(types.StatusToDo)}).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	tasks := make([]types.Task, 0, len(rows))
	for _, r := range rows {
		task, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// MarkRunning records the placement of a task on a node
func (s *Store) MarkRunning(ctx context.Context, id int64, ip string) error {
	if s.db == nil {
		return errNotConnected
	}

	query, args, err := s.sb.Update(tableTasks).
		Set("status", int16(types.StatusRunning)).
		Set("ip", ip).
		Where(sq.Eq{"task_id": id}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark task %d running: %w", id, err)
	}
	return nil
}

// MarkDone records completion and replaces the task metadata. The caller
// passes only {remote_folder, local_folder}; the input blobs are discarded.
func (s *Store) MarkDone(ctx context.Context, id int64, metadata map[string]string) error {
	if s.db == nil {
		return errNotConnected
	}

	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query, args, err := s.sb.Update(tableTasks).
		Set("status", int16(types.StatusDone)).
		Set("metadata", string(blob)).
		Where(sq.Eq{"task_id": id}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark task %d done: %w", id, err)
	}
	return nil
}

// AddNode inserts a node row. Cloud placeholders arrive disabled; operator
// nodes arrive with enabled already decided by the admission probe.
func (s *Store) AddNode(ctx context.Context, node types.Node) error {
	if s.db == nil {
		return errNotConnected
	}

	var ncpus interface{}
	if node.NCPUs > 0 {
		ncpus = node.NCPUs
	}
	var cloud interface{}
	if node.Cloud != "" {
		cloud = node.Cloud
	}

	query, args, err := s.sb.Insert(tableNodes).
		Columns("ip", "ncpus", "enabled", "cloud").
		Values(node.IP, ncpus, node.Enabled, cloud).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to add node %s: %w", node.IP, err)
	}
	return nil
}

// ReplaceNodeIP swaps a provisioning placeholder for the real host address
// and flips the row enabled once the host passed admission
func (s *Store) ReplaceNodeIP(ctx context.Context, placeholder, ip string, ncpus int, enabled bool) error {
	if s.db == nil {
		return errNotConnected
	}

	builder := s.sb.Update(tableNodes).
		Set("ip", ip).
		Set("enabled", enabled).
		Where(sq.Eq{"ip": placeholder})
	if ncpus > 0 {
		builder = builder.Set("ncpus", ncpus)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to replace node %s: %w", placeholder, err)
	}
	return nil
}

// DeleteNode removes a node row on deallocation
func (s *Store) DeleteNode(ctx context.Context, ip string) error {
	if s.db == nil {
		return errNotConnected
	}

	query, args, err := s.sb.Delete(tableNodes).
		Where(sq.Eq{"ip": ip}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", ip, err)
	}
	return nil
}

const folderTimeLayout = "20060102_150405"

// newRemoteFolder builds a fresh per-task working directory name under the
// remote data dir: {data_dir}/{yyyymmdd_HHMMSS}_{rand4}. The random suffix
// keeps identical resubmissions apart.
func newRemoteFolder(dataDir string) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = byte('a' + rand.Intn(26))
	}
	return path.Join(dataDir, time.Now().Format(folderTimeLayout)+"_"+string(suffix))
}
