package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlStore implements Store over a database/sql handle. Both SQLiteStore and
// MySQLStore embed it: the query text uses only ?-placeholders and
// ANSI-compatible SQL, so the two backends differ solely in how they open
// the connection and in their DDL.
type sqlStore struct {
	db *sql.DB
	// conflictErr reports whether a driver error is a uniqueness
	// violation, so inserts can surface ErrConflict instead of a raw
	// driver error.
	conflictErr func(error) bool
}

func jsonMarshal(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func jsonUnmarshal[T any](s sql.NullString) (T, error) {
	var out T
	if !s.Valid || s.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return out, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// inTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Definitions ---

func (s *sqlStore) CreateDefinition(ctx context.Context, def *Definition) error {
	nodes, err := jsonMarshal(def.Nodes)
	if err != nil {
		return err
	}
	inputs, err := jsonMarshal(def.Inputs)
	if err != nil {
		return err
	}
	outputs, err := jsonMarshal(def.Outputs)
	if err != nil {
		return err
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(name, version, description, nodes, inputs, outputs, error_handling, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.Version, nullStr(def.Description), nodes, inputs, outputs,
		nullStr(string(def.ErrorHandling)), def.CreatedAt, nullStr(def.CreatedBy))
	if err != nil {
		if s.conflictErr != nil && s.conflictErr(err) {
			return fmt.Errorf("definition %s v%d: %w", def.Name, def.Version, ErrConflict)
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	def.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("definition id: %w", err)
	}
	return nil
}

const definitionCols = `id, name, version, description, nodes, inputs, outputs, error_handling, created_at, created_by`

func scanDefinition(row interface{ Scan(...any) error }) (*Definition, error) {
	var (
		d                               Definition
		desc, nodes, ins, outs, eh, by sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &desc, &nodes, &ins, &outs, &eh, &d.CreatedAt, &by); err != nil {
		return nil, err
	}
	var err error
	d.Description = desc.String
	d.ErrorHandling = ErrorHandling(eh.String)
	d.CreatedBy = by.String
	d.CreatedAt = d.CreatedAt.UTC()
	if d.Nodes, err = jsonUnmarshal[[]NodeDefinition](nodes); err != nil {
		return nil, err
	}
	if d.Inputs, err = jsonUnmarshal[[]InputDecl](ins); err != nil {
		return nil, err
	}
	if d.Outputs, err = jsonUnmarshal[[]OutputDecl](outs); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqlStore) GetDefinition(ctx context.Context, id int64) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionCols+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %d: %w", id, err)
	}
	return def, nil
}

func (s *sqlStore) GetDefinitionByName(ctx context.Context, name string, version int) (*Definition, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+definitionCols+` FROM workflow_definitions WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+definitionCols+` FROM workflow_definitions WHERE name = ? AND version = ?`, name, version)
	}
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s v%d: %w", name, version, err)
	}
	return def, nil
}

func (s *sqlStore) ListDefinitions(ctx context.Context, name string) ([]*Definition, error) {
	q := `SELECT ` + definitionCols + ` FROM workflow_definitions`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var out []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Instances ---

const instanceCols = `id, workflow_definition_id, name, external_id, status,
	input_data, output_data, context_data, current_node_id, checkpoint_data,
	business_key, mutex_key, priority, retry_count, max_retries,
	scheduled_at, started_at, completed_at, interrupted_at,
	error_message, error_details, lock_owner, lock_acquired_at,
	last_heartbeat, assigned_engine_id, created_at, updated_at, created_by`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var (
		i                                        Instance
		extID, inData, outData, ctxData          sql.NullString
		curNode, cpData, bizKey, mutexKey        sql.NullString
		errMsg, errDetails, lockOwner, engine    sql.NullString
		createdBy                                sql.NullString
		schedAt, startAt, compAt, intAt          sql.NullTime
		lockAt, hbAt                             sql.NullTime
	)
	err := row.Scan(&i.ID, &i.WorkflowDefinitionID, &i.Name, &extID, &i.Status,
		&inData, &outData, &ctxData, &curNode, &cpData,
		&bizKey, &mutexKey, &i.Priority, &i.RetryCount, &i.MaxRetries,
		&schedAt, &startAt, &compAt, &intAt,
		&errMsg, &errDetails, &lockOwner, &lockAt,
		&hbAt, &engine, &i.CreatedAt, &i.UpdatedAt, &createdBy)
	if err != nil {
		return nil, err
	}
	i.ExternalID = extID.String
	i.CurrentNodeID = curNode.String
	i.BusinessKey = bizKey.String
	i.MutexKey = mutexKey.String
	i.ErrorMessage = errMsg.String
	i.LockOwner = lockOwner.String
	i.AssignedEngineID = engine.String
	i.CreatedBy = createdBy.String
	i.ScheduledAt = timePtr(schedAt)
	i.StartedAt = timePtr(startAt)
	i.CompletedAt = timePtr(compAt)
	i.InterruptedAt = timePtr(intAt)
	i.LockAcquiredAt = timePtr(lockAt)
	i.LastHeartbeat = timePtr(hbAt)
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	if i.InputData, err = jsonUnmarshal[map[string]any](inData); err != nil {
		return nil, err
	}
	if i.OutputData, err = jsonUnmarshal[map[string]any](outData); err != nil {
		return nil, err
	}
	if i.ContextData, err = jsonUnmarshal[map[string]any](ctxData); err != nil {
		return nil, err
	}
	if i.CheckpointData, err = jsonUnmarshal[map[string]any](cpData); err != nil {
		return nil, err
	}
	if i.ErrorDetails, err = jsonUnmarshal[map[string]any](errDetails); err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *sqlStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inData, err := jsonMarshal(inst.InputData)
	if err != nil {
		return err
	}
	ctxData, err := jsonMarshal(inst.ContextData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(workflow_definition_id, name, external_id, status, input_data, context_data,
			 business_key, mutex_key, priority, retry_count, max_retries, scheduled_at,
			 created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.WorkflowDefinitionID, inst.Name, nullStr(inst.ExternalID), inst.Status,
		inData, ctxData, nullStr(inst.BusinessKey), nullStr(inst.MutexKey),
		inst.Priority, inst.RetryCount, inst.MaxRetries, nullTime(inst.ScheduledAt),
		inst.CreatedAt, inst.UpdatedAt, nullStr(inst.CreatedBy))
	if err != nil {
		if s.conflictErr != nil && s.conflictErr(err) {
			return fmt.Errorf("external id %q: %w", inst.ExternalID, ErrConflict)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	inst.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	return nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %d: %w", id, err)
	}
	return inst, nil
}

func (s *sqlStore) UpdateInstanceStatus(ctx context.Context, id int64, to InstanceStatus, mutate func(*Instance)) (*Instance, error) {
	var out *Instance
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+instanceCols+` FROM workflow_instances WHERE id = ?`, id)
		inst, err := scanInstance(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read instance %d: %w", id, err)
		}
		if !CanTransition(inst.Status, to) {
			return fmt.Errorf("%s -> %s: %w", inst.Status, to, ErrInvalidTransition)
		}

		inst.Status = to
		now := time.Now().UTC()
		applyStatusTimestamps(inst, to, now)
		if mutate != nil {
			mutate(inst)
		}
		inst.UpdatedAt = now

		outData, err := jsonMarshal(inst.OutputData)
		if err != nil {
			return err
		}
		ctxData, err := jsonMarshal(inst.ContextData)
		if err != nil {
			return err
		}
		errDetails, err := jsonMarshal(inst.ErrorDetails)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_instances SET
				status = ?, output_data = ?, context_data = ?, current_node_id = ?,
				retry_count = ?, started_at = ?, completed_at = ?, interrupted_at = ?,
				error_message = ?, error_details = ?, lock_owner = ?, lock_acquired_at = ?,
				last_heartbeat = ?, assigned_engine_id = ?, updated_at = ?
			WHERE id = ?`,
			inst.Status, outData, ctxData, nullStr(inst.CurrentNodeID),
			inst.RetryCount, nullTime(inst.StartedAt), nullTime(inst.CompletedAt), nullTime(inst.InterruptedAt),
			nullStr(inst.ErrorMessage), errDetails, nullStr(inst.LockOwner), nullTime(inst.LockAcquiredAt),
			nullTime(inst.LastHeartbeat), nullStr(inst.AssignedEngineID), inst.UpdatedAt,
			inst.ID)
		if err != nil {
			return fmt.Errorf("update instance %d: %w", id, err)
		}
		out = inst
		return nil
	})
	return out, err
}

func (s *sqlStore) SaveInstanceProgress(ctx context.Context, inst *Instance) error {
	ctxData, err := jsonMarshal(inst.ContextData)
	if err != nil {
		return err
	}
	cpData, err := jsonMarshal(inst.CheckpointData)
	if err != nil {
		return err
	}
	outData, err := jsonMarshal(inst.OutputData)
	if err != nil {
		return err
	}
	errDetails, err := jsonMarshal(inst.ErrorDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET
			context_data = ?, current_node_id = ?, checkpoint_data = ?, output_data = ?,
			retry_count = ?, error_message = ?, error_details = ?, updated_at = ?
		WHERE id = ?`,
		ctxData, nullStr(inst.CurrentNodeID), cpData, outData,
		inst.RetryCount, nullStr(inst.ErrorMessage), errDetails, time.Now().UTC(),
		inst.ID)
	if err != nil {
		return fmt.Errorf("save progress %d: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) TouchInstanceHeartbeat(ctx context.Context, id int64, engineID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_engine_id = ?`,
		now, now, id, StatusRunning, engineID)
	if err != nil {
		return false, fmt.Errorf("heartbeat instance %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// instanceSortCols whitelists ListInstances sort columns.
var instanceSortCols = map[string]string{
	"id":         "id",
	"priority":   "priority",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"status":     "status",
}

func (s *sqlStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, int, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.WorkflowDefinitionID != 0 {
		where = append(where, "workflow_definition_id = ?")
		args = append(args, f.WorkflowDefinitionID)
	}
	if f.BusinessKey != "" {
		where = append(where, "business_key = ?")
		args = append(args, f.BusinessKey)
	}
	if f.ExternalID != "" {
		where = append(where, "external_id = ?")
		args = append(args, f.ExternalID)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	col, ok := instanceSortCols[f.SortBy]
	if !ok {
		col = "id"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	q := `SELECT ` + instanceCols + ` FROM workflow_instances` + cond +
		fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", col, dir)
	args = append(args, size, (page-1)*size)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	out := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

func (s *sqlStore) BulkUpdateInstanceStatus(ctx context.Context, ids []int64, to InstanceStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(ids) > BulkStatusLimit {
		return 0, fmt.Errorf("bulk update of %d ids exceeds limit %d", len(ids), BulkStatusLimit)
	}
	ph := make([]string, len(ids))
	args := []any{to, time.Now().UTC()}
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, updated_at = ? WHERE id IN (`+strings.Join(ph, ", ")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("bulk status update: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) FindRunnable(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM workflow_instances
		WHERE status IN (?, ?) AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority DESC, id ASC LIMIT ?`,
		StatusPending, StatusScheduled, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find runnable: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceCols+` FROM workflow_instances
		WHERE status IN (?, ?) AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY id ASC LIMIT ?`,
		StatusRunning, StatusInterrupted, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountActiveForCreator(ctx context.Context, createdBy string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_instances
		WHERE created_by = ? AND status NOT IN (?, ?, ?)`,
		createdBy, StatusCompleted, StatusCancelled, StatusFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active for %q: %w", createdBy, err)
	}
	return n, nil
}

func (s *sqlStore) DeleteInstance(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_logs WHERE workflow_instance_id = ?`, id); err != nil {
			return fmt.Errorf("delete logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM node_instances WHERE workflow_instance_id = ?`, id); err != nil {
			return fmt.Errorf("delete node instances: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Nodes ---

const nodeCols = `id, workflow_instance_id, node_id, parent_node_instance_id, node_type,
	status, input_data, output_data, error_message, retry_count, started_at, completed_at`

func scanNode(row interface{ Scan(...any) error }) (*NodeInstance, error) {
	var (
		n              NodeInstance
		parent         sql.NullInt64
		inData, out    sql.NullString
		errMsg         sql.NullString
		startAt, compAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.WorkflowInstanceID, &n.NodeID, &parent, &n.NodeType,
		&n.Status, &inData, &out, &errMsg, &n.RetryCount, &startAt, &compAt)
	if err != nil {
		return nil, err
	}
	n.ParentNodeInstanceID = parent.Int64
	n.ErrorMessage = errMsg.String
	n.StartedAt = timePtr(startAt)
	n.CompletedAt = timePtr(compAt)
	if n.InputData, err = jsonUnmarshal[map[string]any](inData); err != nil {
		return nil, err
	}
	if n.OutputData, err = jsonUnmarshal[map[string]any](out); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *sqlStore) CreateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	if ni.Status == "" {
		ni.Status = NodePending
	}
	inData, err := jsonMarshal(ni.InputData)
	if err != nil {
		return err
	}
	outData, err := jsonMarshal(ni.OutputData)
	if err != nil {
		return err
	}
	var parent sql.NullInt64
	if ni.ParentNodeInstanceID != 0 {
		parent = sql.NullInt64{Int64: ni.ParentNodeInstanceID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO node_instances
			(workflow_instance_id, node_id, parent_node_instance_id, node_type, status,
			 input_data, output_data, error_message, retry_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ni.WorkflowInstanceID, ni.NodeID, parent, ni.NodeType, ni.Status,
		inData, outData, nullStr(ni.ErrorMessage), ni.RetryCount,
		nullTime(ni.StartedAt), nullTime(ni.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert node instance: %w", err)
	}
	ni.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("node instance id: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateNodeInstance(ctx context.Context, ni *NodeInstance) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur NodeStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM node_instances WHERE id = ?`, ni.ID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read node instance %d: %w", ni.ID, err)
		}
		if cur.Terminal() {
			return fmt.Errorf("node instance %d (%s): %w", ni.ID, cur, ErrTerminal)
		}
		inData, err := jsonMarshal(ni.InputData)
		if err != nil {
			return err
		}
		outData, err := jsonMarshal(ni.OutputData)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE node_instances SET
				status = ?, input_data = ?, output_data = ?, error_message = ?,
				retry_count = ?, started_at = ?, completed_at = ?
			WHERE id = ?`,
			ni.Status, inData, outData, nullStr(ni.ErrorMessage),
			ni.RetryCount, nullTime(ni.StartedAt), nullTime(ni.CompletedAt), ni.ID)
		if err != nil {
			return fmt.Errorf("update node instance %d: %w", ni.ID, err)
		}
		return nil
	})
}

func (s *sqlStore) ResetNodeInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_instances SET
			status = ?, output_data = NULL, error_message = NULL,
			retry_count = 0, started_at = NULL, completed_at = NULL
		WHERE id = ?`, NodePending, id)
	if err != nil {
		return fmt.Errorf("reset node instance %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset node instance %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetNodeInstance(ctx context.Context, id int64) (*NodeInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM node_instances WHERE id = ?`, id)
	ni, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node instance %d: %w", id, err)
	}
	return ni, nil
}

func (s *sqlStore) ListNodeInstances(ctx context.Context, instanceID int64) ([]*NodeInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeCols+` FROM node_instances WHERE workflow_instance_id = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list node instances: %w", err)
	}
	defer rows.Close()

	var out []*NodeInstance
	for rows.Next() {
		ni, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ni)
	}
	return out, rows.Err()
}

func (s *sqlStore) NodeStats(ctx context.Context, instanceID int64) (map[NodeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM node_instances WHERE workflow_instance_id = ? GROUP BY status`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("node stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[NodeStatus]int)
	for rows.Next() {
		var st NodeStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats[st] = n
	}
	return stats, rows.Err()
}

// --- Logs ---

func (s *sqlStore) AppendLog(ctx context.Context, rec *ExecutionLog) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := jsonMarshal(rec.Data)
	if err != nil {
		return err
	}
	var nodeID sql.NullInt64
	if rec.NodeInstanceID != 0 {
		nodeID = sql.NullInt64{Int64: rec.NodeInstanceID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (workflow_instance_id, node_instance_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.WorkflowInstanceID, nodeID, rec.Level, rec.Message, data, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqlStore) ListLogs(ctx context.Context, instanceID int64, page, pageSize int) ([]*ExecutionLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_logs WHERE workflow_instance_id = ?`, instanceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, node_instance_id, level, message, data, timestamp
		FROM execution_logs WHERE workflow_instance_id = ?
		ORDER BY id LIMIT ? OFFSET ?`,
		instanceID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := []*ExecutionLog{}
	for rows.Next() {
		var (
			rec    ExecutionLog
			nodeID sql.NullInt64
			data   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowInstanceID, &nodeID, &rec.Level, &rec.Message, &data, &rec.Timestamp); err != nil {
			return nil, 0, err
		}
		rec.NodeInstanceID = nodeID.Int64
		rec.Timestamp = rec.Timestamp.UTC()
		if rec.Data, err = jsonUnmarshal[map[string]any](data); err != nil {
			return nil, 0, err
		}
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}

// --- Schedules ---

const scheduleCols = `id, name, workflow_definition_id, executor_name, cron_expression, timezone,
	enabled, max_instances, input_data, context_data, business_key, mutex_key,
	last_fired_at, next_fire_at, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var (
		sc              Schedule
		defID           sql.NullInt64
		execName, tz    sql.NullString
		inData, ctxData sql.NullString
		bizKey, mKey    sql.NullString
		lastAt, nextAt  sql.NullTime
	)
	err := row.Scan(&sc.ID, &sc.Name, &defID, &execName, &sc.CronExpression, &tz,
		&sc.Enabled, &sc.MaxInstances, &inData, &ctxData, &bizKey, &mKey,
		&lastAt, &nextAt, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.WorkflowDefinitionID = defID.Int64
	sc.ExecutorName = execName.String
	sc.Timezone = tz.String
	sc.BusinessKey = bizKey.String
	sc.MutexKey = mKey.String
	sc.LastFiredAt = timePtr(lastAt)
	sc.NextFireAt = timePtr(nextAt)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	if sc.InputData, err = jsonUnmarshal[map[string]any](inData); err != nil {
		return nil, err
	}
	if sc.ContextData, err = jsonUnmarshal[map[string]any](ctxData); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *sqlStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	inData, err := jsonMarshal(sc.InputData)
	if err != nil {
		return err
	}
	ctxData, err := jsonMarshal(sc.ContextData)
	if err != nil {
		return err
	}
	var defID sql.NullInt64
	if sc.WorkflowDefinitionID != 0 {
		defID = sql.NullInt64{Int64: sc.WorkflowDefinitionID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules
			(name, workflow_definition_id, executor_name, cron_expression, timezone, enabled,
			 max_instances, input_data, context_data, business_key, mutex_key,
			 last_fired_at, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.Name, defID, nullStr(sc.ExecutorName), sc.CronExpression, nullStr(sc.Timezone),
		sc.Enabled, sc.MaxInstances, inData, ctxData, nullStr(sc.BusinessKey), nullStr(sc.MutexKey),
		nullTime(sc.LastFiredAt), nullTime(sc.NextFireAt), sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("schedule id: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %d: %w", id, err)
	}
	return sc, nil
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	sc.UpdatedAt = time.Now().UTC()
	inData, err := jsonMarshal(sc.InputData)
	if err != nil {
		return err
	}
	ctxData, err := jsonMarshal(sc.ContextData)
	if err != nil {
		return err
	}
	var defID sql.NullInt64
	if sc.WorkflowDefinitionID != 0 {
		defID = sql.NullInt64{Int64: sc.WorkflowDefinitionID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?, workflow_definition_id = ?, executor_name = ?, cron_expression = ?,
			timezone = ?, enabled = ?, max_instances = ?, input_data = ?, context_data = ?,
			business_key = ?, mutex_key = ?, last_fired_at = ?, next_fire_at = ?, updated_at = ?
		WHERE id = ?`,
		sc.Name, defID, nullStr(sc.ExecutorName), sc.CronExpression,
		nullStr(sc.Timezone), sc.Enabled, sc.MaxInstances, inData, ctxData,
		nullStr(sc.BusinessKey), nullStr(sc.MutexKey), nullTime(sc.LastFiredAt), nullTime(sc.NextFireAt),
		sc.UpdatedAt, sc.ID)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", sc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = ?`
	}
	q += ` ORDER BY id`
	var rows *sql.Rows
	var err error
	if enabledOnly {
		rows, err = s.db.QueryContext(ctx, q, true)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleCols+` FROM schedules
		WHERE enabled = ? AND (next_fire_at IS NULL OR next_fire_at <= ?)
		ORDER BY id`, true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordScheduleExecution(ctx context.Context, se *ScheduleExecution) error {
	if se.FiredAt.IsZero() {
		se.FiredAt = time.Now().UTC()
	}
	var instID sql.NullInt64
	if se.WorkflowInstanceID != 0 {
		instID = sql.NullInt64{Int64: se.WorkflowInstanceID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (schedule_id, workflow_instance_id, fired_at, status, error)
		VALUES (?, ?, ?, ?, ?)`,
		se.ScheduleID, instID, se.FiredAt, se.Status, nullStr(se.Error))
	if err != nil {
		return fmt.Errorf("record schedule execution: %w", err)
	}
	se.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqlStore) ListScheduleExecutions(ctx context.Context, scheduleID int64, limit int) ([]*ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, workflow_instance_id, fired_at, status, error
		FROM schedule_executions WHERE schedule_id = ?
		ORDER BY id DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedule executions: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleExecution
	for rows.Next() {
		var (
			se     ScheduleExecution
			instID sql.NullInt64
			errStr sql.NullString
		)
		if err := rows.Scan(&se.ID, &se.ScheduleID, &instID, &se.FiredAt, &se.Status, &errStr); err != nil {
			return nil, err
		}
		se.WorkflowInstanceID = instID.Int64
		se.Error = errStr.String
		se.FiredAt = se.FiredAt.UTC()
		out = append(out, &se)
	}
	return out, rows.Err()
}

// --- Locks ---

func (s *sqlStore) AcquireLock(ctx context.Context, key, owner string, lt LockType, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// One timestamp per statement so every replica compares against
		// the same write-side clock.
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM distributed_locks WHERE lock_key = ? AND expires_at <= ?`, key, now); err != nil {
			return fmt.Errorf("purge expired lock %q: %w", key, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO distributed_locks (lock_key, owner, lock_type, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`,
			key, owner, lt, now, now.Add(ttl))
		if err != nil {
			if s.conflictErr != nil && s.conflictErr(err) {
				// Live lease held by someone else.
				return nil
			}
			return fmt.Errorf("insert lock %q: %w", key, err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *sqlStore) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE distributed_locks SET expires_at = ?, renewed_at = ?
		WHERE lock_key = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl), now, key, owner, now)
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ForceReleaseLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE lock_key = ?`, key); err != nil {
		return fmt.Errorf("force release lock %q: %w", key, err)
	}
	return nil
}

func (s *sqlStore) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return res.RowsAffected()
}

func scanLock(row interface{ Scan(...any) error }) (*Lock, error) {
	var (
		l        Lock
		renewed  sql.NullTime
		metadata sql.NullString
	)
	if err := row.Scan(&l.LockKey, &l.Owner, &l.LockType, &l.AcquiredAt, &l.ExpiresAt, &renewed, &metadata); err != nil {
		return nil, err
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.RenewedAt = timePtr(renewed)
	l.Metadata = metadata.String
	return &l, nil
}

func (s *sqlStore) GetLock(ctx context.Context, key string) (*Lock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lock_key, owner, lock_type, acquired_at, expires_at, renewed_at, metadata
		FROM distributed_locks WHERE lock_key = ?`, key)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %q: %w", key, err)
	}
	return l, nil
}

func (s *sqlStore) ListLocks(ctx context.Context) ([]*Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lock_key, owner, lock_type, acquired_at, expires_at, renewed_at, metadata
		FROM distributed_locks ORDER BY lock_key`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Engines ---

func (s *sqlStore) UpsertEngine(ctx context.Context, e *Engine) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE engine_instances SET hostname = ?, status = ?, last_heartbeat = ?,
				active_workflows = ?, cpu_usage = ?, memory_usage = ?
			WHERE instance_id = ?`,
			e.Hostname, e.Status, e.LastHeartbeat.UTC(), e.ActiveWorkflows, e.CPUUsage, e.MemoryUsage, e.InstanceID)
		if err != nil {
			return fmt.Errorf("update engine %q: %w", e.InstanceID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO engine_instances (instance_id, hostname, status, last_heartbeat, active_workflows, cpu_usage, memory_usage)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.InstanceID, e.Hostname, e.Status, e.LastHeartbeat.UTC(), e.ActiveWorkflows, e.CPUUsage, e.MemoryUsage)
		if err != nil {
			return fmt.Errorf("insert engine %q: %w", e.InstanceID, err)
		}
		return nil
	})
}

func (s *sqlStore) ListEngines(ctx context.Context) ([]*Engine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, status, last_heartbeat, active_workflows, cpu_usage, memory_usage
		FROM engine_instances ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("list engines: %w", err)
	}
	defer rows.Close()

	var out []*Engine
	for rows.Next() {
		var e Engine
		if err := rows.Scan(&e.InstanceID, &e.Hostname, &e.Status, &e.LastHeartbeat, &e.ActiveWorkflows, &e.CPUUsage, &e.MemoryUsage); err != nil {
			return nil, err
		}
		e.LastHeartbeat = e.LastHeartbeat.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *sqlStore) RemoveEngine(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM engine_instances WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("remove engine %q: %w", instanceID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
