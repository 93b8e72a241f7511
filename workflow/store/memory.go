package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for testing and single-process development. It honors the same
// transactional contracts as the SQL stores (state-machine checks, terminal
// immutability, delete-then-insert lock acquisition) under one mutex.
//
// Data is lost when the process terminates; MemStore is not suitable for
// coordination across engine replicas.
type MemStore struct {
	mu sync.Mutex

	defSeq  int64
	instSeq int64
	nodeSeq int64
	logSeq  int64
	schSeq  int64
	seSeq   int64

	definitions map[int64]*Definition
	instances   map[int64]*Instance
	nodes       map[int64]*NodeInstance
	logs        []*ExecutionLog
	schedules   map[int64]*Schedule
	scheduleExs []*ScheduleExecution
	locks       map[string]*Lock
	engines     map[string]*Engine
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		definitions: make(map[int64]*Definition),
		instances:   make(map[int64]*Instance),
		nodes:       make(map[int64]*NodeInstance),
		schedules:   make(map[int64]*Schedule),
		locks:       make(map[string]*Lock),
		engines:     make(map[string]*Engine),
	}
}

// clone deep-copies a value via a JSON round trip, the same way context
// bags are isolated between workers.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return out
}

// --- Definitions ---

func (m *MemStore) CreateDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.definitions {
		if d.Name == def.Name && d.Version == def.Version {
			return fmt.Errorf("definition %s v%d: %w", def.Name, def.Version, ErrConflict)
		}
	}
	m.defSeq++
	def.ID = m.defSeq
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	m.definitions[def.ID] = clone(def)
	return nil
}

func (m *MemStore) GetDefinition(_ context.Context, id int64) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemStore) GetDefinitionByName(_ context.Context, name string, version int) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Definition
	for _, d := range m.definitions {
		if d.Name != name {
			continue
		}
		if version != 0 {
			if d.Version == version {
				return clone(d), nil
			}
			continue
		}
		if best == nil || d.Version > best.Version {
			best = d
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return clone(best), nil
}

func (m *MemStore) ListDefinitions(_ context.Context, name string) ([]*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Definition
	for _, d := range m.definitions {
		if name != "" && d.Name != name {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Instances ---

func (m *MemStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.ExternalID != "" {
		for _, i := range m.instances {
			if i.ExternalID == inst.ExternalID {
				return fmt.Errorf("external id %q: %w", inst.ExternalID, ErrConflict)
			}
		}
	}
	m.instSeq++
	inst.ID = m.instSeq
	now := time.Now().UTC()
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.instances[inst.ID] = clone(inst)
	return nil
}

func (m *MemStore) GetInstance(_ context.Context, id int64) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(i), nil
}

// applyStatusTimestamps maintains the timestamp invariants of the instance
// state machine: completedAt set iff status is terminal or failed,
// startedAt on first entry to running, interruptedAt on interruption.
func applyStatusTimestamps(inst *Instance, to InstanceStatus, now time.Time) {
	switch to {
	case StatusRunning:
		if inst.StartedAt == nil {
			t := now
			inst.StartedAt = &t
		}
		inst.CompletedAt = nil
	case StatusCompleted, StatusCancelled, StatusFailed:
		t := now
		inst.CompletedAt = &t
	case StatusInterrupted:
		t := now
		inst.InterruptedAt = &t
	}
}

func (m *MemStore) UpdateInstanceStatus(_ context.Context, id int64, to InstanceStatus, mutate func(*Instance)) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(inst.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", inst.Status, to, ErrInvalidTransition)
	}

	next := clone(inst)
	next.Status = to
	now := time.Now().UTC()
	applyStatusTimestamps(next, to, now)
	if mutate != nil {
		mutate(next)
	}
	next.UpdatedAt = now
	m.instances[id] = clone(next)
	return next, nil
}

func (m *MemStore) SaveInstanceProgress(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	cur.ContextData = clone(inst.ContextData)
	cur.CurrentNodeID = inst.CurrentNodeID
	cur.CheckpointData = clone(inst.CheckpointData)
	cur.OutputData = clone(inst.OutputData)
	cur.RetryCount = inst.RetryCount
	cur.ErrorMessage = inst.ErrorMessage
	cur.ErrorDetails = clone(inst.ErrorDetails)
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) TouchInstanceHeartbeat(_ context.Context, id int64, engineID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	if inst.Status != StatusRunning || inst.AssignedEngineID != engineID {
		return false, nil
	}
	now := time.Now().UTC()
	inst.LastHeartbeat = &now
	inst.UpdatedAt = now
	return true, nil
}

func matchFilter(i *Instance, f InstanceFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if i.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.WorkflowDefinitionID != 0 && i.WorkflowDefinitionID != f.WorkflowDefinitionID {
		return false
	}
	if f.BusinessKey != "" && i.BusinessKey != f.BusinessKey {
		return false
	}
	if f.ExternalID != "" && i.ExternalID != f.ExternalID {
		return false
	}
	if f.CreatedBy != "" && i.CreatedBy != f.CreatedBy {
		return false
	}
	if f.CreatedAfter != nil && i.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && i.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func (m *MemStore) ListInstances(_ context.Context, f InstanceFilter) ([]*Instance, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Instance
	for _, i := range m.instances {
		if matchFilter(i, f) {
			all = append(all, clone(i))
		}
	}

	sortBy := f.SortBy
	sort.Slice(all, func(a, b int) bool {
		var less bool
		switch sortBy {
		case "priority":
			less = all[a].Priority < all[b].Priority
		case "created_at":
			less = all[a].CreatedAt.Before(all[b].CreatedAt)
		case "updated_at":
			less = all[a].UpdatedAt.Before(all[b].UpdatedAt)
		default:
			less = all[a].ID < all[b].ID
		}
		if f.SortDesc {
			return !less
		}
		return less
	})

	total := len(all)
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	start := (page - 1) * size
	if start >= total {
		return []*Instance{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *MemStore) BulkUpdateInstanceStatus(_ context.Context, ids []int64, to InstanceStatus) (int64, error) {
	if len(ids) > BulkStatusLimit {
		return 0, fmt.Errorf("bulk update of %d ids exceeds limit %d", len(ids), BulkStatusLimit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, id := range ids {
		if inst, ok := m.instances[id]; ok {
			inst.Status = to
			applyStatusTimestamps(inst, to, now)
			inst.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemStore) FindRunnable(_ context.Context, now time.Time, limit int) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Instance
	for _, i := range m.instances {
		if i.Status != StatusPending && i.Status != StatusScheduled {
			continue
		}
		if i.ScheduledAt != nil && i.ScheduledAt.After(now) {
			continue
		}
		out = append(out, clone(i))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) FindStale(_ context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Instance
	for _, i := range m.instances {
		if i.Status != StatusRunning && i.Status != StatusInterrupted {
			continue
		}
		if i.LastHeartbeat != nil && !i.LastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, clone(i))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CountActiveForCreator(_ context.Context, createdBy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, i := range m.instances {
		if i.CreatedBy == createdBy && !i.Status.Terminal() && i.Status != StatusFailed {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) DeleteInstance(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	for nid, n := range m.nodes {
		if n.WorkflowInstanceID == id {
			delete(m.nodes, nid)
		}
	}
	kept := m.logs[:0]
	for _, l := range m.logs {
		if l.WorkflowInstanceID != id {
			kept = append(kept, l)
		}
	}
	m.logs = kept
	return nil
}

// --- Nodes ---

func (m *MemStore) CreateNodeInstance(_ context.Context, ni *NodeInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodeSeq++
	ni.ID = m.nodeSeq
	if ni.Status == "" {
		ni.Status = NodePending
	}
	m.nodes[ni.ID] = clone(ni)
	return nil
}

func (m *MemStore) UpdateNodeInstance(_ context.Context, ni *NodeInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.nodes[ni.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("node instance %d (%s): %w", cur.ID, cur.Status, ErrTerminal)
	}
	m.nodes[ni.ID] = clone(ni)
	return nil
}

func (m *MemStore) ResetNodeInstance(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ni, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	ni.Status = NodePending
	ni.OutputData = nil
	ni.ErrorMessage = ""
	ni.RetryCount = 0
	ni.StartedAt = nil
	ni.CompletedAt = nil
	return nil
}

func (m *MemStore) GetNodeInstance(_ context.Context, id int64) (*NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(n), nil
}

func (m *MemStore) ListNodeInstances(_ context.Context, instanceID int64) ([]*NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*NodeInstance
	for _, n := range m.nodes {
		if n.WorkflowInstanceID == instanceID {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemStore) NodeStats(_ context.Context, instanceID int64) (map[NodeStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[NodeStatus]int)
	for _, n := range m.nodes {
		if n.WorkflowInstanceID == instanceID {
			stats[n.Status]++
		}
	}
	return stats, nil
}

// --- Logs ---

func (m *MemStore) AppendLog(_ context.Context, rec *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logSeq++
	rec.ID = m.logSeq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.logs = append(m.logs, clone(rec))
	return nil
}

func (m *MemStore) ListLogs(_ context.Context, instanceID int64, page, pageSize int) ([]*ExecutionLog, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*ExecutionLog
	for _, l := range m.logs {
		if l.WorkflowInstanceID == instanceID {
			all = append(all, clone(l))
		}
	}
	total := len(all)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []*ExecutionLog{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// --- Schedules ---

func (m *MemStore) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schSeq++
	s.ID = m.schSeq
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.schedules[s.ID] = clone(s)
	return nil
}

func (m *MemStore) GetSchedule(_ context.Context, id int64) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemStore) UpdateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	m.schedules[s.ID] = clone(s)
	return nil
}

func (m *MemStore) DeleteSchedule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Schedule
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemStore) DueSchedules(_ context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Schedule
	for _, s := range m.schedules {
		if !s.Enabled {
			continue
		}
		if s.NextFireAt != nil && s.NextFireAt.After(now) {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemStore) RecordScheduleExecution(_ context.Context, se *ScheduleExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seSeq++
	se.ID = m.seSeq
	if se.FiredAt.IsZero() {
		se.FiredAt = time.Now().UTC()
	}
	m.scheduleExs = append(m.scheduleExs, clone(se))
	return nil
}

func (m *MemStore) ListScheduleExecutions(_ context.Context, scheduleID int64, limit int) ([]*ScheduleExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ScheduleExecution
	for i := len(m.scheduleExs) - 1; i >= 0; i-- {
		if m.scheduleExs[i].ScheduleID == scheduleID {
			out = append(out, clone(m.scheduleExs[i]))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Locks ---

func (m *MemStore) AcquireLock(_ context.Context, key, owner string, lt LockType, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if cur, ok := m.locks[key]; ok {
		if cur.ExpiresAt.After(now) {
			return false, nil
		}
		delete(m.locks, key)
	}
	m.locks[key] = &Lock{
		LockKey:    key,
		Owner:      owner,
		LockType:   lt,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

func (m *MemStore) RenewLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cur, ok := m.locks[key]
	if !ok || cur.Owner != owner || !cur.ExpiresAt.After(now) {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	t := now
	cur.RenewedAt = &t
	return true, nil
}

func (m *MemStore) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.Owner != owner {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemStore) ForceReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, key)
	return nil
}

func (m *MemStore) CleanupExpiredLocks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for key, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, key)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetLock(_ context.Context, key string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(l), nil
}

func (m *MemStore) ListLocks(_ context.Context) ([]*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Lock
	for _, l := range m.locks {
		out = append(out, clone(l))
	}
	sort.Slice(out, func(a, b int) bool { return strings.Compare(out[a].LockKey, out[b].LockKey) < 0 })
	return out, nil
}

// --- Engines ---

func (m *MemStore) UpsertEngine(_ context.Context, e *Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engines[e.InstanceID] = clone(e)
	return nil
}

func (m *MemStore) ListEngines(_ context.Context) ([]*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Engine
	for _, e := range m.engines {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InstanceID < out[b].InstanceID })
	return out, nil
}

func (m *MemStore) RemoveEngine(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.engines, instanceID)
	return nil
}

// Close is a no-op for MemStore.
func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
