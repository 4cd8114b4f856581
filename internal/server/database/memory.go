package database

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps everything in process memory. Each user's records sit
// behind that user's own lock, so different users never wait on each other.
type MemoryStore struct {
	users     sync.Map // user ID -> *userRecords
	jobOwner  sync.Map // job ID -> user ID
	historyID atomic.Int64
}

type userRecords struct {
	mu       sync.RWMutex
	user     *User
	settings *UserSettings
	jobs     map[string]*Job
	history  []*HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// records returns the user's partition, creating it on first write.
func (m *MemoryStore) records(userID string) *userRecords {
	if r, ok := m.users.Load(userID); ok {
		return r.(*userRecords)
	}
	r, _ := m.users.LoadOrStore(userID, &userRecords{jobs: make(map[string]*Job)})
	return r.(*userRecords)
}

// lookup is records for readers; unknown users get no partition.
func (m *MemoryStore) lookup(userID string) (*userRecords, bool) {
	r, ok := m.users.Load(userID)
	if !ok {
		return nil, false
	}
	return r.(*userRecords), true
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) (bool, error) {
	r := m.records(u.ID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.user != nil {
		return false, nil
	}
	cp := *u
	r.user = &cp
	return true, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, ErrUserNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.user == nil {
		return nil, ErrUserNotFound
	}
	cp := *r.user
	return &cp, nil
}

func (m *MemoryStore) TouchUser(_ context.Context, id string, at time.Time) error {
	return m.updateUser(id, func(u *User) { u.LastActiveAt = at })
}

func (m *MemoryStore) SetUserTier(_ context.Context, id string, tier Tier) error {
	return m.updateUser(id, func(u *User) { u.Tier = tier })
}

func (m *MemoryStore) AddUserStats(_ context.Context, id string, delta StatsDelta) error {
	return m.updateUser(id, func(u *User) {
		u.TotalFiles += delta.Files
		u.TotalSize += delta.Bytes
		u.TotalProcessingSeconds += delta.Seconds
		if !delta.At.IsZero() {
			u.LastActiveAt = delta.At
		}
	})
}

func (m *MemoryStore) updateUser(id string, fn func(*User)) error {
	r, ok := m.lookup(id)
	if !ok {
		return ErrUserNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.user == nil {
		return ErrUserNotFound
	}
	fn(r.user)
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, userID string) (*UserSettings, error) {
	r, ok := m.lookup(userID)
	if !ok {
		return nil, ErrSettingsNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.settings == nil {
		return nil, ErrSettingsNotFound
	}
	cp := r.settings.Clone()
	return &cp, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, st *UserSettings) error {
	r := m.records(st.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := st.Clone()
	r.settings = &cp
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	r := m.records(job.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = copyJob(job)
	m.jobOwner.Store(job.ID, job.UserID)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	owner, ok := m.jobOwner.Load(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	r, ok := m.lookup(owner.(string))
	if !ok {
		return nil, ErrJobNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *Job, expected JobStatus) error {
	r, ok := m.lookup(job.UserID)
	if !ok {
		return ErrJobNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status != expected {
		return ErrJobConflict
	}
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) CountJobs(_ context.Context, userID string, statuses ...JobStatus) (int, error) {
	r, ok := m.lookup(userID)
	if !ok {
		return 0, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, job := range r.jobs {
		if hasStatus(job.Status, statuses) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) LatestJob(_ context.Context, userID string, status JobStatus) (*Job, error) {
	r, ok := m.lookup(userID)
	if !ok {
		return nil, ErrJobNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Job
	for _, job := range r.jobs {
		if job.Status != status || job.EndedAt == nil {
			continue
		}
		if latest == nil || job.EndedAt.After(*latest.EndedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, ErrJobNotFound
	}
	return copyJob(latest), nil
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...JobStatus) ([]*Job, error) {
	var out []*Job
	m.users.Range(func(_, v any) bool {
		r := v.(*userRecords)
		r.mu.RLock()
		for _, job := range r.jobs {
			if hasStatus(job.Status, statuses) {
				out = append(out, copyJob(job))
			}
		}
		r.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	r := m.records(entry.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *entry
	cp.ID = m.historyID.Add(1)
	entry.ID = cp.ID
	r.history = append(r.history, &cp)
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	r, ok := m.lookup(userID)
	if !ok {
		return []*HistoryEntry{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*HistoryEntry, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0; i-- {
		cp := *r.history[i]
		out = append(out, &cp)
	}
	// Appends are not guaranteed to arrive in timestamp order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func copyJob(job *Job) *Job {
	cp := *job
	if job.EndedAt != nil {
		t := *job.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func hasStatus(status JobStatus, set []JobStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
