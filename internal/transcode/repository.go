package transcode

import (
	"sort"
	"sync"
)

// Repository is the concurrency-safe streamKey -> Job registry. It only
// guards the map; ordering of lifecycle operations for one key is the
// supervisor's job.
type Repository interface {
	// Get returns the job registered for key.
	Get(key StreamKey) (*Job, bool)

	// Put registers job under its key, replacing any previous entry.
	Put(job *Job)

	// Remove deletes the entry for job's key only if it still points at job,
	// so a late cleanup never removes a newer job.
	Remove(job *Job) bool

	// List returns all registered jobs ordered by stream key.
	List() []*Job

	// ActiveCount returns the number of jobs in Starting or Running.
	// Used for metrics.
	ActiveCount() int
}

// InMemoryRepository is a concurrency-safe implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(key StreamKey) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetJob(key)
}

// Put implements Repository.Put.
func (r *InMemoryRepository) Put(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.SetJob(job)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.store.GetJob(job.Key())
	if !ok || current != job {
		return false
	}
	r.store.DeleteJob(job.Key())
	return true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*Job {
	r.mu.RLock()
	keys := r.store.ListStreamKeys()
	jobs := make([]*Job, 0, len(keys))
	for _, k := range keys {
		if j, ok := r.store.GetJob(k); ok {
			jobs = append(jobs, j)
		}
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Key() < jobs[b].Key() })
	return jobs
}

// ActiveCount implements Repository.ActiveCount.
func (r *InMemoryRepository) ActiveCount() int {
	n := 0
	for _, j := range r.List() {
		if j.State().Active() {
			n++
		}
	}
	return n
}
