package transcode

// Store is the persistence abstraction behind the job registry.
// Implementations need not be safe for concurrent use; the Repository
// serializes access.
type Store interface {
	GetJob(key StreamKey) (*Job, bool)
	SetJob(job *Job)
	DeleteJob(key StreamKey)
	ListStreamKeys() []StreamKey
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	jobs map[StreamKey]*Job
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[StreamKey]*Job),
	}
}

// GetJob implements Store.GetJob.
func (s *InMemoryStore) GetJob(key StreamKey) (*Job, bool) {
	j, ok := s.jobs[key]
	return j, ok
}

// SetJob implements Store.SetJob.
func (s *InMemoryStore) SetJob(j *Job) {
	s.jobs[j.Key()] = j
}

// DeleteJob implements Store.DeleteJob.
func (s *InMemoryStore) DeleteJob(key StreamKey) {
	delete(s.jobs, key)
}

// ListStreamKeys implements Store.ListStreamKeys.
func (s *InMemoryStore) ListStreamKeys() []StreamKey {
	keys := make([]StreamKey, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys
}
