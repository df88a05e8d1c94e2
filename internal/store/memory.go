package store

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// MemoryStore implements Store in process memory. It backs tests and
// dry runs; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	sessions  map[string]model.Session
	queries   map[string]model.SessionQuery
	records   map[string]model.CompanyRecord
	published map[string]model.PublishedCompany // keyed by website
	cache     map[string]model.CacheEntry
	calls     []model.APICall
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]model.Session),
		queries:   make(map[string]model.SessionQuery),
		records:   make(map[string]model.CompanyRecord),
		published: make(map[string]model.PublishedCompany),
		cache:     make(map[string]model.CacheEntry),
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, topic string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := model.Session{
		ID:        uuid.New().String(),
		Topic:     topic,
		Status:    model.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return &sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return &sess, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, id string, status model.SessionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	sess.Status = status
	sess.Error = errMsg
	sess.UpdatedAt = s.now()
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for _, sess := range s.sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) SummarizeSession(_ context.Context, id string) (model.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum model.SessionSummary
	if _, ok := s.sessions[id]; !ok {
		return sum, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	for _, r := range s.records {
		if r.SessionID == id {
			sum.Count(&r)
		}
	}
	return sum, nil
}

func (s *MemoryStore) AddQueries(_ context.Context, sessionID string, keywords []string) ([]model.SessionQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	now := s.now()
	out := make([]model.SessionQuery, 0, len(keywords))
	for i, kw := range keywords {
		q := model.SessionQuery{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Keyword:   kw,
			// keep insertion order stable for PendingQueries
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		s.queries[q.ID] = q
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) PendingQueries(_ context.Context, sessionID string) ([]model.SessionQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SessionQuery
	for _, q := range s.queries {
		if q.SessionID == sessionID && !q.Consumed() {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ConsumeQuery(_ context.Context, queryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[queryID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	if q.ConsumedAt == nil {
		now := s.now()
		q.ConsumedAt = &now
		s.queries[queryID] = q
	}
	return nil
}

func (s *MemoryStore) FailQuery(_ context.Context, queryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[queryID]
	if !ok {
		return 0, eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	q.Attempts++
	s.queries[queryID] = q
	return q.Attempts, nil
}

func (s *MemoryStore) CreateRecords(_ context.Context, records []model.CompanyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i := range records {
		r := &records[i]
		prepareNewRecord(r, uuid.New().String(), now.Add(time.Duration(i)*time.Microsecond))
		if _, exists := s.records[r.ID]; exists {
			return eris.Errorf("memory: duplicate record id %s", r.ID)
		}
		s.records[r.ID] = cloneRecord(*r)
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*model.CompanyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	r = cloneRecord(r)
	return &r, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, filter RecordFilter) ([]model.CompanyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.sessionRecords(filter.SessionID)
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) RecordsReadyForStage(_ context.Context, sessionID string, stage model.Stage, maxRetryPasses int) ([]model.CompanyRecord, error) {
	if _, err := readyClause(stage, maxRetryPasses, "'[]'"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterReady(s.sessionRecords(sessionID), stage, maxRetryPasses), nil
}

// sessionRecords returns copies of a session's records in creation order.
// An empty sessionID selects every record. Callers hold the lock.
func (s *MemoryStore) sessionRecords(sessionID string) []model.CompanyRecord {
	var out []model.CompanyRecord
	for _, r := range s.records {
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) ApplyStagePatch(_ context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	r = cloneRecord(r)
	r.Apply(patch)
	r.UpdatedAt = s.now()
	s.records[id] = r

	out := cloneRecord(r)
	return &out, nil
}

func (s *MemoryStore) DeleteRecords(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) GetPublishedByWebsite(_ context.Context, website string) (*model.PublishedCompany, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.published[website]
	if !ok {
		return nil, nil
	}
	p = clonePublished(p)
	return &p, nil
}

func (s *MemoryStore) UpsertPublished(_ context.Context, companies []model.PublishedCompany) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := mergePublishedBatch(companies, s.published, func() string { return uuid.New().String() }, s.now())
	for _, p := range merged {
		s.published[p.Website] = clonePublished(p)
	}
	return nil
}

func (s *MemoryStore) ListPublished(_ context.Context, filter PublishedFilter) ([]model.PublishedCompany, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PublishedCompany
	for _, p := range s.published {
		if filter.SessionID != "" && p.SessionID != filter.SessionID {
			continue
		}
		out = append(out, clonePublished(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Website < out[j].Website })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) GetCachedResponse(_ context.Context, key string) (*model.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[key]
	if !ok || e.Expired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) SetCachedResponse(_ context.Context, entry model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.cache[entry.Key] = entry
	return nil
}

func (s *MemoryStore) DeleteExpiredResponses(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.cache {
		if e.Expired(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LogAPICall(_ context.Context, call model.APICall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = s.now()
	}
	s.calls = append(s.calls, call)
	return nil
}

func (s *MemoryStore) UsageBySession(_ context.Context, sessionID string) ([]model.StageUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStage := make(map[model.Stage]*model.StageUsage)
	for _, c := range s.calls {
		if c.SessionID != sessionID {
			continue
		}
		u, ok := byStage[c.Stage]
		if !ok {
			u = &model.StageUsage{Stage: c.Stage}
			byStage[c.Stage] = u
		}
		u.Calls++
		switch c.Status {
		case model.CallCached:
			u.CachedCalls++
		case model.CallFailed:
			u.FailedCalls++
		}
		u.InputTokens += c.InputTokens
		u.OutputTokens += c.OutputTokens
		u.CostUSD += c.CostUSD
	}

	out := make([]model.StageUsage, 0, len(byStage))
	for _, st := range slices.Sorted(maps.Keys(byStage)) {
		out = append(out, *byStage[st])
	}
	return out, nil
}

// APICalls returns a copy of the logged calls.
func (s *MemoryStore) APICalls() []model.APICall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.calls)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if l := listLimit(limit); len(items) > l {
		items = items[:l]
	}
	return items
}

func cloneRecord(r model.CompanyRecord) model.CompanyRecord {
	r.Emails = slices.Clone(r.Emails)
	r.Tags = slices.Clone(r.Tags)
	if r.Audit != nil {
		audit := make(map[model.Stage]json.RawMessage, len(r.Audit))
		for k, v := range r.Audit {
			audit[k] = slices.Clone(v)
		}
		r.Audit = audit
	}
	return r
}

func clonePublished(p model.PublishedCompany) model.PublishedCompany {
	p.Emails = slices.Clone(p.Emails)
	p.Tags = slices.Clone(p.Tags)
	return p
}
