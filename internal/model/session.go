package model

import "time"

// SessionStatus is the lifecycle state of a discovery session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session groups the records discovered for one topic.
type Session struct {
	ID        string        `json:"id"`
	Topic     string        `json:"topic"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionSummary counts the records of a session by progress.
type SessionSummary struct {
	Records     int `json:"records"`
	WithWebsite int `json:"with_website"`
	WithEmail   int `json:"with_email"`
	Enriched    int `json:"enriched"`
	Finalized   int `json:"finalized"`
	Rejected    int `json:"rejected"`
}

// Count adds one record to the summary.
func (s *SessionSummary) Count(r *CompanyRecord) {
	s.Records++
	if r.HasWebsite() {
		s.WithWebsite++
	}
	if r.HasEmail() {
		s.WithEmail++
	}
	if r.State.Enrichment() != StepUnset {
		s.Enriched++
	}
	switch r.State.Final() {
	case StepCompleted:
		s.Finalized++
	case StepFailed:
		s.Rejected++
	}
}

// SessionQuery is one search keyword variant of a session. It is consumed
// once by discovery.
type SessionQuery struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Keyword    string     `json:"keyword"`
	Attempts   int        `json:"attempts"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Consumed reports whether discovery already ran for this query.
func (q SessionQuery) Consumed() bool { return q.ConsumedAt != nil }

// CacheEntry is a cached model response.
type CacheEntry struct {
	Key          string    `json:"key"`
	Stage        Stage     `json:"stage"`
	Response     string    `json:"response"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the entry may no longer be served.
func (e CacheEntry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// CallStatus is the outcome of one logical model call.
type CallStatus string

const (
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
	CallCached    CallStatus = "cached"
)

// APICall is the audit row written for every logical model call.
type APICall struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	Stage        Stage      `json:"stage"`
	Model        string     `json:"model"`
	Status       CallStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	LatencyMS    int64      `json:"latency_ms"`
	HTTPStatus   int        `json:"http_status,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// StageUsage aggregates model usage for one stage of a session.
type StageUsage struct {
	Stage        Stage   `json:"stage"`
	Calls        int     `json:"calls"`
	CachedCalls  int     `json:"cached_calls"`
	FailedCalls  int     `json:"failed_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// PublishedCompany is a finalized record, unique by website.
type PublishedCompany struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"record_id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Website     string    `json:"website"`
	BaseDomain  string    `json:"base_domain"`
	Emails      []string  `json:"emails"`
	Description string    `json:"description,omitempty"`
	Services    string    `json:"services,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Category    string    `json:"category,omitempty"`
	Score       int       `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Publish builds the published form of a finalized record.
func Publish(r *CompanyRecord) PublishedCompany {
	return PublishedCompany{
		RecordID:    r.ID,
		SessionID:   r.SessionID,
		Name:        r.Name,
		Website:     r.Website,
		BaseDomain:  r.BaseDomain,
		Emails:      UnionStrings(nil, append([]string{r.Email}, r.Emails...)),
		Description: r.Description,
		Services:    r.Services,
		Tags:        LimitTags(r.Tags),
		Category:    r.Category,
		Score:       r.ValidationScore,
	}
}

// MergePublished folds an incoming publication into an existing one with the
// same website. Emails and tags are unioned and empty fields filled.
func MergePublished(existing, incoming PublishedCompany) PublishedCompany {
	existing.Emails = UnionStrings(existing.Emails, incoming.Emails)
	existing.Tags = LimitTags(UnionStrings(existing.Tags, incoming.Tags))
	if existing.Description == "" {
		existing.Description = incoming.Description
	}
	if existing.Services == "" {
		existing.Services = incoming.Services
	}
	if existing.Category == "" {
		existing.Category = incoming.Category
	}
	if incoming.Score > existing.Score {
		existing.Score = incoming.Score
	}
	return existing
}
