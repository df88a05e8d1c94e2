package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = eris.New("not found")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status model.SessionStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// RecordFilter specifies criteria for listing company records.
type RecordFilter struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// PublishedFilter specifies criteria for listing published companies.
type PublishedFilter struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the lead pipeline.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, topic string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	SummarizeSession(ctx context.Context, id string) (model.SessionSummary, error)

	// Session queries
	AddQueries(ctx context.Context, sessionID string, keywords []string) ([]model.SessionQuery, error)
	PendingQueries(ctx context.Context, sessionID string) ([]model.SessionQuery, error)
	ConsumeQuery(ctx context.Context, queryID string) error
	// FailQuery counts a failed discovery attempt and returns the new total.
	FailQuery(ctx context.Context, queryID string) (int, error)

	// Company records
	CreateRecords(ctx context.Context, records []model.CompanyRecord) error
	GetRecord(ctx context.Context, id string) (*model.CompanyRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.CompanyRecord, error)
	RecordsReadyForStage(ctx context.Context, sessionID string, stage model.Stage, maxRetryPasses int) ([]model.CompanyRecord, error)
	ApplyStagePatch(ctx context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, error)
	DeleteRecords(ctx context.Context, ids []string) error

	// Published companies
	GetPublishedByWebsite(ctx context.Context, website string) (*model.PublishedCompany, error)
	UpsertPublished(ctx context.Context, companies []model.PublishedCompany) error
	ListPublished(ctx context.Context, filter PublishedFilter) ([]model.PublishedCompany, error)

	// Response cache
	GetCachedResponse(ctx context.Context, key string) (*model.CacheEntry, error)
	SetCachedResponse(ctx context.Context, entry model.CacheEntry) error
	DeleteExpiredResponses(ctx context.Context) (int, error)

	// API call audit
	LogAPICall(ctx context.Context, call model.APICall) error
	UsageBySession(ctx context.Context, sessionID string) ([]model.StageUsage, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// recordColumns is the column order used by every record read and write.
const recordColumns = `id, session_id, query_id, name, website, base_domain, email, emails,
	description, services, tags, category, validation_score, confidence,
	validation_reason, failure_reason, audit, watermark, website_status,
	contact_status, enrichment_status, final_status, website_retries,
	contact_retries, created_at, updated_at`

var recordColumnNames = []string{
	"id", "session_id", "query_id", "name", "website", "base_domain", "email", "emails",
	"description", "services", "tags", "category", "validation_score", "confidence",
	"validation_reason", "failure_reason", "audit", "watermark", "website_status",
	"contact_status", "enrichment_status", "final_status", "website_retries",
	"contact_retries", "created_at", "updated_at",
}

// readyClause returns the SQL predicate pre-selecting records for a stage.
// emptyList is the dialect's literal for an empty JSON array. Results are
// re-checked with CompanyRecord.ReadyFor.
func readyClause(stage model.Stage, maxRetryPasses int, emptyList string) (string, error) {
	notFinal := "final_status = ''"
	switch stage {
	case model.StageWebsite:
		return fmt.Sprintf("%s AND website = '' AND website_status = '' AND watermark >= %d",
			notFinal, model.WatermarkDiscovered), nil
	case model.StageWebsiteRetry:
		return fmt.Sprintf("%s AND website = '' AND website_status = '%s' AND website_retries < %d",
			notFinal, model.StepFailed, maxRetryPasses), nil
	case model.StageContact:
		return fmt.Sprintf("%s AND website <> '' AND email = '' AND watermark >= %d AND contact_status = ''",
			notFinal, model.WatermarkWebsite), nil
	case model.StageContactRetry:
		return fmt.Sprintf("%s AND email = '' AND contact_retries < %d AND (contact_status = '%s' OR (website = '' AND website_status = '%s'))",
			notFinal, maxRetryPasses, model.StepFailed, model.StepFailed), nil
	case model.StageEnrichment:
		return fmt.Sprintf("watermark >= %d AND enrichment_status = ''", model.WatermarkContact), nil
	case model.StageTags:
		return fmt.Sprintf("watermark >= %d AND (tags IS NULL OR tags = %s)", model.WatermarkContact, emptyList), nil
	case model.StageFinalize:
		return fmt.Sprintf("%s AND watermark >= %d", notFinal, model.WatermarkDiscovered), nil
	}
	return "", eris.Errorf("store: stage %q has no record selection", stage)
}

// filterReady keeps the records that satisfy the in-memory readiness check.
func filterReady(records []model.CompanyRecord, stage model.Stage, maxRetryPasses int) []model.CompanyRecord {
	out := records[:0]
	for i := range records {
		if records[i].ReadyFor(stage, maxRetryPasses) {
			out = append(out, records[i])
		}
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with recordColumns.
func scanRecord(row scannable) (*model.CompanyRecord, error) {
	var (
		r                                       model.CompanyRecord
		emailsJSON, tagsJSON, auditJSON         []byte
		watermark, websiteRetries, contactRetry int
		websiteSt, contactSt, enrichSt, finalSt string
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.QueryID, &r.Name, &r.Website, &r.BaseDomain, &r.Email, &emailsJSON,
		&r.Description, &r.Services, &tagsJSON, &r.Category, &r.ValidationScore, &r.Confidence,
		&r.ValidationReason, &r.FailureReason, &auditJSON, &watermark, &websiteSt,
		&contactSt, &enrichSt, &finalSt, &websiteRetries,
		&contactRetry, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(emailsJSON, &r.Emails); err != nil {
		return nil, eris.Wrapf(err, "store: decode emails of %s", r.ID)
	}
	if err := unmarshalJSON(tagsJSON, &r.Tags); err != nil {
		return nil, eris.Wrapf(err, "store: decode tags of %s", r.ID)
	}
	if err := unmarshalJSON(auditJSON, &r.Audit); err != nil {
		return nil, eris.Wrapf(err, "store: decode audit of %s", r.ID)
	}

	r.State, err = model.RestoreState(model.StateSnapshot{
		Watermark:      model.Watermark(watermark),
		Website:        model.StepStatus(websiteSt),
		Contact:        model.StepStatus(contactSt),
		Enrichment:     model.StepStatus(enrichSt),
		Final:          model.StepStatus(finalSt),
		WebsiteRetries: websiteRetries,
		ContactRetries: contactRetry,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "store: restore state of %s", r.ID)
	}
	return &r, nil
}

// recordValues returns the column values of r in recordColumns order.
// JSON columns are encoded as []byte.
func recordValues(r *model.CompanyRecord) ([]any, error) {
	emails, err := marshalList(r.Emails)
	if err != nil {
		return nil, err
	}
	tags, err := marshalList(r.Tags)
	if err != nil {
		return nil, err
	}
	audit := []byte("{}")
	if len(r.Audit) > 0 {
		if audit, err = json.Marshal(r.Audit); err != nil {
			return nil, eris.Wrap(err, "store: encode audit")
		}
	}
	snap := r.State.Snapshot()
	return []any{
		r.ID, r.SessionID, r.QueryID, r.Name, r.Website, r.BaseDomain, r.Email, emails,
		r.Description, r.Services, tags, r.Category, r.ValidationScore, r.Confidence,
		r.ValidationReason, r.FailureReason, audit, int(snap.Watermark), string(snap.Website),
		string(snap.Contact), string(snap.Enrichment), string(snap.Final), snap.WebsiteRetries,
		snap.ContactRetries, r.CreatedAt, r.UpdatedAt,
	}, nil
}

func marshalList(v []string) ([]byte, error) {
	if len(v) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "store: encode list")
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// prepareNewRecord fills the ID and timestamps of a record about to be inserted.
func prepareNewRecord(r *model.CompanyRecord, id string, now time.Time) {
	if r.ID == "" {
		r.ID = id
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// mergePublishedBatch folds companies sharing a website into one entry per
// website, then into the existing rows. existing is keyed by website.
func mergePublishedBatch(companies []model.PublishedCompany, existing map[string]model.PublishedCompany, newID func() string, now time.Time) []model.PublishedCompany {
	order := make([]string, 0, len(companies))
	merged := make(map[string]model.PublishedCompany, len(companies))
	for _, c := range companies {
		if c.Website == "" {
			continue
		}
		cur, ok := merged[c.Website]
		if !ok {
			if prev, found := existing[c.Website]; found {
				cur, ok = prev, true
			}
		}
		if ok {
			cur = model.MergePublished(cur, c)
		} else {
			cur = c
			if cur.ID == "" {
				cur.ID = newID()
			}
			cur.CreatedAt = now
		}
		if _, seen := merged[c.Website]; !seen {
			order = append(order, c.Website)
		}
		cur.UpdatedAt = now
		merged[c.Website] = cur
	}

	out := make([]model.PublishedCompany, 0, len(order))
	for _, w := range order {
		out = append(out, merged[w])
	}
	return out
}
