package model

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// MaxTags caps the number of tags kept on a record.
const MaxTags = 20

// Stage identifies one pipeline stage.
type Stage string

const (
	StageQueryExpansion Stage = "query_expansion"
	StageDiscovery      Stage = "discovery"
	StageWebsite        Stage = "website"
	StageWebsiteRetry   Stage = "website_retry"
	StageContact        Stage = "contact"
	StageContactRetry   Stage = "contact_retry"
	StageEnrichment     Stage = "enrichment"
	StageTags           Stage = "tags"
	StageFinalize       Stage = "finalize"

	// StageMerge is the batch duplicate merge pass. It also keys the audit
	// entry written when duplicates are collapsed.
	StageMerge Stage = "merge"
)

// Stages lists the runnable stages in pipeline order.
var Stages = []Stage{
	StageDiscovery,
	StageWebsite,
	StageWebsiteRetry,
	StageContact,
	StageContactRetry,
	StageEnrichment,
	StageTags,
	StageFinalize,
}

// ParseStage resolves a stage name.
func ParseStage(name string) (Stage, bool) {
	st := Stage(strings.ToLower(strings.TrimSpace(name)))
	if st == StageQueryExpansion || st == StageMerge || slices.Contains(Stages, st) {
		return st, true
	}
	return "", false
}

// CompanyRecord is one discovered company moving through the pipeline.
type CompanyRecord struct {
	ID               string                    `json:"id"`
	SessionID        string                    `json:"session_id"`
	QueryID          string                    `json:"query_id,omitempty"`
	Name             string                    `json:"name"`
	Website          string                    `json:"website,omitempty"`
	BaseDomain       string                    `json:"base_domain,omitempty"`
	Email            string                    `json:"email,omitempty"`
	Emails           []string                  `json:"emails,omitempty"`
	Description      string                    `json:"description,omitempty"`
	Services         string                    `json:"services,omitempty"`
	Tags             []string                  `json:"tags,omitempty"`
	Category         string                    `json:"category,omitempty"`
	ValidationScore  int                       `json:"validation_score"`
	Confidence       int                       `json:"confidence"`
	ValidationReason string                    `json:"validation_reason,omitempty"`
	FailureReason    string                    `json:"failure_reason,omitempty"`
	Audit            map[Stage]json.RawMessage `json:"audit,omitempty"`
	State            PipelineState             `json:"state"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// HasWebsite reports whether a website is known.
func (r *CompanyRecord) HasWebsite() bool { return r.Website != "" }

// HasEmail reports whether at least one email is known.
func (r *CompanyRecord) HasEmail() bool { return r.Email != "" || len(r.Emails) > 0 }

// ReadyFor reports whether the record is eligible for the given stage.
// maxRetryPasses bounds how many retry passes a record may take part in.
func (r *CompanyRecord) ReadyFor(stage Stage, maxRetryPasses int) bool {
	st := r.State
	if st.Terminal() && stage != StageEnrichment && stage != StageTags {
		return false
	}
	switch stage {
	case StageWebsite:
		return !r.HasWebsite() && st.Website() == StepUnset && st.Watermark() >= WatermarkDiscovered
	case StageWebsiteRetry:
		return !r.HasWebsite() && st.Website() == StepFailed && st.WebsiteRetries() < maxRetryPasses
	case StageContact:
		return r.HasWebsite() && !r.HasEmail() && st.Watermark() >= WatermarkWebsite && st.Contact() == StepUnset
	case StageContactRetry:
		if r.HasEmail() || st.ContactRetries() >= maxRetryPasses {
			return false
		}
		return st.Contact() == StepFailed || (!r.HasWebsite() && st.Website() == StepFailed)
	case StageEnrichment:
		return st.Watermark() >= WatermarkContact && st.Enrichment() == StepUnset
	case StageTags:
		return st.Watermark() >= WatermarkContact && len(r.Tags) == 0
	case StageFinalize:
		return st.Watermark() >= WatermarkDiscovered
	}
	return false
}

// AddEmails appends new addresses, keeping the first as the primary email.
func (r *CompanyRecord) AddEmails(emails ...string) {
	r.Emails = UnionStrings(append([]string{r.Email}, r.Emails...), emails)
	if r.Email == "" && len(r.Emails) > 0 {
		r.Email = r.Emails[0]
	}
}

// Apply writes a stage patch onto the record in memory.
func (r *CompanyRecord) Apply(p StagePatch) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Website != nil {
		r.Website = *p.Website
	}
	if p.BaseDomain != nil {
		r.BaseDomain = *p.BaseDomain
	}
	if p.Emails != nil {
		r.Email = ""
		r.Emails = nil
		r.AddEmails(p.Emails...)
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Services != nil {
		r.Services = *p.Services
	}
	if p.Tags != nil {
		r.Tags = LimitTags(p.Tags)
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.ValidationScore != nil {
		r.ValidationScore = *p.ValidationScore
	}
	if p.Confidence != nil {
		r.Confidence = *p.Confidence
	}
	if p.ValidationReason != nil {
		r.ValidationReason = *p.ValidationReason
	}
	if p.FailureReason != nil {
		r.FailureReason = *p.FailureReason
	}
	if len(p.Audit) > 0 {
		if r.Audit == nil {
			r.Audit = make(map[Stage]json.RawMessage)
		}
		r.Audit[p.Stage] = p.Audit
	}
	if p.State != nil {
		r.State = *p.State
	}
}

// StagePatch is a partial update written by one stage. Nil fields are left
// untouched; Emails and Tags replace the stored lists when non-nil.
type StagePatch struct {
	Stage            Stage
	State            *PipelineState
	Name             *string
	Website          *string
	BaseDomain       *string
	Emails           []string
	Description      *string
	Services         *string
	Tags             []string
	Category         *string
	ValidationScore  *int
	Confidence       *int
	ValidationReason *string
	FailureReason    *string
	Audit            json.RawMessage
}

// WithState sets the new pipeline state on the patch.
func (p StagePatch) WithState(s PipelineState) StagePatch {
	p.State = &s
	return p
}

// Ptr returns a pointer to v. Used to build patches.
func Ptr[T any](v T) *T { return &v }

// UnionStrings merges b into a, preserving order and dropping
// case-insensitive duplicates and blanks.
func UnionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			key := strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// LimitTags normalizes a tag list and caps it at MaxTags.
func LimitTags(tags []string) []string {
	out := UnionStrings(nil, tags)
	if len(out) > MaxTags {
		out = out[:MaxTags]
	}
	return out
}
