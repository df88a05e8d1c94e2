package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/model"
)

type websiteResponse struct {
	Website    string      `json:"website"`
	URL        string      `json:"url"`
	Email      string      `json:"email"`
	Emails     flexStrings `json:"emails"`
	Confidence flexInt     `json:"confidence"`
	Source     string      `json:"source"`
	Note       string      `json:"note"`
}

// parseWebsite reads a website answer. Without JSON, the first URL in the
// text is used.
func parseWebsite(text string) (site string, emails []string) {
	var resp websiteResponse
	if err := decodeJSON(text, &resp); err != nil {
		if s, ok := CleanWebsite(firstURL(text)); ok {
			return s, nil
		}
		return "", nil
	}
	raw := resp.Website
	if nullString(raw) == "" {
		raw = resp.URL
	}
	site, _ = CleanWebsite(raw)
	return site, CleanEmails(append([]string{resp.Email}, resp.Emails...))
}

// ResolveWebsites looks up the official website of every record that has
// none yet. A found website may bring an email along, satisfying the
// contact stage too.
func (p *Pipeline) ResolveWebsites(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageWebsite, p.resolveWebsite)
}

func (p *Pipeline) resolveWebsite(ctx context.Context, rec *model.CompanyRecord, sess *model.Session) (outcome, error) {
	text, err := p.search.Query(ctx, buildWebsitePrompt(rec, sess.Topic), p.options(model.StageWebsite, rec.SessionID))
	if err != nil {
		if cerr := callFailed(ctx, err); cerr != nil {
			return outcomeMissed, cerr
		}
		return p.failWebsite(ctx, rec, err.Error(), "")
	}

	site, emails := parseWebsite(text)
	if site == "" {
		return p.failWebsite(ctx, rec, "no valid website", text)
	}
	return p.adoptWebsite(ctx, rec, model.StageWebsite, rec.State, site, emails, text)
}

// adoptWebsite stores a found website with any emails and resolves the
// website step, then merges the record with duplicates.
func (p *Pipeline) adoptWebsite(ctx context.Context, rec *model.CompanyRecord, stage model.Stage, state model.PipelineState, site string, emails []string, raw string) (outcome, error) {
	updated := *rec
	updated.AddEmails(emails...)
	next, err := state.ResolveWebsite(updated.HasEmail())
	if err != nil {
		return outcomeMissed, err
	}

	patch := model.StagePatch{
		Stage:      stage,
		Website:    &site,
		BaseDomain: model.Ptr(dedup.BaseDomain(site)),
		Audit:      audit(map[string]any{"website": site, "emails": emails}, raw),
	}.WithState(next)
	if len(emails) > 0 {
		patch.Emails = updated.Emails
	}
	stored, ok, err := p.apply(ctx, rec.ID, patch)
	if err != nil || !ok {
		return outcomeGone, err
	}

	zap.L().Debug("pipeline: website found",
		zap.String("stage", string(stage)),
		zap.String("company", rec.Name),
		zap.String("website", site),
	)
	return outcomeFound, p.adopt(ctx, stored)
}

func (p *Pipeline) failWebsite(ctx context.Context, rec *model.CompanyRecord, reason, raw string) (outcome, error) {
	next, err := rec.State.FailWebsite()
	if err != nil {
		return outcomeMissed, err
	}
	_, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
		Stage: model.StageWebsite,
		Audit: audit(map[string]any{"error": reason}, raw),
	}.WithState(next))
	if err != nil || !ok {
		return outcomeGone, err
	}
	return outcomeMissed, nil
}
