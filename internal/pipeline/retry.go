package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/search"
)

const retryMaxTokens = 500

// retryTemperatures escalate per attempt.
var retryTemperatures = [...]float64{0.3, 0.5}

// retryOptions configures attempt (0-based) of a retry stage. Retries use the
// pro model and are never cached: a cached miss would repeat itself.
func (p *Pipeline) retryOptions(stage model.Stage, sessionID string, attempt int) search.Options {
	return search.Options{
		Stage:       stage,
		SessionID:   sessionID,
		Tier:        search.TierPro,
		Temperature: model.Ptr(retryTemperatures[attempt]),
		MaxTokens:   retryMaxTokens,
		System:      retrySystem,
	}
}

// RetryWebsites makes two escalating attempts to find a website for
// records whose website lookup failed. Each record takes part in at most
// pipeline.max_retry_passes passes.
func (p *Pipeline) RetryWebsites(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageWebsiteRetry, p.retryWebsite)
}

func (p *Pipeline) retryWebsite(ctx context.Context, rec *model.CompanyRecord, sess *model.Session) (outcome, error) {
	const stage = model.StageWebsiteRetry
	state := rec.State.CountRetry(stage)
	log := zap.L().With(zap.String("stage", string(stage)), zap.String("company", rec.Name))

	var (
		emails []string
		last   string
	)
	for attempt := range retryTemperatures {
		text, err := p.search.Query(ctx, buildWebsiteRetryPrompt(rec, sess.Topic, attempt), p.retryOptions(stage, rec.SessionID, attempt))
		if err != nil {
			if cerr := callFailed(ctx, err); cerr != nil {
				return outcomeMissed, cerr
			}
			log.Debug("pipeline: retry attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		last = text
		site, found := parseWebsite(text)
		emails = append(emails, found...)
		if site != "" {
			return p.adoptWebsite(ctx, rec, stage, state, site, emails, text)
		}
	}

	patch := model.StagePatch{
		Stage: stage,
		Audit: audit(map[string]any{"error": "no valid website", "pass": state.WebsiteRetries()}, last),
	}.WithState(state)
	if len(emails) > 0 && !rec.HasEmail() {
		updated := *rec
		updated.AddEmails(emails...)
		patch.Emails = updated.Emails
	}
	_, ok, err := p.apply(ctx, rec.ID, patch)
	if err != nil || !ok {
		return outcomeGone, err
	}
	return outcomeMissed, nil
}

// RetryContacts makes two escalating attempts to find an email for records
// whose contact lookup failed or that never got a website. A website found
// for a record without one rewinds the record to the contact stage, which
// then validates the new site.
func (p *Pipeline) RetryContacts(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageContactRetry, p.retryContact)
}

func (p *Pipeline) retryContact(ctx context.Context, rec *model.CompanyRecord, _ *model.Session) (outcome, error) {
	const stage = model.StageContactRetry
	state := rec.State.CountRetry(stage)
	log := zap.L().With(zap.String("stage", string(stage)), zap.String("company", rec.Name))

	var (
		emails []string
		last   string
	)
	for attempt := range retryTemperatures {
		text, err := p.search.Query(ctx, buildContactRetryPrompt(rec, attempt), p.retryOptions(stage, rec.SessionID, attempt))
		if err != nil {
			if cerr := callFailed(ctx, err); cerr != nil {
				return outcomeMissed, cerr
			}
			log.Debug("pipeline: retry attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		last = text
		found, site := parseContact(text)

		if !rec.HasWebsite() && site != "" {
			return p.rewindWithWebsite(ctx, rec, state, site, text)
		}
		if rec.HasWebsite() && len(found) > 0 {
			return p.storeContact(ctx, rec, stage, state, found, text)
		}
		emails = append(emails, found...)
	}

	if len(emails) > 0 {
		// Emails without a website cannot resolve the contact step; keep them
		// for finalization.
		updated := *rec
		updated.AddEmails(emails...)
		_, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
			Stage:  stage,
			Emails: updated.Emails,
			Audit:  audit(map[string]any{"emails": emails, "error": "no website"}, last),
		}.WithState(state))
		if err != nil || !ok {
			return outcomeGone, err
		}
		return outcomeMissed, nil
	}
	return p.failContact(ctx, rec, state, stage, "no valid email", last)
}

// rewindWithWebsite stores only the website found by a contact retry and
// sends the record back to contact resolution.
func (p *Pipeline) rewindWithWebsite(ctx context.Context, rec *model.CompanyRecord, state model.PipelineState, site, raw string) (outcome, error) {
	next, err := state.RewindToContact()
	if err != nil {
		return outcomeMissed, err
	}
	stored, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
		Stage:      model.StageContactRetry,
		Website:    &site,
		BaseDomain: model.Ptr(dedup.BaseDomain(site)),
		Audit:      audit(map[string]any{"website": site, "rewound": true}, raw),
	}.WithState(next))
	if err != nil || !ok {
		return outcomeGone, err
	}
	zap.L().Info("pipeline: contact retry found website",
		zap.String("company", rec.Name),
		zap.String("website", site),
	)
	return outcomeFound, p.adopt(ctx, stored)
}
