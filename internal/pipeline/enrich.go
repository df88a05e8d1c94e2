package pipeline

import (
	"context"
	"strings"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/search"
)

type enrichmentResponse struct {
	Relevance   flexInt     `json:"relevance"`
	Confidence  flexInt     `json:"confidence"`
	Description string      `json:"description"`
	Services    flexStrings `json:"services"`
	Tags        flexStrings `json:"tags"`
	Category    string      `json:"category"`
	Reason      string      `json:"reason"`
}

// Enrich scores each contacted record against the session topic and fills
// description, services, tags and category. It is best-effort: an unusable
// answer falls back to a completeness score.
func (p *Pipeline) Enrich(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageEnrichment, p.enrich)
}

func (p *Pipeline) enrich(ctx context.Context, rec *model.CompanyRecord, sess *model.Session) (outcome, error) {
	maxTags := p.cfg.Stage(model.StageEnrichment).MaxTags
	opts := p.options(model.StageEnrichment, rec.SessionID)
	opts.Tier = search.TierPro

	text, err := p.search.Query(ctx, buildEnrichmentPrompt(rec, sess.Topic, maxTags), opts)
	if err != nil {
		if cerr := callFailed(ctx, err); cerr != nil {
			return outcomeMissed, cerr
		}
		return p.basicValidation(ctx, rec, err.Error(), "")
	}

	var resp enrichmentResponse
	if err := decodeJSON(text, &resp); err != nil {
		return p.basicValidation(ctx, rec, err.Error(), text)
	}

	next, err := rec.State.Enrich(true)
	if err != nil {
		return outcomeMissed, err
	}
	score := clampScore(int(resp.Relevance))
	confidence := clampScore(int(resp.Confidence))
	if resp.Confidence == 0 {
		confidence = 50
	}
	patch := model.StagePatch{
		Stage:            model.StageEnrichment,
		ValidationScore:  &score,
		Confidence:       &confidence,
		ValidationReason: model.Ptr(strings.TrimSpace(resp.Reason)),
		Audit:            audit(map[string]any{"relevance": score, "confidence": confidence}, text),
	}.WithState(next)
	if d := nullString(resp.Description); d != "" {
		patch.Description = &d
	}
	if s := resp.Services.String(); s != "" {
		patch.Services = &s
	}
	if c := nullString(resp.Category); c != "" && rec.Category == "" {
		patch.Category = &c
	}
	if len(resp.Tags) > 0 {
		patch.Tags = capTags(model.UnionStrings(rec.Tags, resp.Tags), maxTags)
	}

	if _, ok, err := p.apply(ctx, rec.ID, patch); err != nil || !ok {
		return outcomeGone, err
	}
	return outcomeFound, nil
}

// basicValidation scores a record by completeness when the model gave no
// usable answer: 20 each for description, services and tags, 40 for any
// contact.
func (p *Pipeline) basicValidation(ctx context.Context, rec *model.CompanyRecord, reason, raw string) (outcome, error) {
	next, err := rec.State.Enrich(false)
	if err != nil {
		return outcomeMissed, err
	}
	score, missing := completenessScore(rec)
	msg := "basic validation: all data present"
	if len(missing) > 0 {
		msg = "basic validation: missing " + strings.Join(missing, ", ")
	}
	_, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
		Stage:            model.StageEnrichment,
		ValidationScore:  &score,
		Confidence:       &score,
		ValidationReason: &msg,
		Audit:            audit(map[string]any{"error": reason, "fallback": true}, raw),
	}.WithState(next))
	if err != nil || !ok {
		return outcomeGone, err
	}
	return outcomeMissed, nil
}

func completenessScore(rec *model.CompanyRecord) (int, []string) {
	var (
		score   int
		missing []string
	)
	check := func(ok bool, points int, name string) {
		if ok {
			score += points
		} else {
			missing = append(missing, name)
		}
	}
	check(rec.Description != "", 20, "description")
	check(rec.Services != "", 20, "services")
	check(len(rec.Tags) > 0, 20, "tags")
	check(rec.HasEmail() || rec.HasWebsite(), 40, "contacts")
	return score, missing
}

func clampScore(n int) int {
	return min(max(n, 0), 100)
}

func capTags(tags []string, n int) []string {
	tags = model.LimitTags(tags)
	if n > 0 && len(tags) > n {
		tags = tags[:n]
	}
	return tags
}
