package pipeline

import (
	"context"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/search"
)

// fallbackTag marks records whose tags could not be generated.
const fallbackTag = "untagged"

const tagsTemperature = 0.7

type tagsResponse struct {
	Tags            flexStrings `json:"tags"`
	PrimaryCategory string      `json:"primary_category"`
	Category        string      `json:"category"`
}

// BackfillTags generates tags for contacted records that have none. Records
// whose tags cannot be generated get the fallback tag so they are not
// selected again.
func (p *Pipeline) BackfillTags(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageTags, p.backfillTags)
}

func (p *Pipeline) backfillTags(ctx context.Context, rec *model.CompanyRecord, _ *model.Session) (outcome, error) {
	maxTags := p.cfg.Stage(model.StageTags).MaxTags
	opts := p.options(model.StageTags, rec.SessionID)
	opts.Tier = search.TierPro
	opts.Temperature = model.Ptr(tagsTemperature)

	var (
		tags     []string
		category string
		raw      string
		reason   string
	)
	text, err := p.search.Query(ctx, buildTagsPrompt(rec, maxTags), opts)
	switch {
	case err != nil:
		if cerr := callFailed(ctx, err); cerr != nil {
			return outcomeMissed, cerr
		}
		reason = err.Error()
	default:
		raw = text
		var resp tagsResponse
		if perr := decodeJSON(text, &resp); perr != nil {
			reason = perr.Error()
			break
		}
		tags = capTags(resp.Tags, maxTags)
		category = nullString(resp.PrimaryCategory)
		if category == "" {
			category = nullString(resp.Category)
		}
	}

	out := outcomeFound
	if len(tags) == 0 {
		tags = []string{fallbackTag}
		out = outcomeMissed
		if reason == "" {
			reason = "no tags"
		}
	}

	// Tag on a finalized record keeps its watermark.
	next, err := rec.State.Tag()
	if err != nil {
		return outcomeMissed, err
	}
	fields := map[string]any{"tags": len(tags)}
	if reason != "" {
		fields["error"] = reason
	}
	patch := model.StagePatch{
		Stage: model.StageTags,
		Tags:  tags,
		Audit: audit(fields, raw),
	}.WithState(next)
	if category != "" && rec.Category == "" {
		patch.Category = &category
	}
	if _, ok, err := p.apply(ctx, rec.ID, patch); err != nil || !ok {
		return outcomeGone, err
	}
	return out, nil
}
