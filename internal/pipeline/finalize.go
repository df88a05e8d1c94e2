package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Rejection reasons written by Finalize.
const (
	ReasonMissingWebsite = "missing_website"
	ReasonNoEmails       = "no_emails"
	ReasonIncomplete     = "incomplete"
)

// FinalizeResult counts the admitted and rejected records of a finalize run.
type FinalizeResult struct {
	Finalized int `json:"finalized"`
	Skipped   int `json:"skipped"`
}

// Finalize publishes every open record that has a website and at least one
// email, merging with any published company of the same website. Other
// records are rejected with a reason.
func (p *Pipeline) Finalize(ctx context.Context, sessionID string) (FinalizeResult, error) {
	const stage = model.StageFinalize
	var res FinalizeResult

	records, err := p.store.RecordsReadyForStage(ctx, sessionID, stage, p.maxRetryPasses())
	if err != nil {
		return res, eris.Wrap(err, "pipeline: finalize: select records")
	}
	total := len(records)
	p.sink.Start(sessionID, stage, total)

	fail := func(err error) (FinalizeResult, error) {
		p.sink.Fail(sessionID, stage, err)
		return res, err
	}

	size := max(p.cfg.Stage(stage).BatchSize, 1)
	for start := 0; start < total; start += size {
		batch := records[start:min(start+size, total)]

		var (
			admitted  []model.CompanyRecord
			published []model.PublishedCompany
		)
		for i := range batch {
			rec := &batch[i]
			if reason := rejectReason(rec); reason != "" {
				if err := p.reject(ctx, rec, reason); err != nil {
					return fail(err)
				}
				res.Skipped++
				continue
			}
			admitted = append(admitted, *rec)
			published = append(published, model.Publish(rec))
		}

		// Publish before marking records final so a crash in between is
		// repaired by the next run.
		if len(published) > 0 {
			if err := p.store.UpsertPublished(ctx, published); err != nil {
				return fail(eris.Wrap(err, "pipeline: finalize: publish"))
			}
		}
		for i := range admitted {
			rec := &admitted[i]
			next, err := rec.State.Finalize()
			if err != nil {
				return fail(err)
			}
			if _, _, err := p.apply(ctx, rec.ID, model.StagePatch{
				Stage: stage,
				Audit: audit(map[string]any{"published": rec.Website}, ""),
			}.WithState(next)); err != nil {
				return fail(err)
			}
			res.Finalized++
		}
		p.sink.Update(sessionID, stage, min(start+size, total), total)
	}

	p.sink.Complete(sessionID, stage, res)
	zap.L().Info("pipeline: finalize complete",
		zap.String("session_id", sessionID),
		zap.Int("finalized", res.Finalized),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// rejectReason returns why rec cannot be published, or "" when it can.
func rejectReason(rec *model.CompanyRecord) string {
	switch {
	case !rec.HasWebsite():
		return ReasonMissingWebsite
	case !rec.HasEmail():
		return ReasonNoEmails
	case rec.State.Watermark() < model.WatermarkContact:
		return ReasonIncomplete
	}
	return ""
}

func (p *Pipeline) reject(ctx context.Context, rec *model.CompanyRecord, reason string) error {
	next, err := rec.State.Reject()
	if err != nil {
		return err
	}
	_, _, err = p.apply(ctx, rec.ID, model.StagePatch{
		Stage:         model.StageFinalize,
		FailureReason: &reason,
		Audit:         audit(map[string]any{"reason": reason}, ""),
	}.WithState(next))
	return err
}
