// Package pipeline advances company records through the enrichment stages:
// discovery, website and contact resolution with retries, enrichment, tag
// backfill and finalization.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// Searcher sends one prompt to a model. *search.Client implements it.
type Searcher interface {
	Query(ctx context.Context, prompt string, opts search.Options) (string, error)
}

// Pipeline runs stages for a session. Stage entry points may be called
// repeatedly; each only touches records ready for it. Two runs over the same
// session must not overlap.
type Pipeline struct {
	cfg    *config.Config
	store  store.Store
	search Searcher
	sink   progress.Sink
	sleep  sleepFunc

	// mergeMu serializes opportunistic merges within a run.
	mergeMu sync.Mutex
}

// New creates a Pipeline. A nil sink logs progress.
func New(cfg *config.Config, st store.Store, s Searcher, sink progress.Sink) *Pipeline {
	if sink == nil {
		sink = progress.Log{}
	}
	return &Pipeline{cfg: cfg, store: st, search: s, sink: sink, sleep: sleepCtx}
}

// StageResult counts the outcome of one record stage.
type StageResult struct {
	Stage     model.Stage `json:"stage"`
	Processed int         `json:"processed"`
	Found     int         `json:"found"`
	Failed    int         `json:"failed"`
}

type outcome int

const (
	outcomeFound outcome = iota
	outcomeMissed
	// outcomeGone means the record was merged away or deleted mid-stage.
	outcomeGone
)

type recordFunc func(ctx context.Context, rec *model.CompanyRecord, sess *model.Session) (outcome, error)

func (p *Pipeline) maxRetryPasses() int {
	return p.cfg.Pipeline.MaxRetryPasses
}

// runRecords loads the records ready for stage and settles fn over them in
// batches, reporting progress. fn returns an error only for failures that
// should stop the session; per-record misses are outcomes.
func (p *Pipeline) runRecords(ctx context.Context, sessionID string, stage model.Stage, fn recordFunc) (StageResult, error) {
	log := zap.L().With(zap.String("session_id", sessionID), zap.String("stage", string(stage)))
	res := StageResult{Stage: stage}

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: %s: get session", stage)
	}
	records, err := p.store.RecordsReadyForStage(ctx, sessionID, stage, p.maxRetryPasses())
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: %s: select records", stage)
	}

	total := len(records)
	p.sink.Start(sessionID, stage, total)
	log.Info("pipeline: stage starting", zap.Int("records", total))

	var mu sync.Mutex
	err = settleAll(ctx, records, p.cfg.Stage(stage), p.sleep, func(ctx context.Context, rec model.CompanyRecord) error {
		out, fnErr := fn(ctx, &rec, sess)

		mu.Lock()
		defer mu.Unlock()
		res.Processed++
		if fnErr == nil {
			switch out {
			case outcomeFound:
				res.Found++
			case outcomeMissed:
				res.Failed++
			}
		}
		p.sink.Update(sessionID, stage, res.Processed, total)
		return eris.Wrapf(fnErr, "record %s", rec.ID)
	})
	if err != nil {
		err = eris.Wrapf(err, "pipeline: %s", stage)
		p.sink.Fail(sessionID, stage, err)
		return res, err
	}

	p.sink.Complete(sessionID, stage, res)
	log.Info("pipeline: stage complete",
		zap.Int("processed", res.Processed),
		zap.Int("found", res.Found),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// options returns the call options configured for stage.
func (p *Pipeline) options(stage model.Stage, sessionID string) search.Options {
	sc := p.cfg.Stage(stage)
	return search.Options{
		Stage:     stage,
		SessionID: sessionID,
		Tier:      search.TierBasic,
		UseCache:  sc.UseCache,
		CacheTTL:  sc.CacheTTL(),
	}
}

// callFailed decides how a failed model call is treated. A done context
// stops the session; anything else is a miss for the record.
func callFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	zap.L().Debug("pipeline: model call failed", zap.Error(err))
	return nil
}

// isModelFailure reports whether err is a model call that exhausted its
// attempts, as opposed to a storage or programming error.
func isModelFailure(err error) bool {
	var ex *search.ExhaustedError
	return errors.As(err, &ex)
}

// apply writes patch to the record. It reports false when the record no
// longer exists.
func (p *Pipeline) apply(ctx context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, bool, error) {
	rec, err := p.store.ApplyStagePatch(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		zap.L().Debug("pipeline: record gone before update", zap.String("record_id", id))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "pipeline: update record %s", id)
	}
	return rec, true, nil
}

// adopt merges rec with session records of the same company after it
// gained a website.
func (p *Pipeline) adopt(ctx context.Context, rec *model.CompanyRecord) error {
	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()

	survivor, merged, err := dedup.ResolveDuplicates(ctx, p.store, rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: merge duplicates of %s", rec.ID)
	}
	if merged {
		zap.L().Info("pipeline: merged duplicate records",
			zap.String("record_id", rec.ID),
			zap.String("survivor", survivor.ID),
			zap.String("website", survivor.Website),
		)
	}
	return nil
}

const maxAuditRaw = 1000

// audit encodes a stage audit entry. raw is the model response, truncated.
func audit(fields map[string]any, raw string) json.RawMessage {
	if raw != "" {
		if len(raw) > maxAuditRaw {
			raw = raw[:maxAuditRaw]
			for !utf8.ValidString(raw) {
				raw = raw[:len(raw)-1]
			}
		}
		fields["raw"] = raw
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
