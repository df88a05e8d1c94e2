package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// RunResult summarizes a full session run.
type RunResult struct {
	SessionID string               `json:"session_id"`
	Discovery DiscoveryResult      `json:"discovery"`
	Stages    []StageResult        `json:"stages"`
	Merge     dedup.PassResult     `json:"merge"`
	Finalize  FinalizeResult       `json:"finalize"`
	Summary   model.SessionSummary `json:"summary"`
	Duration  time.Duration        `json:"duration"`
}

// RunSession drives a session through every stage in order: discovery,
// websites, website retry, contacts, contact retry, the merge pass,
// enrichment, tags and finalization. Contacts run a second time after the
// contact retry so records rewound with a new website are validated. The first systemic error marks the
// session failed and is returned. Re-running a session resumes where it
// stopped.
func (p *Pipeline) RunSession(ctx context.Context, sessionID string) (*RunResult, error) {
	log := zap.L().With(zap.String("session_id", sessionID))
	start := time.Now()
	res := &RunResult{SessionID: sessionID}

	if _, err := p.store.GetSession(ctx, sessionID); err != nil {
		return nil, eris.Wrap(err, "pipeline: get session")
	}
	if err := p.store.UpdateSessionStatus(ctx, sessionID, model.SessionRunning, ""); err != nil {
		return nil, eris.Wrap(err, "pipeline: mark session running")
	}
	if n, err := p.store.DeleteExpiredResponses(ctx); err != nil {
		log.Warn("pipeline: cache cleanup failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("pipeline: removed expired cache entries", zap.Int("count", n))
	}

	fail := func(err error) (*RunResult, error) {
		// The run context may be the reason for failing; record with a fresh one.
		if uerr := p.store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, model.SessionFailed, err.Error()); uerr != nil {
			log.Error("pipeline: mark session failed", zap.Error(uerr))
		}
		log.Error("pipeline: session failed", zap.Error(err))
		return res, err
	}

	var err error
	if res.Discovery, err = p.DiscoverSession(ctx, sessionID); err != nil {
		return fail(err)
	}

	for _, step := range []func(context.Context, string) (StageResult, error){
		p.ResolveWebsites,
		p.RetryWebsites,
		p.ResolveContacts,
		p.RetryContacts,
		p.ResolveContacts,
	} {
		sr, err := step(ctx, sessionID)
		if err != nil {
			return fail(err)
		}
		res.Stages = append(res.Stages, sr)
	}

	if res.Merge, err = p.MergePass(ctx, sessionID); err != nil {
		return fail(err)
	}

	for _, step := range []func(context.Context, string) (StageResult, error){
		p.Enrich,
		p.BackfillTags,
	} {
		sr, err := step(ctx, sessionID)
		if err != nil {
			return fail(err)
		}
		res.Stages = append(res.Stages, sr)
	}

	if res.Finalize, err = p.Finalize(ctx, sessionID); err != nil {
		return fail(err)
	}

	if res.Summary, err = p.store.SummarizeSession(ctx, sessionID); err != nil {
		return fail(eris.Wrap(err, "pipeline: summarize session"))
	}
	if err := p.store.UpdateSessionStatus(ctx, sessionID, model.SessionCompleted, ""); err != nil {
		return nil, eris.Wrap(err, "pipeline: mark session completed")
	}
	res.Duration = time.Since(start)
	log.Info("pipeline: session complete",
		zap.Int("records", res.Summary.Records),
		zap.Int("finalized", res.Finalize.Finalized),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// MergePass collapses duplicate records of the session, reporting progress
// under the merge stage.
func (p *Pipeline) MergePass(ctx context.Context, sessionID string) (dedup.PassResult, error) {
	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()

	p.sink.Start(sessionID, model.StageMerge, 0)
	res, err := dedup.Pass(ctx, p.store, sessionID)
	if err != nil {
		err = eris.Wrap(err, "pipeline: merge pass")
		p.sink.Fail(sessionID, model.StageMerge, err)
		return res, err
	}
	p.sink.Complete(sessionID, model.StageMerge, res)
	return res, nil
}

// RunStage runs a single stage for the session. Discovery consumes the
// pending queries.
func (p *Pipeline) RunStage(ctx context.Context, sessionID string, stage model.Stage) (any, error) {
	switch stage {
	case model.StageDiscovery:
		return p.DiscoverSession(ctx, sessionID)
	case model.StageWebsite:
		return p.ResolveWebsites(ctx, sessionID)
	case model.StageWebsiteRetry:
		return p.RetryWebsites(ctx, sessionID)
	case model.StageContact:
		return p.ResolveContacts(ctx, sessionID)
	case model.StageContactRetry:
		return p.RetryContacts(ctx, sessionID)
	case model.StageMerge:
		return p.MergePass(ctx, sessionID)
	case model.StageEnrichment:
		return p.Enrich(ctx, sessionID)
	case model.StageTags:
		return p.BackfillTags(ctx, sessionID)
	case model.StageFinalize:
		return p.Finalize(ctx, sessionID)
	}
	return nil, eris.Errorf("pipeline: stage %q cannot be run on its own", stage)
}
