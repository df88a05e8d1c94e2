package dedup

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

const pageSize = 500

// RecordStore is the part of store.Store used by merge passes.
type RecordStore interface {
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]model.CompanyRecord, error)
	ApplyStagePatch(ctx context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, error)
	DeleteRecords(ctx context.Context, ids []string) error
}

// PassResult summarizes a batch merge pass.
type PassResult struct {
	Groups  int `json:"groups"`
	Removed int `json:"removed"`
}

// Pass collapses every duplicate group among the session's open records.
// Finalized and rejected records are left alone.
func Pass(ctx context.Context, st RecordStore, sessionID string) (PassResult, error) {
	records, err := openRecords(ctx, st, sessionID)
	if err != nil {
		return PassResult{}, err
	}

	var res PassResult
	for _, g := range Groups(records) {
		if _, err := Collapse(ctx, st, g.Records); err != nil {
			return res, eris.Wrapf(err, "dedup: collapse %s", g.Key)
		}
		res.Groups++
		res.Removed += len(g.Records) - 1
	}
	zap.L().Info("dedup: pass complete",
		zap.String("session_id", sessionID),
		zap.Int("groups", res.Groups),
		zap.Int("removed", res.Removed),
	)
	return res, nil
}

// Collapse merges a duplicate group into its survivor, persists the
// survivor and deletes the others. It returns the stored survivor.
func Collapse(ctx context.Context, st RecordStore, group []model.CompanyRecord) (*model.CompanyRecord, error) {
	if len(group) == 0 {
		return nil, eris.New("dedup: empty group")
	}
	survivor, losers := SelectSurvivor(group)
	if len(losers) == 0 {
		return &survivor, nil
	}

	before := survivor
	Merge(&survivor, losers...)
	next := reconcileState(&before, &survivor)

	loserIDs := make([]string, len(losers))
	for i, l := range losers {
		loserIDs[i] = l.ID
	}
	audit, err := json.Marshal(map[string]any{"merged_ids": loserIDs})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: encode audit")
	}

	updated, err := st.ApplyStagePatch(ctx, survivor.ID, model.StagePatch{
		Stage:           model.StageMerge,
		Website:         &survivor.Website,
		BaseDomain:      &survivor.BaseDomain,
		Emails:          survivor.Emails,
		Description:     &survivor.Description,
		Services:        &survivor.Services,
		Tags:            survivor.Tags,
		Category:        &survivor.Category,
		ValidationScore: &survivor.ValidationScore,
		Confidence:      &survivor.Confidence,
		Audit:           audit,
	}.WithState(next))
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: update survivor %s", survivor.ID)
	}
	if err := st.DeleteRecords(ctx, loserIDs); err != nil {
		return nil, eris.Wrap(err, "dedup: delete merged records")
	}

	zap.L().Debug("dedup: collapsed duplicates",
		zap.String("survivor", survivor.ID),
		zap.String("website", survivor.Website),
		zap.Strings("merged", loserIDs),
	)
	return updated, nil
}

// ResolveDuplicates collapses rec with the open records of its session that
// share its base domain. It returns the survivor, which may be another
// record, and whether anything was merged.
func ResolveDuplicates(ctx context.Context, st RecordStore, rec *model.CompanyRecord) (*model.CompanyRecord, bool, error) {
	if !rec.HasWebsite() {
		return rec, false, nil
	}
	records, err := openRecords(ctx, st, rec.SessionID)
	if err != nil {
		return nil, false, err
	}

	group := []model.CompanyRecord{*rec}
	for _, r := range records {
		if r.ID != rec.ID && IsSameCompany(rec.Website, r.Website) {
			group = append(group, r)
		}
	}
	if len(group) == 1 {
		return rec, false, nil
	}
	survivor, err := Collapse(ctx, st, group)
	if err != nil {
		return nil, false, err
	}
	return survivor, true, nil
}

func openRecords(ctx context.Context, st RecordStore, sessionID string) ([]model.CompanyRecord, error) {
	var out []model.CompanyRecord
	for offset := 0; ; offset += pageSize {
		page, err := st.ListRecords(ctx, store.RecordFilter{SessionID: sessionID, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "dedup: list records")
		}
		for _, r := range page {
			if !r.State.Terminal() {
				out = append(out, r)
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}
