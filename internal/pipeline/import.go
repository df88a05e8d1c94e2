package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// Seed is a company supplied from a spreadsheet instead of discovery.
type Seed struct {
	Name        string
	Website     string
	Email       string
	Description string
}

// ImportSeeds stores seed companies as records of the session. Seeds go
// through the same cleaning as discovered candidates, so they enter the
// stages at the watermark their data supports. Names already in the
// session are skipped.
func (p *Pipeline) ImportSeeds(ctx context.Context, sessionID string, seeds []Seed) (DiscoveryResult, error) {
	var res DiscoveryResult
	if _, err := p.store.GetSession(ctx, sessionID); err != nil {
		return res, eris.Wrap(err, "pipeline: import: get session")
	}

	existing, err := p.store.ListRecords(ctx, store.RecordFilter{SessionID: sessionID, Limit: 10000})
	if err != nil {
		return res, eris.Wrap(err, "pipeline: import: list session records")
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[nameKey(r.Name)] = true
	}

	list := make([]candidate, 0, len(seeds))
	for _, s := range seeds {
		list = append(list, candidate(s))
	}
	fresh := uniqueCandidates(list, seen)
	res.Skipped = len(list) - len(fresh)

	q := model.SessionQuery{SessionID: sessionID, Keyword: "import"}
	records := make([]model.CompanyRecord, 0, len(fresh))
	for _, c := range fresh {
		records = append(records, newRecord(sessionID, q, c, "import"))
	}
	if len(records) > 0 {
		if err := p.store.CreateRecords(ctx, records); err != nil {
			return res, eris.Wrap(err, "pipeline: import: store records")
		}
	}
	res.Created = len(records)
	zap.L().Info("pipeline: seeds imported",
		zap.String("session_id", sessionID),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}
