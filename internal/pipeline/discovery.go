package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/dedup"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// DiscoveryResult counts the records created for one or more queries.
type DiscoveryResult struct {
	Queries int `json:"queries"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type candidate struct {
	Name        string `json:"name"`
	Website     string `json:"website"`
	Email       string `json:"email"`
	Description string `json:"description"`
}

type discoveryResponse struct {
	Companies []candidate `json:"companies"`
}

// parseCandidates accepts {"companies": [...]} or a bare array.
func parseCandidates(text string) ([]candidate, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(raw, "[") {
		var list []candidate
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, eris.Wrap(ErrUnparseable, err.Error())
		}
		return list, nil
	}
	var resp discoveryResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, eris.Wrap(ErrUnparseable, err.Error())
	}
	return resp.Companies, nil
}

// Discover asks the search model for companies matching keyword and stores
// new candidates as records of the session. Candidates whose name is already
// known in the session are skipped. The call reports to the progress sink as
// a discovery stage of one query.
func (p *Pipeline) Discover(ctx context.Context, sessionID, keyword string) (DiscoveryResult, error) {
	stage := model.StageDiscovery
	p.sink.Start(sessionID, stage, 1)
	res, err := p.discover(ctx, sessionID, model.SessionQuery{SessionID: sessionID, Keyword: keyword})
	if err != nil {
		p.sink.Fail(sessionID, stage, err)
		return res, err
	}
	p.sink.Update(sessionID, stage, 1, 1)
	p.sink.Complete(sessionID, stage, res)
	return res, nil
}

func (p *Pipeline) discover(ctx context.Context, sessionID string, q model.SessionQuery) (DiscoveryResult, error) {
	log := zap.L().With(zap.String("session_id", sessionID), zap.String("keyword", q.Keyword))
	sc := p.cfg.Stage(model.StageDiscovery)
	opts := p.options(model.StageDiscovery, sessionID)
	res := DiscoveryResult{Queries: 1}

	text, err := p.search.Query(ctx, buildDiscoveryPrompt(q.Keyword, sc.MinCompanies, sc.MaxCompanies), opts)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: discovery query")
	}
	found, err := parseCandidates(text)
	if err != nil {
		log.Warn("pipeline: unparseable discovery response", zap.Error(err))
	}

	seen := make(map[string]bool)
	existing, err := p.store.ListRecords(ctx, store.RecordFilter{SessionID: sessionID, Limit: 10000})
	if err != nil {
		return res, eris.Wrap(err, "pipeline: list session records")
	}
	for _, r := range existing {
		seen[nameKey(r.Name)] = true
	}

	fresh := uniqueCandidates(found, seen)
	if len(fresh) < sc.MinCompanies {
		known := make([]string, 0, len(fresh))
		for _, c := range fresh {
			known = append(known, c.Name)
		}
		more, ferr := p.search.Query(ctx, buildDiscoveryFollowUp(q.Keyword, sc.MaxCompanies-len(fresh), known), opts)
		switch {
		case ferr != nil:
			if cerr := callFailed(ctx, ferr); cerr != nil {
				return res, cerr
			}
			log.Warn("pipeline: discovery follow-up failed", zap.Error(ferr))
		default:
			extra, perr := parseCandidates(more)
			if perr != nil {
				log.Warn("pipeline: unparseable follow-up response", zap.Error(perr))
			}
			found = append(found, extra...)
			fresh = append(fresh, uniqueCandidates(extra, seen)...)
		}
	}
	res.Skipped = len(found) - len(fresh)
	if len(fresh) > sc.MaxCompanies && sc.MaxCompanies > 0 {
		res.Skipped += len(fresh) - sc.MaxCompanies
		fresh = fresh[:sc.MaxCompanies]
	}

	records := make([]model.CompanyRecord, 0, len(fresh))
	for _, c := range fresh {
		records = append(records, newRecord(sessionID, q, c, "discovery"))
	}
	if len(records) > 0 {
		if err := p.store.CreateRecords(ctx, records); err != nil {
			return res, eris.Wrap(err, "pipeline: store discovered records")
		}
	}
	res.Created = len(records)
	log.Info("pipeline: discovery complete", zap.Int("created", res.Created), zap.Int("skipped", res.Skipped))
	return res, nil
}

// uniqueCandidates drops nameless candidates and names already in seen,
// marking the kept names as seen.
func uniqueCandidates(list []candidate, seen map[string]bool) []candidate {
	var out []candidate
	for _, c := range list {
		c.Name = strings.TrimSpace(c.Name)
		key := nameKey(c.Name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func nameKey(name string) string {
	return dedup.NormalizeName(name)
}

// newRecord builds the record for a discovered candidate. Marketplace links
// are dropped but an email found alongside is kept.
func newRecord(sessionID string, q model.SessionQuery, c candidate, source string) model.CompanyRecord {
	rec := model.CompanyRecord{
		SessionID:   sessionID,
		QueryID:     q.ID,
		Name:        c.Name,
		Description: nullString(c.Description),
	}
	if IsMarketplace(c.Website) {
		source += "_marketplace_stripped"
	} else if site, ok := CleanWebsite(c.Website); ok {
		rec.Website = site
		rec.BaseDomain = dedup.BaseDomain(site)
	}
	rec.AddEmails(CleanEmails(strings.FieldsFunc(c.Email, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }))...)
	rec.State = model.Discovered(rec.HasWebsite(), rec.HasEmail())
	rec.Audit = map[model.Stage]json.RawMessage{
		model.StageDiscovery: audit(map[string]any{"keyword": q.Keyword, "source": source}, ""),
	}
	return rec
}

// DiscoverSession runs discovery for every pending query of the session and
// marks each consumed. A query whose model call fails stays pending so a
// later run can try it again, until it has failed max_retry_passes+1 times.
func (p *Pipeline) DiscoverSession(ctx context.Context, sessionID string) (DiscoveryResult, error) {
	stage := model.StageDiscovery
	var total DiscoveryResult

	queries, err := p.store.PendingQueries(ctx, sessionID)
	if err != nil {
		return total, eris.Wrap(err, "pipeline: pending queries")
	}
	p.sink.Start(sessionID, stage, len(queries))

	sc := p.cfg.Stage(stage)
	for i, q := range queries {
		if i > 0 {
			if err := p.sleep(ctx, sc.BatchDelay()); err != nil {
				p.sink.Fail(sessionID, stage, err)
				return total, eris.Wrap(err, "pipeline: discovery delay")
			}
		}
		res, err := p.discover(ctx, sessionID, q)
		total.Queries++
		total.Created += res.Created
		total.Skipped += res.Skipped
		if err != nil {
			if cerr := callFailed(ctx, err); cerr != nil || !isModelFailure(err) {
				if cerr != nil {
					err = cerr
				}
				p.sink.Fail(sessionID, stage, err)
				return total, err
			}
			total.Failed++
			if err := p.failQuery(ctx, sessionID, q, err); err != nil {
				p.sink.Fail(sessionID, stage, err)
				return total, err
			}
		} else if err := p.store.ConsumeQuery(ctx, q.ID); err != nil {
			err = eris.Wrap(err, "pipeline: consume query")
			p.sink.Fail(sessionID, stage, err)
			return total, err
		}
		p.sink.Update(sessionID, stage, i+1, len(queries))
	}
	p.sink.Complete(sessionID, stage, total)
	return total, nil
}

// failQuery counts a failed attempt for q and consumes it once the attempts
// exceed the retry passes.
func (p *Pipeline) failQuery(ctx context.Context, sessionID string, q model.SessionQuery, cause error) error {
	log := zap.L().With(zap.String("session_id", sessionID), zap.String("keyword", q.Keyword))
	attempts, err := p.store.FailQuery(ctx, q.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: count failed query")
	}
	if attempts <= p.maxRetryPasses() {
		log.Warn("pipeline: discovery failed for query", zap.Int("attempts", attempts), zap.Error(cause))
		return nil
	}
	log.Error("pipeline: giving up on query", zap.Int("attempts", attempts), zap.Error(cause))
	return eris.Wrap(p.store.ConsumeQuery(ctx, q.ID), "pipeline: consume failed query")
}
