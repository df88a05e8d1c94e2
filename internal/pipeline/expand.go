package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

type expandedQuery struct {
	Query     string  `json:"query"`
	Relevance flexInt `json:"relevance"`
}

// UnmarshalJSON accepts a bare string or an object. Older prompts used
// query_cn for the keyword.
func (q *expandedQuery) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.Query, q.Relevance = s, 50
		return nil
	}
	var obj struct {
		Query     string  `json:"query"`
		QueryCN   string  `json:"query_cn"`
		Relevance flexInt `json:"relevance"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	q.Query, q.Relevance = obj.Query, obj.Relevance
	if q.Query == "" {
		q.Query = obj.QueryCN
	}
	return nil
}

type expansionResponse struct {
	Queries []expandedQuery `json:"queries"`
}

// ExpandQueries asks the model for up to n keyword variants of topic,
// ordered by the model's relevance rating. The topic itself always comes
// first.
func (p *Pipeline) ExpandQueries(ctx context.Context, sessionID, topic string, n int) ([]string, error) {
	topic = strings.TrimSpace(topic)
	keywords := []string{topic}
	if n <= 1 {
		return keywords, nil
	}

	text, err := p.search.Query(ctx, buildExpansionPrompt(topic, n-1), p.options(model.StageQueryExpansion, sessionID))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: expand queries")
	}
	var resp expansionResponse
	if err := decodeJSON(text, &resp); err != nil {
		zap.L().Warn("pipeline: unparseable query expansion", zap.Error(err))
		return keywords, nil
	}

	slices.SortStableFunc(resp.Queries, func(a, b expandedQuery) int {
		return int(b.Relevance) - int(a.Relevance)
	})
	seen := map[string]bool{strings.ToLower(topic): true}
	for _, q := range resp.Queries {
		kw := strings.TrimSpace(q.Query)
		if kw == "" || seen[strings.ToLower(kw)] {
			continue
		}
		seen[strings.ToLower(kw)] = true
		keywords = append(keywords, kw)
		if len(keywords) == n {
			break
		}
	}
	return keywords, nil
}

// CreateSession starts a session for topic and registers its search
// queries, expanded by the model when expand is set. An expansion failure
// falls back to the topic alone.
func (p *Pipeline) CreateSession(ctx context.Context, topic string, expand bool) (*model.Session, []model.SessionQuery, error) {
	sess, err := p.store.CreateSession(ctx, topic)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: create session")
	}
	keywords := []string{topic}
	if expand {
		expanded, err := p.ExpandQueries(ctx, sess.ID, topic, p.cfg.Pipeline.MaxQueries)
		if err != nil {
			if cerr := callFailed(ctx, err); cerr != nil {
				return sess, nil, cerr
			}
			zap.L().Warn("pipeline: query expansion failed, using topic only",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		} else {
			keywords = expanded
		}
	}
	queries, err := p.store.AddQueries(ctx, sess.ID, keywords)
	if err != nil {
		return sess, nil, eris.Wrap(err, "pipeline: add queries")
	}
	return sess, queries, nil
}
