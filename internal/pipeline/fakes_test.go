package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/store"
)

type searchCall struct {
	Prompt string
	Opts   search.Options
}

type handler func(prompt string, opts search.Options) (string, error)

// fakeSearch answers by stage. Stages without a handler fail like an
// exhausted model call.
type fakeSearch struct {
	mu       sync.Mutex
	calls    []searchCall
	handlers map[model.Stage]handler
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{handlers: make(map[model.Stage]handler)}
}

func (f *fakeSearch) on(stage model.Stage, h handler) *fakeSearch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[stage] = h
	return f
}

func (f *fakeSearch) Query(_ context.Context, prompt string, opts search.Options) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{Prompt: prompt, Opts: opts})
	h := f.handlers[opts.Stage]
	f.mu.Unlock()
	if h == nil {
		return "", exhausted(opts.Stage)
	}
	return h(prompt, opts)
}

func (f *fakeSearch) callsFor(stage model.Stage) []searchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []searchCall
	for _, c := range f.calls {
		if c.Opts.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSearch) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func exhausted(stage model.Stage) error {
	return &search.ExhaustedError{Stage: stage, Attempts: 3, Kind: resilience.FailureServer, Err: errors.New("503")}
}

// reply returns text for prompts mentioning key, and fails otherwise.
func reply(byName map[string]string) handler {
	return func(prompt string, opts search.Options) (string, error) {
		for key, text := range byName {
			if strings.Contains(prompt, key) {
				return text, nil
			}
		}
		return "", exhausted(opts.Stage)
	}
}

func always(text string) handler {
	return func(string, search.Options) (string, error) { return text, nil }
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Stages:   make(map[string]config.StageConfig),
		Pipeline: config.PipelineConfig{MaxRetryPasses: 2, MaxQueries: 3},
	}
	for _, st := range append([]model.Stage{model.StageQueryExpansion}, model.Stages...) {
		cfg.Stages[string(st)] = config.StageConfig{BatchSize: 2, MinCompanies: 2, MaxCompanies: 5}
	}
	return cfg
}

type testEnv struct {
	p       *Pipeline
	st      *store.MemoryStore
	search  *fakeSearch
	tracker *progress.Tracker
	session *model.Session
}

func newTestEnv(t *testing.T, topic string) *testEnv {
	t.Helper()
	st := store.NewMemory()
	fs := newFakeSearch()
	tr := progress.NewTracker()
	p := New(testConfig(), st, fs, tr)
	p.sleep = noSleep

	sess, err := st.CreateSession(context.Background(), topic)
	require.NoError(t, err)
	return &testEnv{p: p, st: st, search: fs, tracker: tr, session: sess}
}

// seed stores records in the test session and returns them with IDs set.
func (e *testEnv) seed(t *testing.T, recs ...model.CompanyRecord) []model.CompanyRecord {
	t.Helper()
	for i := range recs {
		recs[i].SessionID = e.session.ID
	}
	require.NoError(t, e.st.CreateRecords(context.Background(), recs))
	return recs
}

func (e *testEnv) get(t *testing.T, id string) *model.CompanyRecord {
	t.Helper()
	rec, err := e.st.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) records(t *testing.T) []model.CompanyRecord {
	t.Helper()
	recs, err := e.st.ListRecords(context.Background(), store.RecordFilter{SessionID: e.session.ID, Limit: 1000})
	require.NoError(t, err)
	return recs
}

// failedWebsite returns a state whose website lookup already failed.
func failedWebsite(t *testing.T) model.PipelineState {
	t.Helper()
	s, err := model.Discovered(false, false).FailWebsite()
	require.NoError(t, err)
	return s
}
