package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/store"
)

func byName(recs []model.CompanyRecord) map[string]model.CompanyRecord {
	out := make(map[string]model.CompanyRecord, len(recs))
	for _, r := range recs {
		out[r.Name] = r
	}
	return out
}

func TestDiscover_CreatesRecordsWithOpportunisticData(t *testing.T) {
	env := newTestEnv(t, "cnc machining")
	env.search.on(model.StageDiscovery, always("```json\n"+`{"companies": [
		{"name": "Wayken Rapid", "website": "https://wayken.cn", "email": "sales@wayken.cn", "description": "CNC machining"},
		{"name": "Star Rapid", "website": "https://star-rapid.com"},
		{"name": "Shop Co", "website": "https://shop.en.alibaba.com", "email": "shop@shopco.cn"},
		{"name": "wayken rapid"},
		{"name": ""}
	]}`+"\n```"))

	res, err := env.p.Discover(context.Background(), env.session.ID, "cnc machining")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, env.search.callsFor(model.StageDiscovery), 1)

	recs := byName(env.records(t))
	require.Len(t, recs, 3)

	wayken := recs["Wayken Rapid"]
	assert.Equal(t, "https://wayken.cn", wayken.Website)
	assert.Equal(t, "wayken", wayken.BaseDomain)
	assert.Equal(t, "sales@wayken.cn", wayken.Email)
	assert.Equal(t, model.WatermarkContact, wayken.State.Watermark())
	assert.Equal(t, model.StepSkipped, wayken.State.Contact())

	star := recs["Star Rapid"]
	assert.Equal(t, model.WatermarkWebsite, star.State.Watermark())
	assert.Equal(t, model.StepSkipped, star.State.Website())

	shop := recs["Shop Co"]
	assert.Empty(t, shop.Website, "marketplace link dropped")
	assert.Equal(t, "shop@shopco.cn", shop.Email)
	assert.Equal(t, model.WatermarkDiscovered, shop.State.Watermark())
	assert.Contains(t, string(shop.Audit[model.StageDiscovery]), "marketplace")
}

func TestDiscover_ReportsProgress(t *testing.T) {
	env := newTestEnv(t, "cnc")
	env.search.on(model.StageDiscovery, always(`[{"name": "One"}, {"name": "Two"}]`))

	_, err := env.p.Discover(context.Background(), env.session.ID, "cnc")
	require.NoError(t, err)

	got := env.tracker.Session(env.session.ID)
	require.Len(t, got, 1)
	assert.Equal(t, model.StageDiscovery, got[0].Stage)
	assert.Equal(t, progress.StatusCompleted, got[0].Status)
	assert.Equal(t, 1, got[0].Done)
}

func TestDiscover_ReportsFailure(t *testing.T) {
	env := newTestEnv(t, "cnc")
	env.search.on(model.StageDiscovery, reply(nil))

	_, err := env.p.Discover(context.Background(), env.session.ID, "cnc")
	require.Error(t, err)

	got := env.tracker.Session(env.session.ID)
	require.Len(t, got, 1)
	assert.Equal(t, progress.StatusFailed, got[0].Status)
	assert.NotEmpty(t, got[0].Error)
}

func TestDiscover_FollowUpWhenTooFew(t *testing.T) {
	env := newTestEnv(t, "die casting")
	env.search.on(model.StageDiscovery, func(prompt string, _ search.Options) (string, error) {
		if strings.Contains(prompt, "Do not repeat") {
			return `{"companies": [{"name": "A Corp"}, {"name": "B Works", "website": "b-works.cn"}]}`, nil
		}
		return `{"companies": [{"name": "A Corp"}]}`, nil
	})

	res, err := env.p.Discover(context.Background(), env.session.ID, "die casting")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)

	calls := env.search.callsFor(model.StageDiscovery)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "A Corp")
}

func TestDiscover_SkipsNamesAlreadyInSession(t *testing.T) {
	env := newTestEnv(t, "cnc")
	env.seed(t, model.CompanyRecord{Name: "Wayken Rapid Co., Ltd.", State: model.Discovered(false, false)})
	env.search.on(model.StageDiscovery, always(`[{"name": "Wayken Rapid"}, {"name": "New One"}, {"name": "Another"}]`))

	res, err := env.p.Discover(context.Background(), env.session.ID, "cnc")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, env.records(t), 3)
}

func TestDiscoverSession_ConsumesQueries(t *testing.T) {
	env := newTestEnv(t, "cnc")
	ctx := context.Background()
	_, err := env.st.AddQueries(ctx, env.session.ID, []string{"q-ok", "q-fail"})
	require.NoError(t, err)
	env.search.on(model.StageDiscovery, reply(map[string]string{
		"QUERY: q-ok": `{"companies": [{"name": "One"}, {"name": "Two"}]}`,
	}))

	res, err := env.p.DiscoverSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, DiscoveryResult{Queries: 2, Created: 2, Failed: 1}, res)

	pending, err := env.st.PendingQueries(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "q-fail", pending[0].Keyword)

	got := env.tracker.Session(env.session.ID)
	require.Len(t, got, 1)
	assert.Equal(t, progress.StatusCompleted, got[0].Status)
}

func TestDiscoverSession_GivesUpAfterRetryPasses(t *testing.T) {
	env := newTestEnv(t, "cnc")
	ctx := context.Background()
	_, err := env.st.AddQueries(ctx, env.session.ID, []string{"q-fail"})
	require.NoError(t, err)
	env.search.on(model.StageDiscovery, reply(nil))

	// max_retry_passes is 2: the first attempt plus two retries.
	for run := 1; run <= 2; run++ {
		res, err := env.p.DiscoverSession(ctx, env.session.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		pending, err := env.st.PendingQueries(ctx, env.session.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1, "run %d", run)
		assert.Equal(t, run, pending[0].Attempts)
	}

	res, err := env.p.DiscoverSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	pending, err := env.st.PendingQueries(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = env.p.DiscoverSession(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Queries)
	assert.Len(t, env.search.callsFor(model.StageDiscovery), 3)
}

func TestResolveWebsites(t *testing.T) {
	env := newTestEnv(t, "cnc machining")
	recs := env.seed(t,
		model.CompanyRecord{Name: "Alpha Tools", State: model.Discovered(false, false)},
		model.CompanyRecord{Name: "Beta Tech", State: model.Discovered(false, false)},
		model.CompanyRecord{Name: "Gamma Parts", State: model.Discovered(false, false)},
	)
	env.search.on(model.StageWebsite, reply(map[string]string{
		"Alpha": `{"website": "https://alpha.cn", "email": "info@alpha.cn"}`,
		"Beta":  "I believe the official site is https://beta-tech.com.",
		"Gamma": `{"website": "https://gamma.en.alibaba.com"}`,
	}))

	res, err := env.p.ResolveWebsites(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, StageResult{Stage: model.StageWebsite, Processed: 3, Found: 2, Failed: 1}, res)

	alpha := env.get(t, recs[0].ID)
	assert.Equal(t, "https://alpha.cn", alpha.Website)
	assert.Equal(t, "alpha", alpha.BaseDomain)
	assert.Equal(t, "info@alpha.cn", alpha.Email)
	assert.Equal(t, model.StepCompleted, alpha.State.Website())
	assert.Equal(t, model.WatermarkContact, alpha.State.Watermark())

	beta := env.get(t, recs[1].ID)
	assert.Equal(t, "https://beta-tech.com", beta.Website)
	assert.Equal(t, model.WatermarkWebsite, beta.State.Watermark())

	gamma := env.get(t, recs[2].ID)
	assert.Empty(t, gamma.Website)
	assert.Equal(t, model.StepFailed, gamma.State.Website())
	assert.Equal(t, model.WatermarkDiscovered, gamma.State.Watermark())
	assert.Contains(t, gamma.Audit, model.StageWebsite)

	got := env.tracker.Session(env.session.ID)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Done)
	assert.Equal(t, progress.StatusCompleted, got[0].Status)

	// Nothing is ready any more.
	res, err = env.p.ResolveWebsites(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestResolveWebsites_MergesDuplicateOnAdoption(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t,
		model.CompanyRecord{Name: "Wayken", Website: "https://wayken.com", Email: "info@wayken.com", State: model.Discovered(true, true)},
		model.CompanyRecord{Name: "Wayken Rapid Tooling", State: model.Discovered(false, false)},
	)
	env.search.on(model.StageWebsite, always(`{"website": "https://www.wayken.cn"}`))

	_, err := env.p.ResolveWebsites(context.Background(), env.session.ID)
	require.NoError(t, err)

	left := env.records(t)
	require.Len(t, left, 1)
	assert.Equal(t, recs[1].ID, left[0].ID)
	assert.Equal(t, "https://www.wayken.cn", left[0].Website)
	assert.Equal(t, "info@wayken.com", left[0].Email)
	assert.Equal(t, model.WatermarkContact, left[0].State.Watermark())
}

func TestResolveContacts(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t,
		model.CompanyRecord{Name: "Alpha Tools", Website: "https://alpha.cn", State: model.Discovered(true, false)},
		model.CompanyRecord{Name: "Beta Tech", Website: "https://beta.cn", State: model.Discovered(true, false)},
	)
	env.search.on(model.StageContact, reply(map[string]string{
		"Alpha": `{"emails": ["mailto:Sales@alpha.cn", "noreply@alpha.cn", "13800138000@163.com"]}`,
		"Beta":  `{"emails": ["hr@beta.cn"], "note": "only a recruiting inbox"}`,
	}))

	res, err := env.p.ResolveContacts(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Failed)

	alpha := env.get(t, recs[0].ID)
	assert.Equal(t, "sales@alpha.cn", alpha.Email)
	assert.Equal(t, []string{"sales@alpha.cn"}, alpha.Emails)
	assert.Equal(t, model.StepCompleted, alpha.State.Contact())
	assert.Equal(t, model.WatermarkContact, alpha.State.Watermark())

	beta := env.get(t, recs[1].ID)
	assert.False(t, beta.HasEmail())
	assert.Equal(t, model.StepFailed, beta.State.Contact())
	assert.Equal(t, model.WatermarkWebsite, beta.State.Watermark())

	calls := env.search.callsFor(model.StageContact)
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, search.TierBasic, c.Opts.Tier)
	}
}

func TestRetryWebsites_EscalatesAndIsBounded(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t, model.CompanyRecord{Name: "Alpha Tools", State: failedWebsite(t)})
	env.search.on(model.StageWebsiteRetry, always(`{"website": null}`))
	ctx := context.Background()

	res, err := env.p.RetryWebsites(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	calls := env.search.callsFor(model.StageWebsiteRetry)
	require.Len(t, calls, 2)
	for i, want := range []float64{0.3, 0.5} {
		require.NotNil(t, calls[i].Opts.Temperature)
		assert.InDelta(t, want, *calls[i].Opts.Temperature, 1e-9)
		assert.Equal(t, search.TierPro, calls[i].Opts.Tier)
		assert.Equal(t, retryMaxTokens, calls[i].Opts.MaxTokens)
		assert.False(t, calls[i].Opts.UseCache)
		assert.Equal(t, retrySystem, calls[i].Opts.System)
	}
	assert.NotEqual(t, calls[0].Prompt, calls[1].Prompt)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, 1, rec.State.WebsiteRetries())
	assert.Equal(t, model.StepFailed, rec.State.Website())

	_, err = env.p.RetryWebsites(ctx, env.session.ID)
	require.NoError(t, err)
	res, err = env.p.RetryWebsites(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "record exhausted its retry passes")
	assert.Len(t, env.search.callsFor(model.StageWebsiteRetry), 4)
	assert.Equal(t, 2, env.get(t, recs[0].ID).State.WebsiteRetries())
}

func TestRetryWebsites_SecondAttemptFinds(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t, model.CompanyRecord{Name: "Alpha Tools", State: failedWebsite(t)})
	env.search.on(model.StageWebsiteRetry, func(_ string, opts search.Options) (string, error) {
		if *opts.Temperature > 0.4 {
			return `{"website": "https://alpha.cn", "email": "info@alpha.cn"}`, nil
		}
		return "not sure", nil
	})

	res, err := env.p.RetryWebsites(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, "https://alpha.cn", rec.Website)
	assert.Equal(t, model.StepCompleted, rec.State.Website())
	assert.Equal(t, model.WatermarkContact, rec.State.Watermark())
	assert.Equal(t, 1, rec.State.WebsiteRetries())
}

func TestRetryContacts_WebsiteRewindsToContact(t *testing.T) {
	env := newTestEnv(t, "cnc")
	ctx := context.Background()
	recs := env.seed(t, model.CompanyRecord{Name: "Alpha Tools", State: failedWebsite(t)})
	env.search.on(model.StageContactRetry, always(`{"email": null, "website": "https://alpha.cn"}`))

	res, err := env.p.RetryContacts(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Len(t, env.search.callsFor(model.StageContactRetry), 1)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, "https://alpha.cn", rec.Website)
	assert.False(t, rec.HasEmail())
	assert.Equal(t, model.StepCompleted, rec.State.Website())
	assert.Equal(t, model.StepUnset, rec.State.Contact())
	assert.Equal(t, model.WatermarkWebsite, rec.State.Watermark())
	assert.Equal(t, 1, rec.State.ContactRetries())

	// Contact resolution now validates the new site.
	env.search.on(model.StageContact, always(`{"emails": ["sales@alpha.cn"]}`))
	res, err = env.p.ResolveContacts(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, model.WatermarkContact, env.get(t, recs[0].ID).State.Watermark())
}

func TestRetryContacts_EmailForSitedRecord(t *testing.T) {
	env := newTestEnv(t, "cnc")
	failed, err := model.Discovered(true, false).FailContact()
	require.NoError(t, err)
	recs := env.seed(t, model.CompanyRecord{Name: "Beta Tech", Website: "https://beta.cn", State: failed})
	env.search.on(model.StageContactRetry, func(_ string, opts search.Options) (string, error) {
		if *opts.Temperature > 0.4 {
			return `{"email": "info@beta.cn"}`, nil
		}
		return `{"email": "+86 138 0013 8000"}`, nil
	})

	res, err := env.p.RetryContacts(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, "info@beta.cn", rec.Email)
	assert.Equal(t, model.StepCompleted, rec.State.Contact())
	assert.Equal(t, model.WatermarkContact, rec.State.Watermark())
	assert.Equal(t, 1, rec.State.ContactRetries())
}

func TestRetryContacts_ModelFailureKeepsRecordFailed(t *testing.T) {
	env := newTestEnv(t, "cnc")
	failed, err := model.Discovered(true, false).FailContact()
	require.NoError(t, err)
	recs := env.seed(t, model.CompanyRecord{Name: "Beta Tech", Website: "https://beta.cn", State: failed})

	res, err := env.p.RetryContacts(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, model.StepFailed, rec.State.Contact())
	assert.Equal(t, 1, rec.State.ContactRetries())
}

func TestEnrich_Success(t *testing.T) {
	env := newTestEnv(t, "cnc machining")
	recs := env.seed(t, model.CompanyRecord{
		Name: "Alpha Tools", Website: "https://alpha.cn", Email: "a@alpha.cn",
		Description: "old", Tags: []string{"cnc"}, State: model.Discovered(true, true),
	})
	env.search.on(model.StageEnrichment, always(`Analysis:
{"relevance": 88, "confidence": "75", "description": "Precision CNC machining",
 "services": ["milling", "turning"], "tags": ["CNC", "anodizing"], "category": "machining",
 "reason": "service provider"}`))

	res, err := env.p.Enrich(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, 88, rec.ValidationScore)
	assert.Equal(t, 75, rec.Confidence)
	assert.Equal(t, "Precision CNC machining", rec.Description)
	assert.Equal(t, "milling, turning", rec.Services)
	assert.Equal(t, []string{"cnc", "anodizing"}, rec.Tags)
	assert.Equal(t, "machining", rec.Category)
	assert.Equal(t, "service provider", rec.ValidationReason)
	assert.Equal(t, model.StepCompleted, rec.State.Enrichment())
	assert.Equal(t, model.WatermarkEnriched, rec.State.Watermark())

	calls := env.search.callsFor(model.StageEnrichment)
	require.Len(t, calls, 1)
	assert.Equal(t, search.TierPro, calls[0].Opts.Tier)
	assert.Contains(t, calls[0].Prompt, "cnc machining")
}

func TestEnrich_FallbackScore(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t, model.CompanyRecord{
		Name: "Alpha Tools", Website: "https://alpha.cn", Email: "a@alpha.cn",
		Description: "CNC shop", State: model.Discovered(true, true),
	})
	env.search.on(model.StageEnrichment, always("I cannot help with that."))

	res, err := env.p.Enrich(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, 60, rec.ValidationScore)
	assert.Equal(t, 60, rec.Confidence)
	assert.Equal(t, "basic validation: missing services, tags", rec.ValidationReason)
	assert.Equal(t, model.StepFailed, rec.State.Enrichment())
	assert.Equal(t, model.WatermarkEnriched, rec.State.Watermark())
}

func TestEnrich_IncludesFinalizedRecords(t *testing.T) {
	env := newTestEnv(t, "cnc")
	final, err := model.Discovered(true, true).Finalize()
	require.NoError(t, err)
	recs := env.seed(t, model.CompanyRecord{Name: "Alpha Tools", Website: "https://alpha.cn", Email: "a@alpha.cn", State: final})
	env.search.on(model.StageEnrichment, always(`{"relevance": 70}`))

	_, err = env.p.Enrich(context.Background(), env.session.ID)
	require.NoError(t, err)

	rec := env.get(t, recs[0].ID)
	assert.Equal(t, 70, rec.ValidationScore)
	assert.Equal(t, 50, rec.Confidence)
	assert.Equal(t, model.WatermarkFinalized, rec.State.Watermark())
	assert.Equal(t, model.StepCompleted, rec.State.Final())
}

func TestBackfillTags(t *testing.T) {
	env := newTestEnv(t, "cnc")
	recs := env.seed(t,
		model.CompanyRecord{Name: "Alpha Tools", Website: "https://alpha.cn", Email: "a@alpha.cn", State: model.Discovered(true, true)},
		model.CompanyRecord{Name: "Beta Tech", Website: "https://beta.cn", Email: "b@beta.cn", State: model.Discovered(true, true)},
	)
	env.search.on(model.StageTags, reply(map[string]string{
		"Alpha": `{"tags": ["CNC milling", "Aluminum", "cnc milling"], "primary_category": "machining"}`,
		"Beta":  "no idea",
	}))

	res, err := env.p.BackfillTags(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, StageResult{Stage: model.StageTags, Processed: 2, Found: 1, Failed: 1}, res)

	alpha := env.get(t, recs[0].ID)
	assert.Equal(t, []string{"CNC milling", "Aluminum"}, alpha.Tags)
	assert.Equal(t, "machining", alpha.Category)
	assert.Equal(t, model.WatermarkTagged, alpha.State.Watermark())

	beta := env.get(t, recs[1].ID)
	assert.Equal(t, []string{fallbackTag}, beta.Tags)
	assert.Equal(t, model.WatermarkTagged, beta.State.Watermark())

	for _, c := range env.search.callsFor(model.StageTags) {
		assert.InDelta(t, tagsTemperature, *c.Opts.Temperature, 1e-9)
	}

	res, err = env.p.BackfillTags(context.Background(), env.session.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestFinalize(t *testing.T) {
	env := newTestEnv(t, "cnc")
	ctx := context.Background()
	recs := env.seed(t,
		model.CompanyRecord{Name: "Alpha Tools", Website: "https://alpha.cn", Email: "sales@alpha.cn",
			Tags: []string{"cnc"}, ValidationScore: 80, State: model.Discovered(true, true)},
		model.CompanyRecord{Name: "No Site", Email: "x@nosite.cn", State: model.Discovered(false, true)},
		model.CompanyRecord{Name: "No Mail", Website: "https://nomail.cn", State: model.Discovered(true, false)},
	)
	require.NoError(t, env.st.UpsertPublished(ctx, []model.PublishedCompany{{
		Name: "Alpha", Website: "https://alpha.cn", Emails: []string{"old@alpha.cn"}, Tags: []string{"legacy"}, Score: 40,
	}}))

	res, err := env.p.Finalize(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, FinalizeResult{Finalized: 1, Skipped: 2}, res)

	alpha := env.get(t, recs[0].ID)
	assert.Equal(t, model.StepCompleted, alpha.State.Final())
	assert.Equal(t, model.WatermarkFinalized, alpha.State.Watermark())

	noSite := env.get(t, recs[1].ID)
	assert.Equal(t, model.StepFailed, noSite.State.Final())
	assert.Equal(t, ReasonMissingWebsite, noSite.FailureReason)

	noMail := env.get(t, recs[2].ID)
	assert.Equal(t, ReasonNoEmails, noMail.FailureReason)

	pub, err := env.st.GetPublishedByWebsite(ctx, "https://alpha.cn")
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.Equal(t, []string{"old@alpha.cn", "sales@alpha.cn"}, pub.Emails)
	assert.ElementsMatch(t, []string{"legacy", "cnc"}, pub.Tags)
	assert.Equal(t, 80, pub.Score)

	res, err = env.p.Finalize(ctx, env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, FinalizeResult{}, res)
}

func TestRejectReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReasonMissingWebsite, rejectReason(&model.CompanyRecord{Email: "a@b.cn"}))
	assert.Equal(t, ReasonNoEmails, rejectReason(&model.CompanyRecord{Website: "https://b.cn"}))
	assert.Equal(t, ReasonIncomplete, rejectReason(&model.CompanyRecord{
		Website: "https://b.cn", Email: "a@b.cn", State: model.Discovered(false, false),
	}))
	assert.Empty(t, rejectReason(&model.CompanyRecord{
		Website: "https://b.cn", Email: "a@b.cn", State: model.Discovered(true, true),
	}))
}

func TestExpandQueries(t *testing.T) {
	env := newTestEnv(t, "cnc machining")
	env.search.on(model.StageQueryExpansion, always(`{"queries": [
		{"query": "cnc milling service", "relevance": 80},
		{"query": "CNC Machining", "relevance": 99},
		{"query_cn": "数控加工", "relevance": 95},
		"precision parts"
	]}`))

	got, err := env.p.ExpandQueries(context.Background(), env.session.ID, "cnc machining", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"cnc machining", "数控加工", "cnc milling service"}, got)
}

func TestCreateSession_ExpansionFailureFallsBackToTopic(t *testing.T) {
	env := newTestEnv(t, "unused")

	sess, queries, err := env.p.CreateSession(context.Background(), "injection molding", true)
	require.NoError(t, err)
	assert.Equal(t, "injection molding", sess.Topic)
	require.Len(t, queries, 1)
	assert.Equal(t, "injection molding", queries[0].Keyword)
}

func TestCreateSession_Expanded(t *testing.T) {
	env := newTestEnv(t, "unused")
	env.search.on(model.StageQueryExpansion, always(`{"queries": [{"query": "plastic molding", "relevance": 90}]}`))

	_, queries, err := env.p.CreateSession(context.Background(), "injection molding", true)
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, "plastic molding", queries[1].Keyword)

	pending, err := env.st.PendingQueries(context.Background(), queries[0].SessionID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

var _ store.Store = (*store.MemoryStore)(nil)

func TestImportSeeds(t *testing.T) {
	env := newTestEnv(t, "cnc")
	env.seed(t, model.CompanyRecord{Name: "Known Works", State: model.Discovered(false, false)})

	res, err := env.p.ImportSeeds(context.Background(), env.session.ID, []Seed{
		{Name: "Alpha Tools", Website: "alpha.cn", Email: "Sales@alpha.cn"},
		{Name: "Shop Co", Website: "https://shop.en.alibaba.com"},
		{Name: "known works"},
		{Name: " "},
	})
	require.NoError(t, err)
	assert.Equal(t, DiscoveryResult{Created: 2, Skipped: 2}, res)
	assert.Zero(t, env.search.total())

	recs := byName(env.records(t))
	alpha := recs["Alpha Tools"]
	assert.Equal(t, "https://alpha.cn", alpha.Website)
	assert.Equal(t, "sales@alpha.cn", alpha.Email)
	assert.Equal(t, model.WatermarkContact, alpha.State.Watermark())
	assert.Contains(t, string(recs["Shop Co"].Audit[model.StageDiscovery]), "import_marketplace_stripped")
}

func TestImportSeeds_UnknownSession(t *testing.T) {
	env := newTestEnv(t, "cnc")
	_, err := env.p.ImportSeeds(context.Background(), "missing", []Seed{{Name: "A"}})
	assert.Error(t, err)
}
