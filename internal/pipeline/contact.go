package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

type contactResponse struct {
	Email   string      `json:"email"`
	Emails  flexStrings `json:"emails"`
	Website string      `json:"website"`
	Source  string      `json:"source"`
	Note    string      `json:"note"`
}

// parseContact reads a contact answer. Without JSON, email-shaped tokens in
// the text are used.
func parseContact(text string) (emails []string, site string) {
	var resp contactResponse
	if err := decodeJSON(text, &resp); err != nil {
		return CleanEmails(findEmails(text)), ""
	}
	site, _ = CleanWebsite(resp.Website)
	return CleanEmails(append([]string{resp.Email}, resp.Emails...)), site
}

// ResolveContacts searches emails for records that have a website but no
// email.
func (p *Pipeline) ResolveContacts(ctx context.Context, sessionID string) (StageResult, error) {
	return p.runRecords(ctx, sessionID, model.StageContact, p.resolveContact)
}

func (p *Pipeline) resolveContact(ctx context.Context, rec *model.CompanyRecord, _ *model.Session) (outcome, error) {
	text, err := p.search.Query(ctx, buildContactPrompt(rec), p.options(model.StageContact, rec.SessionID))
	if err != nil {
		if cerr := callFailed(ctx, err); cerr != nil {
			return outcomeMissed, cerr
		}
		return p.failContact(ctx, rec, rec.State, model.StageContact, err.Error(), "")
	}

	emails, _ := parseContact(text)
	if len(emails) == 0 {
		return p.failContact(ctx, rec, rec.State, model.StageContact, "no valid email", text)
	}
	return p.storeContact(ctx, rec, model.StageContact, rec.State, emails, text)
}

func (p *Pipeline) storeContact(ctx context.Context, rec *model.CompanyRecord, stage model.Stage, state model.PipelineState, emails []string, raw string) (outcome, error) {
	next, err := state.ResolveContact()
	if err != nil {
		return outcomeMissed, err
	}
	updated := *rec
	updated.AddEmails(emails...)
	_, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
		Stage:  stage,
		Emails: updated.Emails,
		Audit:  audit(map[string]any{"emails": emails}, raw),
	}.WithState(next))
	if err != nil || !ok {
		return outcomeGone, err
	}
	zap.L().Debug("pipeline: email found",
		zap.String("stage", string(stage)),
		zap.String("company", rec.Name),
		zap.String("email", updated.Email),
	)
	return outcomeFound, nil
}

// failContact marks the contact step failed. A step that already failed
// keeps its status and only the patch state (with retry counts) is written.
func (p *Pipeline) failContact(ctx context.Context, rec *model.CompanyRecord, state model.PipelineState, stage model.Stage, reason, raw string) (outcome, error) {
	next := state
	if state.Contact() == model.StepUnset && state.Watermark() >= model.WatermarkWebsite {
		var err error
		if next, err = state.FailContact(); err != nil {
			return outcomeMissed, err
		}
	}
	_, ok, err := p.apply(ctx, rec.ID, model.StagePatch{
		Stage: stage,
		Audit: audit(map[string]any{"error": reason}, raw),
	}.WithState(next))
	if err != nil || !ok {
		return outcomeGone, err
	}
	return outcomeMissed, nil
}
