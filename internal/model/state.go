package model

import (
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
)

// Watermark is the highest pipeline stage fully satisfied for a record.
type Watermark int

const (
	WatermarkNone       Watermark = 0
	WatermarkDiscovered Watermark = 1
	WatermarkWebsite    Watermark = 2
	WatermarkContact    Watermark = 3
	WatermarkEnriched   Watermark = 4
	WatermarkTagged     Watermark = 5
	WatermarkFinalized  Watermark = 6
)

// StepStatus is the outcome of a gated stage for one record.
type StepStatus string

const (
	StepUnset     StepStatus = ""
	StepSkipped   StepStatus = "skipped"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Valid reports whether s is a known status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepUnset, StepSkipped, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Done reports whether the step produced (or did not need) its data.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// ErrIllegalTransition is returned when a state change is not allowed from
// the current state.
var ErrIllegalTransition = eris.New("illegal pipeline state transition")

// PipelineState is the per-record progress through the pipeline. Its fields
// are unexported: a state is built by Discovered or RestoreState and changed
// only through the transition methods, which keep the watermark consistent
// with the step statuses.
type PipelineState struct {
	watermark      Watermark
	website        StepStatus
	contact        StepStatus
	enrichment     StepStatus
	final          StepStatus
	websiteRetries int
	contactRetries int
}

// Discovered returns the initial state of a freshly discovered record.
// Opportunistic data skips the stages that would have produced it.
func Discovered(hasWebsite, hasEmail bool) PipelineState {
	s := PipelineState{watermark: WatermarkDiscovered}
	if hasWebsite {
		s.website = StepSkipped
		s.watermark = WatermarkWebsite
		if hasEmail {
			s.contact = StepSkipped
			s.watermark = WatermarkContact
		}
	}
	return s
}

func (s PipelineState) Watermark() Watermark   { return s.watermark }
func (s PipelineState) Website() StepStatus    { return s.website }
func (s PipelineState) Contact() StepStatus    { return s.contact }
func (s PipelineState) Enrichment() StepStatus { return s.enrichment }
func (s PipelineState) Final() StepStatus      { return s.final }
func (s PipelineState) WebsiteRetries() int    { return s.websiteRetries }
func (s PipelineState) ContactRetries() int    { return s.contactRetries }

// Terminal reports whether finalization has decided the record.
func (s PipelineState) Terminal() bool { return s.final != StepUnset }

// ResolveWebsite records a found website. A known email also satisfies
// the contact step.
func (s PipelineState) ResolveWebsite(hasEmail bool) (PipelineState, error) {
	if s.Terminal() || s.website.Done() {
		return s, eris.Wrapf(ErrIllegalTransition, "resolve website from %s", s)
	}
	s.website = StepCompleted
	s.advance(WatermarkWebsite)
	if hasEmail && !s.contact.Done() {
		s.contact = StepSkipped
		s.advance(WatermarkContact)
	}
	return s, nil
}

// FailWebsite marks website resolution as failed. The watermark is kept.
func (s PipelineState) FailWebsite() (PipelineState, error) {
	if s.Terminal() || s.website.Done() {
		return s, eris.Wrapf(ErrIllegalTransition, "fail website from %s", s)
	}
	s.website = StepFailed
	return s, nil
}

// ResolveContact records a found email for a record that already has a
// website.
func (s PipelineState) ResolveContact() (PipelineState, error) {
	if s.Terminal() || s.watermark < WatermarkWebsite || s.contact.Done() {
		return s, eris.Wrapf(ErrIllegalTransition, "resolve contact from %s", s)
	}
	s.contact = StepCompleted
	s.advance(WatermarkContact)
	return s, nil
}

// FailContact marks contact resolution as failed. The watermark is kept.
func (s PipelineState) FailContact() (PipelineState, error) {
	if s.Terminal() || s.contact.Done() {
		return s, eris.Wrapf(ErrIllegalTransition, "fail contact from %s", s)
	}
	s.contact = StepFailed
	return s, nil
}

// RewindToContact adopts a website found by a later stage. The contact and
// enrichment steps are reset and the watermark is set back to the website
// stage so contact resolution validates the new site again. This is the only
// transition that may lower the watermark.
func (s PipelineState) RewindToContact() (PipelineState, error) {
	if s.Terminal() {
		return s, eris.Wrapf(ErrIllegalTransition, "rewind from %s", s)
	}
	s.website = StepCompleted
	s.contact = StepUnset
	s.enrichment = StepUnset
	s.watermark = WatermarkWebsite
	return s, nil
}

// CountRetry records one retry pass for the given retry stage.
func (s PipelineState) CountRetry(stage Stage) PipelineState {
	switch stage {
	case StageWebsiteRetry:
		s.websiteRetries++
	case StageContactRetry:
		s.contactRetries++
	}
	return s
}

// Enrich records the enrichment outcome. Enrichment is best-effort: a failed
// attempt still advances the watermark.
func (s PipelineState) Enrich(ok bool) (PipelineState, error) {
	if s.watermark < WatermarkContact || s.enrichment != StepUnset {
		return s, eris.Wrapf(ErrIllegalTransition, "enrich from %s", s)
	}
	if ok {
		s.enrichment = StepCompleted
	} else {
		s.enrichment = StepFailed
	}
	s.advance(WatermarkEnriched)
	return s, nil
}

// Tag records tag backfill.
func (s PipelineState) Tag() (PipelineState, error) {
	if s.watermark < WatermarkContact {
		return s, eris.Wrapf(ErrIllegalTransition, "tag from %s", s)
	}
	s.advance(WatermarkTagged)
	return s, nil
}

// Finalize admits the record for publication.
func (s PipelineState) Finalize() (PipelineState, error) {
	if s.Terminal() || s.watermark < WatermarkContact {
		return s, eris.Wrapf(ErrIllegalTransition, "finalize from %s", s)
	}
	s.final = StepCompleted
	s.watermark = WatermarkFinalized
	return s, nil
}

// Reject terminally fails the record at finalization.
func (s PipelineState) Reject() (PipelineState, error) {
	if s.Terminal() {
		return s, eris.Wrapf(ErrIllegalTransition, "reject from %s", s)
	}
	s.final = StepFailed
	return s, nil
}

func (s *PipelineState) advance(w Watermark) {
	if w > s.watermark {
		s.watermark = w
	}
}

func (s PipelineState) String() string {
	return "wm=" + strconv.Itoa(int(s.watermark)) +
		" website=" + statusLabel(s.website) +
		" contact=" + statusLabel(s.contact) +
		" enrichment=" + statusLabel(s.enrichment) +
		" final=" + statusLabel(s.final)
}

func statusLabel(s StepStatus) string {
	if s == StepUnset {
		return "unset"
	}
	return string(s)
}

// StateSnapshot is the flat, persistable form of a PipelineState.
type StateSnapshot struct {
	Watermark      Watermark  `json:"watermark"`
	Website        StepStatus `json:"website_status"`
	Contact        StepStatus `json:"contact_status"`
	Enrichment     StepStatus `json:"enrichment_status"`
	Final          StepStatus `json:"final_status"`
	WebsiteRetries int        `json:"website_retries"`
	ContactRetries int        `json:"contact_retries"`
}

// Snapshot flattens the state for storage.
func (s PipelineState) Snapshot() StateSnapshot {
	return StateSnapshot{
		Watermark:      s.watermark,
		Website:        s.website,
		Contact:        s.contact,
		Enrichment:     s.enrichment,
		Final:          s.final,
		WebsiteRetries: s.websiteRetries,
		ContactRetries: s.contactRetries,
	}
}

// RestoreState validates a persisted snapshot and rebuilds the state.
func RestoreState(snap StateSnapshot) (PipelineState, error) {
	s := PipelineState{
		watermark:      snap.Watermark,
		website:        snap.Website,
		contact:        snap.Contact,
		enrichment:     snap.Enrichment,
		final:          snap.Final,
		websiteRetries: snap.WebsiteRetries,
		contactRetries: snap.ContactRetries,
	}
	if err := s.validate(); err != nil {
		return PipelineState{}, err
	}
	return s, nil
}

func (s PipelineState) validate() error {
	if s.watermark < WatermarkNone || s.watermark > WatermarkFinalized {
		return eris.Errorf("model: watermark %d out of range", s.watermark)
	}
	for _, st := range []StepStatus{s.website, s.contact, s.enrichment, s.final} {
		if !st.Valid() {
			return eris.Errorf("model: unknown step status %q", st)
		}
	}
	if s.websiteRetries < 0 || s.contactRetries < 0 {
		return eris.New("model: negative retry count")
	}
	switch {
	case s.website.Done() != (s.watermark >= WatermarkWebsite):
		return eris.Errorf("model: website %s inconsistent with watermark %d", statusLabel(s.website), s.watermark)
	case s.contact.Done() != (s.watermark >= WatermarkContact):
		return eris.Errorf("model: contact %s inconsistent with watermark %d", statusLabel(s.contact), s.watermark)
	case s.enrichment != StepUnset && s.watermark < WatermarkEnriched:
		return eris.Errorf("model: enrichment %s below watermark %d", statusLabel(s.enrichment), WatermarkEnriched)
	case s.enrichment == StepSkipped:
		return eris.New("model: enrichment cannot be skipped")
	case s.final == StepCompleted && s.watermark != WatermarkFinalized:
		return eris.New("model: finalized record must be at the final watermark")
	case s.final == StepSkipped:
		return eris.New("model: finalization cannot be skipped")
	case s.watermark == WatermarkFinalized && s.final != StepCompleted:
		return eris.New("model: final watermark requires completed finalization")
	}
	return nil
}

// MarshalJSON renders the state as its snapshot.
func (s PipelineState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON restores and validates a snapshot.
func (s *PipelineState) UnmarshalJSON(data []byte) error {
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return eris.Wrap(err, "model: unmarshal pipeline state")
	}
	restored, err := RestoreState(snap)
	if err != nil {
		return err
	}
	*s = restored
	return nil
}
