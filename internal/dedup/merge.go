package dedup

import (
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Group is a set of records believed to be the same company.
type Group struct {
	Key     string
	Records []model.CompanyRecord
}

// better is negative when a should survive over b. The first differentiator
// wins: TLD priority, validation score, having an email, earlier creation.
func better(a, b *model.CompanyRecord) int {
	if c := Compare(a.Website, b.Website); c != 0 {
		return c
	}
	if a.ValidationScore != b.ValidationScore {
		if a.ValidationScore > b.ValidationScore {
			return -1
		}
		return 1
	}
	if a.HasEmail() != b.HasEmail() {
		if a.HasEmail() {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SelectSurvivor picks the record to keep from a duplicate group and returns
// it with the others.
func SelectSurvivor(group []model.CompanyRecord) (model.CompanyRecord, []model.CompanyRecord) {
	if len(group) == 0 {
		return model.CompanyRecord{}, nil
	}
	sorted := slices.Clone(group)
	slices.SortStableFunc(sorted, func(a, b model.CompanyRecord) int {
		return better(&a, &b)
	})
	return sorted[0], sorted[1:]
}

// Merge fills gaps on survivor from losers. Populated survivor fields are
// never overwritten, so merging the same losers again changes nothing.
// It reports whether survivor changed.
func Merge(survivor *model.CompanyRecord, losers ...model.CompanyRecord) bool {
	before := snapshot(survivor)
	for i := range losers {
		l := &losers[i]
		if survivor.Website == "" && l.Website != "" {
			survivor.Website = l.Website
			survivor.BaseDomain = l.BaseDomain
		}
		survivor.AddEmails(append([]string{l.Email}, l.Emails...)...)
		if l.ValidationScore > survivor.ValidationScore {
			survivor.ValidationScore = l.ValidationScore
		}
		if l.Confidence > survivor.Confidence {
			survivor.Confidence = l.Confidence
		}
		survivor.Tags = model.LimitTags(model.UnionStrings(survivor.Tags, l.Tags))
		fill(&survivor.Description, l.Description)
		fill(&survivor.Services, l.Services)
		fill(&survivor.Category, l.Category)
	}
	if survivor.Website != "" && survivor.BaseDomain == "" {
		survivor.BaseDomain = BaseDomain(survivor.Website)
	}
	return snapshot(survivor) != before
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

// snapshot renders the fields Merge may touch.
func snapshot(r *model.CompanyRecord) string {
	return strings.Join([]string{
		r.Website, r.BaseDomain, r.Email, strings.Join(r.Emails, ","),
		strings.Join(r.Tags, ","), r.Description, r.Services, r.Category,
		strconv.Itoa(r.ValidationScore), strconv.Itoa(r.Confidence),
	}, "\x00")
}

// reconcileState advances the survivor's pipeline state when a merge
// supplied the data a gated stage was waiting for.
func reconcileState(before, after *model.CompanyRecord) model.PipelineState {
	st := after.State
	if !before.HasWebsite() && after.HasWebsite() && !st.Website().Done() {
		if next, err := st.ResolveWebsite(after.HasEmail()); err == nil {
			return next
		}
		return st
	}
	if !before.HasEmail() && after.HasEmail() && after.HasWebsite() &&
		st.Watermark() >= model.WatermarkWebsite && !st.Contact().Done() {
		if next, err := st.ResolveContact(); err == nil {
			return next
		}
	}
	return st
}

// Groups partitions records into duplicate groups of two or more. Records
// with a website group by base domain. Records without one group by
// normalized name, and join a domain group whose records carry the same
// name when exactly one such base domain exists.
func Groups(records []model.CompanyRecord) []Group {
	byKey := make(map[string][]model.CompanyRecord)
	nameToBases := make(map[string]map[string]bool)

	var unsited []model.CompanyRecord
	for _, r := range records {
		base := BaseDomain(r.Website)
		if base == "" {
			unsited = append(unsited, r)
			continue
		}
		key := "domain:" + base
		byKey[key] = append(byKey[key], r)
		if n := NormalizeName(r.Name); n != "" {
			if nameToBases[n] == nil {
				nameToBases[n] = make(map[string]bool)
			}
			nameToBases[n][base] = true
		}
	}
	for _, r := range unsited {
		n := NormalizeName(r.Name)
		if n == "" {
			continue
		}
		key := "name:" + n
		if bases := nameToBases[n]; len(bases) == 1 {
			for b := range bases {
				key = "domain:" + b
			}
		}
		byKey[key] = append(byKey[key], r)
	}

	var out []Group
	for key, recs := range byKey {
		if len(recs) > 1 {
			out = append(out, Group{Key: key, Records: recs})
		}
	}
	slices.SortFunc(out, func(a, b Group) int { return strings.Compare(a.Key, b.Key) })
	return out
}
