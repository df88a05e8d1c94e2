package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/lead-pipeline/internal/model"
)

const retrySystem = "You are an expert at finding official websites and corporate contact details of Chinese companies. " +
	"Search business directories, industry catalogs, trade fair exhibitor lists and news. Answer with JSON only."

const expansionPrompt = `You are an expert at sourcing Chinese manufacturers and service providers.

TOPIC:
%s

Write %d distinct search queries that would find companies matching this topic. Mix English and
Chinese phrasing, alternative process names and related technologies. Prefer companies that provide
the service over companies that sell equipment for it. Rate each query's relevance from 0 to 100.

Return JSON only:
{"queries": [{"query": "search query", "relevance": 90}]}`

const discoveryPrompt = `Find %d to %d real companies matching this search query:

QUERY: %s

For each company give its name, official website if known, a contact email if known and a one
sentence description. Do not list marketplaces (Alibaba, Made-in-China, 1688) as websites.

Return JSON only:
{"companies": [{"name": "", "website": "", "email": "", "description": ""}]}`

const discoveryFollowUpPrompt = `Find %d more real companies matching this search query, looking from a
different angle: regional industry clusters, trade fair exhibitor lists, supplier directories.

QUERY: %s

Do not repeat these companies: %s

Return JSON only:
{"companies": [{"name": "", "website": "", "email": "", "description": ""}]}`

const websitePrompt = `Find the official website of this company.

COMPANY: %s
DESCRIPTION: %s
CONTEXT: %s

Return the company's own domain, not a marketplace storefront, social profile or news article.
If you come across a contact email, include it.

Return JSON only:
{"website": "https://...", "email": "", "confidence": 0}
If not found: {"website": null, "note": "where you looked"}`

const websiteRetryPrompt = `The official website of this company could not be found by a regular search.

COMPANY: %s
DESCRIPTION: %s
CONTEXT: %s

%s

Return JSON only:
{"website": "https://...", "email": "", "source": ""}
If not found: {"website": null}`

var websiteRetryHints = [...]string{
	"Search Chinese business directories (qichacha, tianyancha), industry association member lists and trade fair exhibitors. Try the pinyin and English forms of the name.",
	"Try the company's likely domain directly: pinyin abbreviations of the name with .cn, .com.cn and .com. Check press releases and supplier listings that link to the site.",
}

const contactPrompt = `Find email addresses for this company using web search.

COMPANY: %s
WEBSITE: %s

Look for mentions of the company and its domain in catalogs, B2B directories, news and reviews.
Do not try to open the website directly. Prefer corporate addresses on the company domain.

Return JSON only:
{"emails": ["name@example.com"], "source": ""}
If not found: {"emails": [], "note": "where you looked"}`

const contactRetryPrompt = `Find the corporate EMAIL address of this Chinese company.

COMPANY: %s
WEBSITE: %s
DESCRIPTION: %s

%s

Never return phone numbers. Prefer info@, sales@, contact@ or service@ addresses.
If the website is unknown and you find it, include it.

Return JSON only:
{"email": "name@domain or null", "website": "https://... or null", "source": ""}`

var contactRetryHints = [...]string{
	"Check the Contact Us, About and footer sections of the company site and industry catalogs.",
	"Check trade fair exhibitor lists, export directories and news articles quoting the company.",
}

const enrichmentPrompt = `Analyze this company for relevance to a search topic.

SEARCH TOPIC: %s

COMPANY:
Name: %s
Website: %s
Email: %s
Description: %s
Services: %s
Tags: %s

Provide:
1. relevance: 0-100 fit with the topic. Equipment manufacturers and trading companies score low
   when the topic asks for a service; service providers score high.
2. confidence: 0-100 in the quality of the data.
3. description: a concise improved description.
4. services: the services offered.
5. tags: up to %d short tags covering processes, materials, finishes, industries and production type.
6. category: the primary category.
7. reason: why this score.

Return JSON only:
{"relevance": 0, "confidence": 0, "description": "", "services": "", "tags": [], "category": "", "reason": ""}`

const tagsPrompt = `Generate classification tags for this company from its services and products.

COMPANY: %s
DESCRIPTION: %s
SERVICES: %s

Write up to %d short tags (1-3 words each) naming service categories in industry terms.

Return JSON only:
{"tags": ["tag"], "primary_category": ""}`

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func buildExpansionPrompt(topic string, n int) string {
	return fmt.Sprintf(expansionPrompt, topic, n)
}

func buildDiscoveryPrompt(keyword string, minN, maxN int) string {
	return fmt.Sprintf(discoveryPrompt, minN, maxN, keyword)
}

func buildDiscoveryFollowUp(keyword string, want int, known []string) string {
	return fmt.Sprintf(discoveryFollowUpPrompt, want, keyword, orNone(strings.Join(known, "; ")))
}

func buildWebsitePrompt(r *model.CompanyRecord, topic string) string {
	return fmt.Sprintf(websitePrompt, r.Name, orNone(r.Description), orNone(topic))
}

func buildWebsiteRetryPrompt(r *model.CompanyRecord, topic string, attempt int) string {
	return fmt.Sprintf(websiteRetryPrompt, r.Name, orNone(r.Description), orNone(topic), websiteRetryHints[attempt])
}

func buildContactPrompt(r *model.CompanyRecord) string {
	return fmt.Sprintf(contactPrompt, r.Name, r.Website)
}

func buildContactRetryPrompt(r *model.CompanyRecord, attempt int) string {
	return fmt.Sprintf(contactRetryPrompt, r.Name, orNone(r.Website), orNone(r.Description), contactRetryHints[attempt])
}

func buildEnrichmentPrompt(r *model.CompanyRecord, topic string, maxTags int) string {
	return fmt.Sprintf(enrichmentPrompt, orNone(topic), r.Name, orNone(r.Website), orNone(r.Email),
		orNone(r.Description), orNone(r.Services), orNone(strings.Join(r.Tags, ", ")), maxTags)
}

func buildTagsPrompt(r *model.CompanyRecord, maxTags int) string {
	return fmt.Sprintf(tagsPrompt, r.Name, orNone(r.Description), orNone(r.Services), maxTags)
}
