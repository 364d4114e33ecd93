package screening

import (
	"fmt"
	"strings"

	"pubscreen/internal/domain"
)

// BuildPrompt renders the deterministic screening prompt: the criteria block
// verbatim, the scoring rubric, the reason-format contract, the inclusion
// rule and one id/title/abstract block per article. Output must be a JSON
// object keyed by article id.
func BuildPrompt(articles []domain.Article, criteria string, threshold float64) string {
	var b strings.Builder

	b.WriteString("You are a precise and deterministic medical research screening assistant. ")
	b.WriteString("Analyze these articles based on the given criteria and provide clear results.\n\n")

	b.WriteString("SCREENING CRITERIA:\n")
	b.WriteString(criteria)
	b.WriteString("\n\n")

	b.WriteString(`STRICT SCORING RULES:
1. Relevance Score (0-100):
   - 90-100: Perfect match with all criteria
   - 70-89: Strong match with most criteria
   - 50-69: Moderate match with some criteria
   - 30-49: Weak match with few criteria
   - 0-29: Very poor match or irrelevant

2. Reason Format:
   - Start with "Included:" or "Excluded:"
   - List specific matching/missing criteria
   - Be concise but specific

ARTICLES TO ANALYZE:
`)
	b.WriteString(formatArticles(articles))

	b.WriteString(`

REQUIRED OUTPUT FORMAT:
{
  "article_id": {
    "included": boolean,
    "reason": "string explaining decision",
    "relevanceScore": number (0-100)
  }
}

CRITICAL REQUIREMENTS:
1. Response MUST be a JSON object (dictionary), NOT an array
2. Each article must be a key-value pair in the root object
3. Use the article ID as the key for each result
4. Each result must have exactly these fields:
   - included: true/false
   - reason: string
   - relevanceScore: number 0-100

IMPORTANT DECISION LOGIC:
`)
	fmt.Fprintf(&b, "- If relevanceScore >= %.0f -> included = true\n", threshold)
	fmt.Fprintf(&b, "- If relevanceScore < %.0f -> included = false\n", threshold)
	b.WriteString(`- This rule is NON-NEGOTIABLE and MUST be followed
- Do NOT override this rule based on other reasoning

IMPORTANT: NEVER return a list/array! Always return a dictionary/object with article IDs as keys.`)

	return b.String()
}

func formatArticles(articles []domain.Article) string {
	blocks := make([]string, 0, len(articles))
	for _, a := range articles {
		blocks = append(blocks, fmt.Sprintf("Article ID: %s\nTitle: %s\nAbstract: %s",
			a.ArticleID, a.Title, a.Abstract))
	}
	return strings.Join(blocks, "\n\n")
}
