// Package classify tags incoming queries with a deterministic, pattern
// based type before any LLM is consulted.
package classify

import (
	"regexp"
	"strings"

	"github.com/propengine/kbengine/pkg/models"
)

// Result is the classifier's output.
type Result struct {
	Type       models.QueryType
	Confidence float64
}

type pattern struct {
	re         *regexp.Regexp
	queryType  models.QueryType
	confidence float64
}

// Ordered pattern list; the first match wins. Patterns run against the
// lower-cased query.
var patterns = []pattern{
	{regexp.MustCompile(`^\s*(hi|hello|hey|good (morning|afternoon|evening)|howdy|greetings)\b[\s!.,]*$`), models.QueryGreeting, 0.95},
	{regexp.MustCompile(`\b(error|failed|failing|broken|not working|doesn'?t work|can'?t|cannot|unable to|issue with|problem with|crash)\b`), models.QueryError, 0.85},
	{regexp.MustCompile(`\b(workflow|process for|procedure|end.to.end|full process|life ?cycle)\b`), models.QueryWorkflow, 0.80},
	{regexp.MustCompile(`^\s*(what is|what are|what'?s|define|meaning of|definition of|explain what)\b`), models.QueryDefinition, 0.85},
	{regexp.MustCompile(`\b(how do i|how to|how can i|how does|where do i|steps to|guide (to|for))\b`), models.QueryHowTo, 0.85},
}

// Classify tags the query. Unmatched queries fall through to general with
// low confidence so downstream filters stay permissive.
func Classify(query string) Result {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, p := range patterns {
		if p.re.MatchString(q) {
			return Result{Type: p.queryType, Confidence: p.confidence}
		}
	}
	return Result{Type: models.QueryGeneral, Confidence: 0.3}
}

// EntryTypeFor normalises a query type to the KB entry-type vocabulary
// used in vector-index filters. Greeting and general have no entry type.
func EntryTypeFor(t models.QueryType) (models.EntryType, bool) {
	switch t {
	case models.QueryHowTo:
		return models.EntryHowTo, true
	case models.QueryError:
		return models.EntryError, true
	case models.QueryDefinition:
		return models.EntryDefinition, true
	case models.QueryWorkflow:
		return models.EntryWorkflow, true
	}
	return "", false
}
