// Package screening turns raw LLM output into validated per-article
// decisions and builds the prompts that elicit them.
package screening

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"pubscreen/internal/domain"
)

var (
	// ErrInvalidStructure reports output whose root is not an object of
	// per-article records.
	ErrInvalidStructure = errors.New("screening: response is not an object of per-article records")

	// ErrMissingField reports a record lacking one of the canonical fields.
	ErrMissingField = errors.New("screening: missing required field")
)

const (
	includedPrefix = "Included:"
	excludedPrefix = "Excluded:"
)

// extractObject pulls a JSON object out of possibly-noisy model text.
// Stages: parse as-is, strip markdown fences, slice first-{ to last-},
// and finally a jsonrepair pass over the sliced candidate.
func extractObject(content string) (map[string]json.RawMessage, error) {
	text := strings.TrimSpace(content)

	if obj, ok := tryParseObject(text); ok {
		return obj, nil
	}

	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	if obj, ok := tryParseObject(text); ok {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		candidate := text[start : end+1]
		if obj, ok := tryParseObject(candidate); ok {
			return obj, nil
		}
		// Truncated or slightly malformed JSON is common at low num_predict;
		// give the repairer one shot before failing the batch.
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
			if obj, ok := tryParseObject(repaired); ok {
				return obj, nil
			}
		}
	}

	return nil, ErrInvalidStructure
}

func tryParseObject(text string) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// Normalize validates raw model text into canonical decisions and enforces
// the threshold invariant: included == (relevance_score >= threshold). When
// the flip changes the decision and the reason carries an Included:/Excluded:
// prefix, the prefix is swapped to stay consistent.
func Normalize(raw string, threshold float64) (map[string]domain.Decision, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 {
		return nil, ErrInvalidStructure
	}

	decisions := make(map[string]domain.Decision, len(obj))
	for articleID, rawRecord := range obj {
		var record map[string]any
		if err := json.Unmarshal(rawRecord, &record); err != nil {
			return nil, fmt.Errorf("%w: record for %q is not an object", ErrInvalidStructure, articleID)
		}

		decision, err := normalizeRecord(articleID, record)
		if err != nil {
			return nil, err
		}
		decisions[articleID] = reconcile(decision, threshold)
	}
	return decisions, nil
}

func normalizeRecord(articleID string, record map[string]any) (domain.Decision, error) {
	included, ok := coerceIncluded(record)
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w: %q has no included field", ErrMissingField, articleID)
	}

	rawReason, ok := record["reason"]
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w: %q has no reason field", ErrMissingField, articleID)
	}
	reason := coerceString(rawReason)

	rawScore, ok := record["relevanceScore"]
	if !ok {
		rawScore, ok = record["relevance_score"]
	}
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w: %q has no relevanceScore field", ErrMissingField, articleID)
	}

	return domain.Decision{
		Included:       included,
		Reason:         reason,
		RelevanceScore: clampScore(coerceScore(rawScore)),
	}, nil
}

// coerceIncluded reads included as bool, "true"/"false" string, general
// truthiness, or a negated excluded field.
func coerceIncluded(record map[string]any) (bool, bool) {
	if v, ok := record["included"]; ok {
		return truthy(v), true
	}
	if v, ok := record["excluded"]; ok {
		return !truthy(v), true
	}
	return false, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			return true
		case "false", "":
			return false
		}
		return true
	case float64:
		return val != 0
	case nil:
		return false
	default:
		return true
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// coerceScore accepts numbers and numeric strings with an optional trailing
// percent sign; anything else scores 0.
func coerceScore(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		trimmed := strings.TrimSuffix(strings.TrimSpace(val), "%")
		score, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
		if err != nil {
			return 0
		}
		return score
	default:
		return 0
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// reconcile makes the boolean follow the score. The score is the more stable
// signal; the model is known to contradict itself.
func reconcile(d domain.Decision, threshold float64) domain.Decision {
	want := d.RelevanceScore >= threshold
	if d.Included == want {
		return d
	}
	d.Included = want
	if want && strings.HasPrefix(d.Reason, excludedPrefix) {
		d.Reason = includedPrefix + strings.TrimPrefix(d.Reason, excludedPrefix)
	} else if !want && strings.HasPrefix(d.Reason, includedPrefix) {
		d.Reason = excludedPrefix + strings.TrimPrefix(d.Reason, includedPrefix)
	}
	return d
}
