package screening

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threshold = 60.0

func TestNormalizePlainObject(t *testing.T) {
	raw := `{"a1": {"included": true, "reason": "Included: matches population and intervention", "relevanceScore": 85}}`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions["a1"]
	assert.True(t, d.Included)
	assert.Equal(t, 85.0, d.RelevanceScore)
	assert.Equal(t, "Included: matches population and intervention", d.Reason)
}

func TestNormalizeStripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"a1\": {\"included\": false, \"reason\": \"Excluded: wrong study design\", \"relevanceScore\": 20}}\n```"

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)
	assert.False(t, decisions["a1"].Included)
	assert.Equal(t, 20.0, decisions["a1"].RelevanceScore)
}

func TestNormalizeSlicesSurroundingProse(t *testing.T) {
	raw := `Here is my analysis of the articles:
{"a1": {"included": true, "reason": "Included: relevant", "relevanceScore": 90}}
Let me know if you need anything else.`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)
	assert.True(t, decisions["a1"].Included)
}

func TestNormalizeRepairsTruncatedJSON(t *testing.T) {
	// Output cut off mid-string, as happens when num_predict runs out.
	raw := `{"a1": {"included": true, "reason": "Included: matches", "relevanceScore": 75}, "a2": {"included": false, "reason": "Excluded: no inter`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)
	require.Contains(t, decisions, "a1")
	assert.Equal(t, 75.0, decisions["a1"].RelevanceScore)
}

func TestNormalizeReconcilesIncludedWithScore(t *testing.T) {
	// Model said included but scored below the cutoff; the score wins and
	// the reason prefix flips with it.
	raw := `{"id7": {"included": true, "reason": "Included: partially matches criteria", "relevanceScore": "40%"}}`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)

	d := decisions["id7"]
	assert.False(t, d.Included)
	assert.Equal(t, 40.0, d.RelevanceScore)
	assert.Equal(t, "Excluded: partially matches criteria", d.Reason)
}

func TestNormalizeReconcilesExcludedWithHighScore(t *testing.T) {
	raw := `{"a1": {"included": false, "reason": "Excluded: not sure", "relevanceScore": 80}}`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)

	d := decisions["a1"]
	assert.True(t, d.Included)
	assert.Equal(t, "Included: not sure", d.Reason)
}

func TestNormalizeReconcileWithoutPrefixKeepsReason(t *testing.T) {
	raw := `{"a1": {"included": true, "reason": "seems tangential", "relevanceScore": 10}}`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)

	d := decisions["a1"]
	assert.False(t, d.Included)
	assert.Equal(t, "seems tangential", d.Reason)
}

func TestNormalizeCoercions(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantIncluded bool
		wantScore    float64
	}{
		{"string true", `{"a": {"included": "true", "reason": "Included: x", "relevanceScore": 70}}`, true, 70},
		{"string false", `{"a": {"included": "false", "reason": "Excluded: x", "relevanceScore": 10}}`, false, 10},
		{"excluded negation", `{"a": {"excluded": true, "reason": "Excluded: x", "relevanceScore": 5}}`, false, 5},
		{"snake_case score", `{"a": {"included": true, "reason": "Included: x", "relevance_score": 95}}`, true, 95},
		{"percent string", `{"a": {"included": true, "reason": "Included: x", "relevanceScore": "85%"}}`, true, 85},
		{"clamp high", `{"a": {"included": true, "reason": "Included: x", "relevanceScore": 150}}`, true, 100},
		{"clamp low", `{"a": {"included": false, "reason": "Excluded: x", "relevanceScore": -5}}`, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decisions, err := Normalize(tt.raw, threshold)
			require.NoError(t, err)
			d := decisions["a"]
			assert.Equal(t, tt.wantIncluded, d.Included)
			assert.Equal(t, tt.wantScore, d.RelevanceScore)
		})
	}
}

func TestNormalizeMissingFieldFailsBatch(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no included", `{"a": {"reason": "Included: x", "relevanceScore": 70}}`},
		{"no reason", `{"a": {"included": true, "relevanceScore": 70}}`},
		{"no score", `{"a": {"included": true, "reason": "Included: x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, threshold)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestNormalizeRejectsNonObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"array root", `[{"included": true, "reason": "x", "relevanceScore": 70}]`},
		{"empty object", `{}`},
		{"prose only", `I could not screen these articles.`},
		{"empty string", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, threshold)
			assert.ErrorIs(t, err, ErrInvalidStructure)
		})
	}
}

func TestNormalizeScoreAtThresholdIsIncluded(t *testing.T) {
	raw := `{"a": {"included": false, "reason": "Excluded: borderline", "relevanceScore": 60}}`

	decisions, err := Normalize(raw, threshold)
	require.NoError(t, err)
	assert.True(t, decisions["a"].Included)
}
