package convergence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

func attempt(conf, comp float64) models.SearchAttempt {
	return models.SearchAttempt{Candidate: &models.SubAnswer{Content: "x", Confidence: conf, Completeness: comp}}
}

func TestSufficiencyCheck(t *testing.T) {
	t.Run("high metrics on first attempt", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{attempt(0.9, 0.85)})
		assert.True(t, v.Sufficient)
		assert.Equal(t, ReasonThresholdMet, v.Reason)
	})

	t.Run("low metrics", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{attempt(0.5, 0.5)})
		assert.False(t, v.Sufficient)
		assert.Equal(t, ReasonInsufficient, v.Reason)
	})

	t.Run("good enough and improving on attempt 2", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{attempt(0.5, 0.5), attempt(0.65, 0.7)})
		assert.True(t, v.Sufficient)
		assert.Equal(t, ReasonImproving, v.Reason)
	})

	t.Run("flat completeness is not improvement", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{attempt(0.6, 0.7), attempt(0.7, 0.7)})
		assert.False(t, v.Sufficient)
	})

	t.Run("improving but under the floor", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{attempt(0.3, 0.3), attempt(0.55, 0.7)})
		assert.False(t, v.Sufficient)
	})

	t.Run("needs further search beats high metrics", func(t *testing.T) {
		a := attempt(0.95, 0.95)
		a.Candidate.NeedsFurtherSearch = true
		v := SufficiencyCheck([]models.SearchAttempt{a})
		assert.False(t, v.Sufficient)
		assert.Equal(t, ReasonNeedsFurtherSearch, v.Reason)
	})

	t.Run("tool error", func(t *testing.T) {
		a := attempt(0.95, 0.95)
		a.Error = "timeout"
		v := SufficiencyCheck([]models.SearchAttempt{a})
		assert.False(t, v.Sufficient)
		assert.Equal(t, ReasonToolError, v.Reason)
	})

	t.Run("no candidate", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{{Index: 1}})
		assert.False(t, v.Sufficient)
		assert.Equal(t, ReasonNoCandidate, v.Reason)
		assert.Equal(t, ReasonNoCandidate, SufficiencyCheck(nil).Reason)
	})

	t.Run("previous attempt without candidate gives no trend", func(t *testing.T) {
		v := SufficiencyCheck([]models.SearchAttempt{{Index: 1, Error: "timeout"}, attempt(0.65, 0.7)})
		assert.False(t, v.Sufficient)
	})

	t.Run("custom thresholds", func(t *testing.T) {
		th := Thresholds{Accept: 0.5, Improving: 0.4}
		assert.True(t, th.SufficiencyCheck([]models.SearchAttempt{attempt(0.5, 0.5)}).Sufficient)
	})
}

func TestIterationBudget(t *testing.T) {
	assert.Equal(t, 1, IterationBudget(models.ComplexitySimple))
	assert.Equal(t, 2, IterationBudget(models.ComplexityMedium))
	assert.Equal(t, 3, IterationBudget(models.ComplexityComplex))
	assert.Equal(t, 2, IterationBudget("unknown"))
}

func TestAttemptBudget(t *testing.T) {
	assert.Equal(t, DefaultAttemptBudget, AttemptBudget(0))
	assert.Equal(t, DefaultAttemptBudget, AttemptBudget(-4))
	assert.Equal(t, 1, AttemptBudget(1))
	assert.Equal(t, 5, AttemptBudget(5))
}

func TestReplanCheck(t *testing.T) {
	open := models.Insight{UnansweredQuestions: []string{"a", "b"}}

	tests := []struct {
		name      string
		iteration int
		max       int
		insight   models.Insight
		want      bool
	}{
		{"budget reached", 2, 3, open, false},
		{"single iteration budget", 0, 1, open, false},
		{"two open questions", 0, 3, open, true},
		{"one open question", 0, 3, models.Insight{UnansweredQuestions: []string{"a"}}, false},
		{"two disagreements", 1, 3, models.Insight{AreasOfDisagreement: []string{"a", "b"}}, true},
		{"unexpected finding first iteration", 0, 2, models.Insight{UnexpectedFindings: []string{"a"}}, true},
		{"unexpected finding later iteration", 1, 3, models.Insight{UnexpectedFindings: []string{"a"}}, false},
		{"nothing left", 0, 3, models.Insight{KeyThemes: []string{"fiber"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReplanCheck(tt.iteration, tt.max, tt.insight))
		})
	}
}

func TestFeedbackOffered(t *testing.T) {
	assert.False(t, FeedbackOffered(models.ComplexitySimple, 0))
	assert.False(t, FeedbackOffered(models.ComplexitySimple, 3))
	assert.False(t, FeedbackOffered(models.ComplexityMedium, 0))
	assert.True(t, FeedbackOffered(models.ComplexityMedium, 1))
	assert.True(t, FeedbackOffered(models.ComplexityComplex, 0))
	assert.True(t, FeedbackOffered(models.ComplexityComplex, 2))
}
