package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFollowUp(t *testing.T) {
	d := NewFollowUpDetector()

	followUps := []string{
		"what about Florida",
		"now show the counties",
		"drill down into Harris County",
		"and for seniors?",
		"show me those counties again",
		"same measures but for Arizona",
		"use median income instead",
		"Florida too",
	}
	for _, q := range followUps {
		assert.True(t, d.IsFollowUp(q), "question %q", q)
	}

	standalone := []string{
		"how many people live in Texas",
		"which counties in California have the highest Medicare eligible population",
		"show hospital beds per county across Florida",
	}
	for _, q := range standalone {
		assert.False(t, d.IsFollowUp(q), "question %q", q)
	}

	assert.False(t, d.IsFollowUp(""))
	assert.False(t, d.IsFollowUp("   "))
}

func TestShortQuestionsLeanFollowUp(t *testing.T) {
	d := NewFollowUpDetector()
	assert.True(t, d.IsFollowUp("florida counties"))
	assert.True(t, d.IsFollowUp("population"))
}

func TestExtraPredicate(t *testing.T) {
	d := NewFollowUpDetector(WithExtraPredicate(func(q string) bool {
		return strings.HasPrefix(q, "refine:")
	}))

	assert.True(t, d.IsFollowUp("refine: restrict the results to southern states"))
	assert.False(t, d.IsFollowUp("list every state by population with median income"))
}
