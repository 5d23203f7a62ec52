// Package review decides whether a classification needs a human to look at it.
package review

import (
	"fmt"
	"strings"
)

const (
	DefaultConfidenceThreshold = 0.7
	DefaultReviewThreshold     = 0.4

	ReasonCatConfusion = "Wildcat/domestic cat confusion risk"
)

// alwaysReview lists taxa that are flagged whatever the model's confidence.
// Wildcat and domestic cat cannot be told apart reliably from camera-trap images.
var alwaysReview = map[string]bool{
	"felis":                  true,
	"felis silvestris":       true,
	"felis catus":            true,
	"felis silvestris catus": true,
	"felis lybica":           true,
}

// Classification is the top prediction of an item.
type Classification struct {
	ScientificName string
	Confidence     float64
}

type Policy struct {
	ConfidenceThreshold float64
	ReviewThreshold     float64
}

func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		ReviewThreshold:     DefaultReviewThreshold,
	}
}

func IsAlwaysReview(scientificName string) bool {
	name := strings.Join(strings.Fields(strings.ToLower(scientificName)), " ")
	if alwaysReview[name] {
		return true
	}
	return strings.HasPrefix(name, "felis ")
}

// Evaluate returns the flag and, when flagged, the reason shown to reviewers.
func (p Policy) Evaluate(top *Classification) (bool, *string) {
	if top == nil {
		return false, nil
	}
	if IsAlwaysReview(top.ScientificName) {
		return flagged(ReasonCatConfusion)
	}
	if top.Confidence < p.ReviewThreshold {
		return flagged(fmt.Sprintf("very low confidence (%.1f%%)", top.Confidence*100))
	}
	if top.Confidence < p.ConfidenceThreshold {
		return flagged(fmt.Sprintf("low confidence (%.1f%%)", top.Confidence*100))
	}
	return false, nil
}

func flagged(reason string) (bool, *string) {
	return true, &reason
}
