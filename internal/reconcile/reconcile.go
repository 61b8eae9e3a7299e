// Package reconcile decides whether a new detection set is observably
// different from the one already on screen. Confidence jitter between
// frames is deliberately ignored so the UI does not churn on every
// response.
package reconcile

import "github.com/visionguard/detection-client/pkg/types"

// Reconcile compares prev and next and returns the set to publish plus
// whether it changed. When nothing changed the previous slice is
// returned unmodified, so consumers comparing by identity can skip work.
func Reconcile(prev, next []types.Detection) ([]types.Detection, bool) {
	if !changed(prev, next) {
		return prev, false
	}
	return next, true
}

// changed is true when the sets differ in length or any positional
// (class, bbox) pair differs. Confidence is not compared.
func changed(prev, next []types.Detection) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range next {
		if prev[i].Class != next[i].Class || prev[i].BBox != next[i].BBox {
			return true
		}
	}
	return false
}
