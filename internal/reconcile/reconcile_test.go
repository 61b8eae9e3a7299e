package reconcile

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/visionguard/detection-client/pkg/types"
)

func det(class string, conf, x1, y1, x2, y2 float64) types.Detection {
	return types.Detection{
		Class:      class,
		Confidence: conf,
		BBox:       types.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
	}
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name        string
		prev, next  []types.Detection
		wantChanged bool
	}{
		{
			name:        "both empty",
			prev:        nil,
			next:        nil,
			wantChanged: false,
		},
		{
			name:        "empty to non-empty",
			prev:        nil,
			next:        []types.Detection{det("person", 0.9, 0, 0, 10, 10)},
			wantChanged: true,
		},
		{
			name:        "non-empty to empty",
			prev:        []types.Detection{det("person", 0.9, 0, 0, 10, 10)},
			next:        nil,
			wantChanged: true,
		},
		{
			name:        "identical",
			prev:        []types.Detection{det("person", 0.9, 0, 0, 10, 10), det("car", 0.7, 20, 20, 40, 40)},
			next:        []types.Detection{det("person", 0.9, 0, 0, 10, 10), det("car", 0.7, 20, 20, 40, 40)},
			wantChanged: false,
		},
		{
			name:        "confidence jitter only",
			prev:        []types.Detection{det("person", 0.91, 0, 0, 10, 10)},
			next:        []types.Detection{det("person", 0.67, 0, 0, 10, 10)},
			wantChanged: false,
		},
		{
			name:        "class changed",
			prev:        []types.Detection{det("person", 0.9, 0, 0, 10, 10)},
			next:        []types.Detection{det("dog", 0.9, 0, 0, 10, 10)},
			wantChanged: true,
		},
		{
			name:        "box moved",
			prev:        []types.Detection{det("person", 0.9, 0, 0, 10, 10)},
			next:        []types.Detection{det("person", 0.9, 1, 0, 11, 10)},
			wantChanged: true,
		},
		{
			name:        "order swapped",
			prev:        []types.Detection{det("person", 0.9, 0, 0, 10, 10), det("car", 0.7, 20, 20, 40, 40)},
			next:        []types.Detection{det("car", 0.7, 20, 20, 40, 40), det("person", 0.9, 0, 0, 10, 10)},
			wantChanged: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, gotChanged := Reconcile(tc.prev, tc.next)
			if gotChanged != tc.wantChanged {
				t.Fatalf("changed = %v, want %v\ndiff:\n%s", gotChanged, tc.wantChanged, cmp.Diff(tc.prev, tc.next))
			}
			if tc.wantChanged {
				if diff := cmp.Diff(tc.next, got); diff != "" {
					t.Errorf("changed result must be next (-want +got):\n%s", diff)
				}
			}
		})
	}
}

// An unchanged comparison must hand back the previous slice itself, not
// a copy, so version/identity checks downstream stay cheap.
func TestReconcileUnchangedPreservesIdentity(t *testing.T) {
	prev := []types.Detection{det("person", 0.9, 0, 0, 10, 10)}
	next := []types.Detection{det("person", 0.4, 0, 0, 10, 10)}

	got, changed := Reconcile(prev, next)
	if changed {
		t.Fatal("confidence-only delta reported as change")
	}
	if &got[0] != &prev[0] {
		t.Error("unchanged result is not the previous instance")
	}
}
