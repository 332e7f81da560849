package logpos

import "testing"

func TestStartConsensus(t *testing.T) {
	if got := StartConsensus(160, 0, 60); got != 100 {
		t.Errorf("StartConsensus(160,0,60) = %d, want 100", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		currentTerm int32
		heartbeat   int32
		hasImage    bool
		want        Relation
	}{
		{"bootstrap always switches", NoTerm, 1, false, Switch},
		{"same term extends", 1, 1, true, Extension},
		{"next term switches", 1, 2, true, Switch},
		{"no image always switches even far ahead", 1, 7, false, Switch},
		{"far ahead term gaps", 1, 3, true, Gap},
		{"older term is stale", 3, 2, true, Stale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.currentTerm, tc.heartbeat, tc.hasImage); got != tc.want {
				t.Errorf("Classify(%d,%d,%v) = %v, want %v", tc.currentTerm, tc.heartbeat, tc.hasImage, got, tc.want)
			}
		})
	}
}
