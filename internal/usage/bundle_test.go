package usage

import "testing"

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		b       Bundle
		wantErr bool
	}{
		{name: "empty", b: Bundle{}},
		{name: "valid", b: Bundle{RelationalWrites: 10, CPUMs: 42}},
		{name: "unknown_tag", b: Bundle{Resource("widgets"): 1}, wantErr: true},
		{name: "negative", b: Bundle{CacheReads: -1}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddPointwise(t *testing.T) {
	a := Bundle{RelationalWrites: 3, CacheReads: 1}
	b := Bundle{RelationalWrites: 2, InferenceUnits: 7}
	sum := a.Add(b)

	if sum.Get(RelationalWrites) != 5 || sum.Get(CacheReads) != 1 || sum.Get(InferenceUnits) != 7 {
		t.Fatalf("unexpected sum: %v", sum)
	}
	// Inputs untouched.
	if a.Get(RelationalWrites) != 3 || b.Get(RelationalWrites) != 2 {
		t.Fatal("Add mutated an input")
	}
}

func TestAllTagsKnown(t *testing.T) {
	if len(All) != 18 {
		t.Fatalf("closed resource set has %d tags, want 18", len(All))
	}
	for _, r := range All {
		if !Known(r) {
			t.Fatalf("resource %s not in known set", r)
		}
	}
	if Known(Resource("bogus")) {
		t.Fatal("unknown tag reported as known")
	}
}
