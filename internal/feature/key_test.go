package feature

import "testing"

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    Key
		wantErr bool
	}{
		{name: "valid", in: "shop:checkout:apply-coupon", want: Key{"shop", "checkout", "apply-coupon"}},
		{name: "single_char_parts", in: "p:c:f", want: Key{"p", "c", "f"}},
		{name: "empty", in: "", wantErr: true},
		{name: "one_separator", in: "shop:checkout", wantErr: true},
		{name: "three_separators", in: "a:b:c:d", wantErr: true},
		{name: "empty_project", in: ":checkout:apply", wantErr: true},
		{name: "empty_category", in: "shop::apply", wantErr: true},
		{name: "empty_feature", in: "shop:checkout:", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	k := Key{Project: "shop", Category: "checkout", Feature: "apply-coupon"}
	got, err := Parse(k.String())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got != k {
		t.Fatalf("round trip: got %v want %v", got, k)
	}
}
