package types

import (
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("2017-10-15T00:00:00Z/2017-10-17T00:00:00Z")
	if err != nil {
		t.Fatalf("failed to parse interval: %v", err)
	}

	wantStart := time.Date(2017, 10, 15, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2017, 10, 17, 0, 0, 0, 0, time.UTC)
	if !iv.StartTime().Equal(wantStart) {
		t.Errorf("start mismatch: got %v, want %v", iv.StartTime(), wantStart)
	}
	if !iv.EndTime().Equal(wantEnd) {
		t.Errorf("end mismatch: got %v, want %v", iv.EndTime(), wantEnd)
	}
}

func TestParseInterval_Invalid(t *testing.T) {
	cases := []string{
		"",
		"2017-10-15T00:00:00Z",
		"not-a-time/2017-10-17T00:00:00Z",
		"2017-10-15T00:00:00Z/not-a-time",
		"2017-10-17T00:00:00Z/2017-10-15T00:00:00Z", // end before start
	}
	for _, s := range cases {
		if _, err := ParseInterval(s); err == nil {
			t.Errorf("expected error parsing %q", s)
		}
	}
}

func TestInterval_Contains(t *testing.T) {
	outer := MustParseInterval("2017-10-15T00:00:00Z/2017-10-18T00:00:00Z")

	cases := []struct {
		name  string
		inner string
		want  bool
	}{
		{"fully inside", "2017-10-15T00:00:00Z/2017-10-17T00:00:00Z", true},
		{"exact match", "2017-10-15T00:00:00Z/2017-10-18T00:00:00Z", true},
		{"overlaps start", "2017-10-14T00:00:00Z/2017-10-16T00:00:00Z", false},
		{"overlaps end", "2017-10-17T00:00:00Z/2017-10-19T00:00:00Z", false},
		{"disjoint", "2017-10-19T00:00:00Z/2017-10-22T00:00:00Z", false},
	}
	for _, tc := range cases {
		inner := MustParseInterval(tc.inner)
		if got := outer.Contains(inner); got != tc.want {
			t.Errorf("%s: Contains(%s) = %v, want %v", tc.name, inner, got, tc.want)
		}
	}
}

func TestInterval_Overlaps(t *testing.T) {
	a := MustParseInterval("2017-10-15T00:00:00Z/2017-10-17T00:00:00Z")
	b := MustParseInterval("2017-10-16T00:00:00Z/2017-10-18T00:00:00Z")
	c := MustParseInterval("2017-10-17T00:00:00Z/2017-10-18T00:00:00Z")

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Error("overlapping intervals should overlap symmetrically")
	}
	// Half-open: abutting intervals do not overlap.
	if a.Overlaps(c) {
		t.Error("abutting intervals should not overlap")
	}
	if !a.Abuts(c) {
		t.Error("a and c should abut")
	}
}

func TestEternity_ContainsEverything(t *testing.T) {
	iv := MustParseInterval("2017-10-15T00:00:00Z/2017-10-17T00:00:00Z")
	if !Eternity().Contains(iv) {
		t.Error("eternity should contain any finite interval")
	}
}
