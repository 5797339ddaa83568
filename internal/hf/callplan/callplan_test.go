package callplan_test

import (
	"testing"

	"github.com/servalproject/lbard-go/internal/hf/callplan"
)

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	stations, err := callplan.ParseString("# call plan\n\nVK4ABC\n\nVK4XYZ\n# trailing comment\n")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	want := []string{"VK4ABC", "VK4XYZ"}
	if len(stations) != len(want) {
		t.Fatalf("got %v, want %v", stations, want)
	}
	for i := range want {
		if stations[i] != want[i] {
			t.Fatalf("got %v, want %v", stations, want)
		}
	}
}

func TestParseRejectsWhitespaceInStationName(t *testing.T) {
	if _, err := callplan.ParseString("VK4 ABC\n"); err == nil {
		t.Fatalf("expected error for station name with whitespace")
	}
}

func TestParseEmptyInput(t *testing.T) {
	stations, err := callplan.ParseString("")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	if len(stations) != 0 {
		t.Fatalf("expected no stations, got %v", stations)
	}
}
