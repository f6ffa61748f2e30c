package containerrt

import "testing"

func TestFormatParseRoundTrip(t *testing.T) {
	if got := parseFloatLabel(FormatFloat(1.5)); got != 1.5 {
		t.Fatalf("float round trip = %v, want 1.5", got)
	}
	if got := parseIntLabel(FormatInt(1 << 30)); got != 1<<30 {
		t.Fatalf("int round trip = %v, want %v", got, 1<<30)
	}
}

func TestParseLabelMissing(t *testing.T) {
	if got := parseFloatLabel(""); got != 0 {
		t.Fatalf("parseFloatLabel(\"\") = %v, want 0", got)
	}
	if got := parseIntLabel(""); got != 0 {
		t.Fatalf("parseIntLabel(\"\") = %v, want 0", got)
	}
}
