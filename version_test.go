package xnukit

import "testing"

func TestParseDarwinVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"19.6.0", 190600},
		{"20.0.0", 200000},
		{"20.99.99", 209999},
		{"10.4", 100400},
		{"19", 190000},
		{"1.2.3", 10203},
		{"", 0},
		{"foo", 0},
		{"19.6.0.1", 0},
		{"19..0", 0},
		{"123.0.0", 0},
		{"19.6.x", 0},
	}

	for _, tt := range tests {
		if got := ParseDarwinVersion(tt.in); got != tt.want {
			t.Errorf("ParseDarwinVersion(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMatchDarwinVersion(t *testing.T) {
	tests := []struct {
		version, min, max uint32
		want              bool
	}{
		{190600, 0, 0, true},
		{190600, 190600, 190600, true},
		{190600, 190000, 200000, true},
		{210000, 200000, 209999, false},
		{190600, 200000, 0, false},
		{190600, 0, 180000, false},
		{0, 0, 0, true},
		{0, 190000, 0, false},
		{0, 0, 190000, false},
	}

	for _, tt := range tests {
		if got := MatchDarwinVersion(tt.version, tt.min, tt.max); got != tt.want {
			t.Errorf("MatchDarwinVersion(%d, %d, %d) = %v, want %v", tt.version, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestDetectDarwinVersion(t *testing.T) {
	buf, payload := buildPrelinked(testImageOpts{})
	ctx, err := NewPrelinkedContext(buf, payload, uint32(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if got := DetectDarwinVersion(ctx.MachO()); got != 190600 {
		t.Errorf("DetectDarwinVersion() = %d, want 190600", got)
	}
}

func TestDetectDarwinVersionWithoutSymbol(t *testing.T) {
	// The banner stays in __TEXT.__const; detection falls back to the
	// byte scan.
	buf, payload := buildPrelinked(testImageOpts{noVersionSymbol: true})
	ctx, err := NewPrelinkedContext(buf, payload, uint32(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if got := DetectDarwinVersion(ctx.MachO()); got != 190600 {
		t.Errorf("DetectDarwinVersion() = %d, want 190600", got)
	}
}

func TestDetectDarwinVersionAbsent(t *testing.T) {
	buf, payload := buildPrelinked(testImageOpts{banner: "-"})
	ctx, err := NewPrelinkedContext(buf, payload, uint32(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if got := DetectDarwinVersion(ctx.MachO()); got != 0 {
		t.Errorf("DetectDarwinVersion() = %d, want 0", got)
	}
}
