package xnukit

import (
	"bytes"
	"testing"
)

func TestProcessPrelinkedNoop(t *testing.T) {
	// An empty configuration must leave the image byte-identical.
	ctx, buf, payload := newTestContext(t, testImageOpts{})
	before := append([]byte{}, buf...)

	cfg := &Config{}
	cfg.Quirks.SetApfsTrimTimeout = -1

	results, err := ProcessPrelinked(ctx, cfg, nil, false)
	if err != nil {
		t.Fatalf("ProcessPrelinked() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
	if !bytes.Equal(buf, before) {
		t.Error("no-op boot changed the image")
	}
	if ctx.PayloadSize() != payload {
		t.Errorf("PayloadSize() = %#x, want %#x", ctx.PayloadSize(), payload)
	}
}

func TestProcessPrelinkedSingleKernelPatch(t *testing.T) {
	code := []byte{0x48, 0x85, 0xC0, 0x74, 0x08, 0x48, 0x85, 0xC0, 0x74, 0x08}
	ctx, buf, _ := newTestContext(t, testImageOpts{code: code})
	before := append([]byte{}, buf...)

	cfg := &Config{
		Patches: []PatchEntry{{
			Identifier: KernelIdentifier,
			Comment:    "branch conversion",
			Find:       []byte{0x48, 0x85, 0xC0, 0x74},
			Replace:    []byte{0x48, 0x85, 0xC0, 0xEB},
			Count:      1,
			Enabled:    true,
		}},
	}
	cfg.Quirks.SetApfsTrimTimeout = -1

	if _, err := ProcessPrelinked(ctx, cfg, nil, false); err != nil {
		t.Fatalf("ProcessPrelinked() error = %v", err)
	}

	changed := 0
	for i := range buf {
		if buf[i] != before[i] {
			changed++
			if i != 0x403 {
				t.Errorf("unexpected change at %#x", i)
			}
		}
	}
	if changed != 1 || buf[0x403] != 0xEB {
		t.Errorf("changed %d bytes, buf[0x403] = %#x", changed, buf[0x403])
	}
}

func TestProcessPrelinkedVersionGatedPatch(t *testing.T) {
	ctx, buf, _ := newTestContext(t, testImageOpts{}) // 19.6.0 image
	before := append([]byte{}, buf...)

	cfg := &Config{
		Patches: []PatchEntry{{
			Identifier: KernelIdentifier,
			Comment:    "only for darwin 20",
			Find:       []byte{0x00},
			Replace:    []byte{0xFF},
			MinKernel:  "20.0.0",
			MaxKernel:  "20.99.99",
			Enabled:    true,
		}},
	}
	cfg.Quirks.SetApfsTrimTimeout = -1

	if _, err := ProcessPrelinked(ctx, cfg, nil, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, before) {
		t.Error("version-gated patch changed the image")
	}
}

func TestProcessPrelinkedInjectsPlistOnlyKext(t *testing.T) {
	ctx, _, _ := newTestContext(t, testImageOpts{slack: PrelinkInfoReserveSize})

	cfg := &Config{
		Adds: []AddEntry{{
			BundlePath: "/Library/Extensions/Injected.kext",
			PlistData:  []byte(testInjectPlist),
			Enabled:    true,
		}},
	}
	cfg.Quirks.SetApfsTrimTimeout = -1

	results, err := ProcessPrelinked(ctx, cfg, nil, false)
	if err != nil {
		t.Fatalf("ProcessPrelinked() error = %v", err)
	}
	if len(results) != 1 || results[0].State != KextRegistered {
		t.Fatalf("results = %+v, want one registered", results)
	}
	if ctx.KextCount() != 2 {
		t.Errorf("KextCount() = %d, want 2", ctx.KextCount())
	}
}

func TestProcessPrelinkedSkipsExecutableKext(t *testing.T) {
	ctx, _, _ := newTestContext(t, testImageOpts{slack: PrelinkInfoReserveSize})

	cfg := &Config{
		Adds: []AddEntry{{
			BundlePath:     "/Library/Extensions/Injected.kext",
			PlistData:      []byte(testInjectPlist),
			ExecutablePath: "Contents/MacOS/Injected",
			ExecutableData: buildMiniKext(0, []byte{0xC3}),
			Enabled:        true,
		}},
	}
	cfg.Quirks.SetApfsTrimTimeout = -1

	results, err := ProcessPrelinked(ctx, cfg, nil, false)
	if err != nil {
		t.Fatalf("ProcessPrelinked() error = %v", err)
	}
	if len(results) != 1 || results[0].State != KextSkipped {
		t.Fatalf("results = %+v, want one skipped", results)
	}
	if ctx.KextCount() != 1 {
		t.Errorf("KextCount() = %d, want 1", ctx.KextCount())
	}
}

func TestInjectKextsGating(t *testing.T) {
	ctx, _, _ := newTestContext(t, testImageOpts{slack: PrelinkInfoReserveSize})
	if err := ctx.InjectPrepare(); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Adds: []AddEntry{
			{
				BundlePath: "/L/E/WrongArch.kext",
				PlistData:  []byte(testInjectPlist),
				Arch:       "i386",
				Enabled:    true,
			},
			{
				BundlePath: "/L/E/WrongVersion.kext",
				PlistData:  []byte(testInjectPlist),
				MinKernel:  "20.0.0",
				Enabled:    true,
			},
			{
				BundlePath: "/L/E/Disabled.kext",
				PlistData:  []byte(testInjectPlist),
			},
			{
				BundlePath: "/L/E/Good.kext",
				PlistData:  []byte(testInjectPlist),
				Enabled:    true,
			},
		},
	}

	results := InjectKexts(cfg, ctx, 190600, false)
	if len(results) != 3 {
		t.Fatalf("results = %+v, want 3 entries", results)
	}
	if results[0].State != KextSkipped || results[1].State != KextSkipped {
		t.Errorf("gated kexts not skipped: %+v", results[:2])
	}
	if results[2].State != KextRegistered || results[2].BundlePath != "/L/E/Good.kext" {
		t.Errorf("declaration order not honored: %+v", results[2])
	}
}

func TestReserveSizeForConfig(t *testing.T) {
	cfg := &Config{
		Adds: []AddEntry{
			{PlistData: make([]byte, 100), Enabled: true},
			{PlistData: make([]byte, 100), ExecutableData: make([]byte, 0x2000), Enabled: true},
			{PlistData: make([]byte, 1<<20)}, // disabled
		},
	}
	reserved, err := ReserveSizeForConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := uint32(0x1000+0x1000+0x2000) + PrelinkInfoReserveSize
	if reserved != want {
		t.Errorf("ReserveSizeForConfig() = %#x, want %#x", reserved, want)
	}

	empty, err := ReserveSizeForConfig(&Config{})
	if err != nil {
		t.Fatal(err)
	}
	if empty != 0 {
		t.Errorf("ReserveSizeForConfig(empty) = %#x, want 0", empty)
	}
}

func TestSkipsArch(t *testing.T) {
	tests := []struct {
		arch string
		is32 bool
		want bool
	}{
		{"", false, false},
		{"", true, false},
		{"x86_64", false, false},
		{"x86_64", true, true},
		{"i386", false, true},
		{"i386", true, false},
	}
	for _, tt := range tests {
		if got := skipsArch(tt.arch, tt.is32); got != tt.want {
			t.Errorf("skipsArch(%q, %v) = %v, want %v", tt.arch, tt.is32, got, tt.want)
		}
	}
}
