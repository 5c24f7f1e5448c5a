package xnukit

import (
	"bytes"
	"errors"
	"testing"
)

func TestApplyQuirkUnknown(t *testing.T) {
	if err := ApplyQuirk("NoSuchQuirk", &QuirkContext{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ApplyQuirk(unknown) error = %v, want ErrUnsupported", err)
	}
}

func TestApplyQuirkKernelTarget(t *testing.T) {
	// The xcpm quirk anchors at its symbol and rewrites wrmsr.
	code := []byte{0x89, 0xC8, 0x0F, 0x30, 0xC3}
	buf, payload := buildPrelinked(testImageOpts{
		code:    code,
		symbols: map[string]uint64{"_xcpm_core_scope_msrs": testVBase + 0x400},
	})
	p := kernelPatcherOver(t, buf, payload)

	err := ApplyQuirk(QuirkAppleXcpmCfgLock, &QuirkContext{
		KernelPatcher: p,
		DarwinVersion: 190600,
	})
	if err != nil {
		t.Fatalf("ApplyQuirk() error = %v", err)
	}
	if buf[0x402] != 0x90 || buf[0x403] != 0x90 {
		t.Errorf("wrmsr not rewritten: % x", buf[0x400:0x405])
	}
}

func TestApplyQuirkVersionGate(t *testing.T) {
	buf, payload := buildPrelinked(testImageOpts{})
	before := append([]byte{}, buf...)
	p := kernelPatcherOver(t, buf, payload)

	// DisableLinkeditJettison requires Darwin 19; a 18.x version
	// skips it without touching the image and without error.
	err := ApplyQuirk(QuirkDisableLinkeditJettison, &QuirkContext{
		KernelPatcher: p,
		DarwinVersion: 180000,
	})
	if err != nil {
		t.Fatalf("ApplyQuirk() error = %v", err)
	}
	if !bytes.Equal(buf, before) {
		t.Error("gated quirk changed the image")
	}
}

func TestApplyQuirkKextTarget(t *testing.T) {
	// CustomSmbiosGuid rewrites the anchor GUID prefix inside the
	// SMBIOS driver; the test image's embedded kext stands in for it.
	kextCode := []byte("....EB9D2D31....")
	buf, payload := buildPrelinked(testImageOpts{
		kextCode: kextCode,
		infoPlist: bytes.Replace(defaultInfoPlist(),
			[]byte(testKextID), []byte(kextSmbios), 1),
	})
	ctx, err := NewPrelinkedContext(buf, payload, uint32(len(buf)))
	if err != nil {
		t.Fatal(err)
	}

	err = ApplyQuirk(QuirkCustomSmbiosGuid, &QuirkContext{
		Prelinked:     ctx,
		DarwinVersion: 190600,
	})
	if err != nil {
		t.Fatalf("ApplyQuirk() error = %v", err)
	}
	if !bytes.Contains(buf[0x1200:0x1300], []byte("EB9D2D35")) {
		t.Error("anchor GUID not rewritten")
	}
}

func TestApplyQuirkKextAbsent(t *testing.T) {
	ctx, _, _ := newTestContext(t, testImageOpts{})
	err := ApplyQuirk(QuirkCustomSmbiosGuid, &QuirkContext{
		Prelinked:     ctx,
		DarwinVersion: 190600,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ApplyQuirk() error = %v, want ErrNotFound", err)
	}
}

func TestApfsTrimTimeoutClamp(t *testing.T) {
	q := apfsTrimTimeoutQuirk(1 << 31)
	if !bytes.Equal(q.patches[0].Replace, []byte{0, 0, 0, 0}) {
		t.Errorf("out-of-range timeout not clamped: % x", q.patches[0].Replace)
	}

	q = apfsTrimTimeoutQuirk(999)
	if !bytes.Equal(q.patches[0].Replace, []byte{0xE7, 0x03, 0, 0}) {
		t.Errorf("timeout not encoded: % x", q.patches[0].Replace)
	}
}

func TestAllQuirkNamesResolve(t *testing.T) {
	names := []string{
		QuirkAppleCpuPmCfgLock, QuirkAppleXcpmCfgLock, QuirkCustomSmbiosGuid,
		QuirkDisableIoMapper, QuirkDisableLinkeditJettison, QuirkDisableRtcChecksum,
		QuirkDummyPowerManagement, QuirkExtendBTFeatureFlags, QuirkForceSecureBootScheme,
		QuirkIncreasePciBarSize, QuirkLapicKernelPanic, QuirkLegacyCommpage,
		QuirkPanicNoKextDump, QuirkPowerTimeoutKernelPanic, QuirkProvideCurrentCpuInfo,
		QuirkSetApfsTrimTimeout, QuirkThirdPartyDrives, QuirkXhciPortLimit,
	}
	for _, name := range names {
		err := ApplyQuirk(name, &QuirkContext{DarwinVersion: 1})
		if errors.Is(err, ErrUnsupported) {
			t.Errorf("quirk %s is unknown", name)
		}
	}
}
