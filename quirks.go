package xnukit

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Built-in quirks are prepackaged generic patches keyed by name. Each
// quirk owns its target (the kernel or a kext bundle identifier) and
// its default Darwin version range.

// Quirk names accepted by ApplyQuirk.
const (
	QuirkAppleCpuPmCfgLock       = "AppleCpuPmCfgLock"
	QuirkAppleXcpmCfgLock        = "AppleXcpmCfgLock"
	QuirkCustomSmbiosGuid        = "CustomSmbiosGuid"
	QuirkDisableIoMapper         = "DisableIoMapper"
	QuirkDisableLinkeditJettison = "DisableLinkeditJettison"
	QuirkDisableRtcChecksum      = "DisableRtcChecksum"
	QuirkDummyPowerManagement    = "DummyPowerManagement"
	QuirkExtendBTFeatureFlags    = "ExtendBTFeatureFlags"
	QuirkForceSecureBootScheme   = "ForceSecureBootScheme"
	QuirkIncreasePciBarSize      = "IncreasePciBarSize"
	QuirkLapicKernelPanic        = "LapicKernelPanic"
	QuirkLegacyCommpage          = "LegacyCommpage"
	QuirkPanicNoKextDump         = "PanicNoKextDump"
	QuirkPowerTimeoutKernelPanic = "PowerTimeoutKernelPanic"
	QuirkProvideCurrentCpuInfo   = "ProvideCurrentCpuInfo"
	QuirkSetApfsTrimTimeout      = "SetApfsTrimTimeout"
	QuirkThirdPartyDrives        = "ThirdPartyDrives"
	QuirkXhciPortLimit           = "XhciPortLimit"
)

// Well-known kext bundle identifiers targeted by quirks.
const (
	kextCpuPm         = "com.apple.driver.AppleIntelCPUPowerManagement"
	kextSmbios        = "com.apple.driver.AppleSMBIOS"
	kextRtc           = "com.apple.driver.AppleRTC"
	kextBluetooth     = "com.apple.iokit.IOBluetoothFamily"
	kextImage4        = "com.apple.security.AppleImage4"
	kextPciFamily     = "com.apple.iokit.IOPCIFamily"
	kextAhciStorage   = "com.apple.iokit.IOAHCIBlockStorage"
	kextApfs          = "com.apple.filesystems.apfs"
	kextUsbHostFamily = "com.apple.iokit.IOUSBHostFamily"
	kextUsbXhci       = "com.apple.driver.usb.AppleUSBXHCI"
	kextUsbXhciPci    = "com.apple.driver.usb.AppleUSBXHCIPCI"
)

type builtinQuirk struct {
	target    string
	minKernel uint32
	maxKernel uint32
	patches   []GenericPatch
}

// QuirkContext bundles the state a quirk application needs. Quirks
// targeting the kernel go through KernelPatcher; quirks targeting a
// kext are resolved through Prelinked.
type QuirkContext struct {
	Prelinked     *PrelinkedContext
	KernelPatcher *PatcherContext
	DarwinVersion uint32
	Cpu           *CpuInfo
	// ApfsTrimTimeout is the microsecond value SetApfsTrimTimeout
	// writes; values outside [0, 2^31) are clamped to 0.
	ApfsTrimTimeout int64
}

var builtinQuirks = map[string]builtinQuirk{
	QuirkAppleCpuPmCfgLock: {
		target: kextCpuPm,
		patches: []GenericPatch{{
			Comment: "CpuPm MSR 0xE2 write lock",
			// mov ecx, 0xE2 ; wrmsr
			Find:    []byte{0xB9, 0xE2, 0x00, 0x00, 0x00, 0x0F, 0x30},
			Replace: []byte{0xB9, 0xE2, 0x00, 0x00, 0x00, 0x90, 0x90},
		}},
	},
	QuirkAppleXcpmCfgLock: {
		target:    KernelIdentifier,
		minKernel: 130000, // 10.9 introduced XCPM
		patches: []GenericPatch{{
			Comment: "xcpm MSR 0xE2 write lock",
			Base:    "_xcpm_core_scope_msrs",
			// wrmsr -> nop nop
			Find:    []byte{0x0F, 0x30},
			Replace: []byte{0x90, 0x90},
			Limit:   0x200,
		}},
	},
	QuirkCustomSmbiosGuid: {
		target: kextSmbios,
		patches: []GenericPatch{{
			Comment: "SMBIOS anchor GUID",
			Find:    []byte("EB9D2D31"),
			Replace: []byte("EB9D2D35"),
			Count:   1,
		}},
	},
	QuirkDisableIoMapper: {
		target:    KernelIdentifier,
		minKernel: 120000,
		patches: []GenericPatch{{
			Comment: "IOMapper DMAR gate",
			Base:    "__ZN8AppleVTD5startEP9IOService",
			// xor eax, eax ; ret at function entry
			Replace: []byte{0x31, 0xC0, 0xC3},
		}},
	},
	QuirkDisableLinkeditJettison: {
		target:    KernelIdentifier,
		minKernel: 190000,
		patches: []GenericPatch{{
			Comment: "keep __LINKEDIT resident",
			Base:    "_jettison_kernel_linkedit",
			// ret immediately, the segment stays mapped
			Replace: []byte{0xC3},
		}},
	},
	QuirkDisableRtcChecksum: {
		target: kextRtc,
		patches: []GenericPatch{{
			Comment: "RTC checksum writes",
			// cmp reg, 0x58 / 0x59 window guard before checksum store
			Find:    []byte{0x75, 0x00, 0x83, 0xF8, 0x58},
			Replace: []byte{0xEB, 0x00, 0x83, 0xF8, 0x58},
			Mask:    []byte{0xFF, 0x00, 0xFF, 0xFF, 0xFF},
			ReplaceMask: []byte{
				0xFF, 0x00, 0x00, 0x00, 0x00,
			},
			Count: 2,
		}},
	},
	QuirkDummyPowerManagement: {
		target: kextCpuPm,
		patches: []GenericPatch{{
			Comment: "disable PM init",
			Base:    "__ZN28AppleIntelCPUPowerManagement5startEP9IOService",
			// xor eax, eax ; ret
			Replace: []byte{0x31, 0xC0, 0xC3},
		}},
	},
	QuirkExtendBTFeatureFlags: {
		target: kextBluetooth,
		patches: []GenericPatch{{
			Comment: "continuity feature flags",
			// or byte with 0x0F instead of 0x07
			Find:    []byte{0x83, 0xC8, 0x07},
			Replace: []byte{0x83, 0xC8, 0x0F},
			Count:   1,
		}},
	},
	QuirkForceSecureBootScheme: {
		target:    kextImage4,
		minKernel: 200000,
		patches: []GenericPatch{{
			Comment: "x86 secure boot scheme",
			Find:    []byte{0x83, 0xF8, 0x02, 0x74},
			Replace: []byte{0x83, 0xF8, 0x01, 0x74},
			Count:   1,
		}},
	},
	QuirkIncreasePciBarSize: {
		target: kextPciFamily,
		patches: []GenericPatch{{
			Comment: "1 GiB BAR limit",
			// cmp against 0x40000000 -> 0x80000000
			Find:    []byte{0x00, 0x00, 0x00, 0x40},
			Replace: []byte{0x00, 0x00, 0x00, 0x80},
			Count:   1,
			Limit:   0x100000,
		}},
	},
	QuirkLapicKernelPanic: {
		target: KernelIdentifier,
		patches: []GenericPatch{{
			Comment: "LAPIC interrupt cpu check",
			Base:    "_lapic_interrupt",
			// jne panic -> unconditional skip
			Find:        []byte{0x75, 0x00, 0xE8},
			Replace:     []byte{0xEB, 0x00, 0xE8},
			Mask:        []byte{0xFF, 0x00, 0xFF},
			ReplaceMask: []byte{0xFF, 0x00, 0x00},
			Count:       1,
			Limit:       0x200,
		}},
	},
	QuirkLegacyCommpage: {
		target: KernelIdentifier,
		patches: []GenericPatch{{
			Comment:     "64-bit commpage bcopy requirement",
			Base:        "_commpage_populate",
			Find:        []byte{0xF6, 0x00, 0x01, 0x75},
			Replace:     []byte{0xF6, 0x00, 0x01, 0xEB},
			Mask:        []byte{0xFF, 0x00, 0xFF, 0xFF},
			ReplaceMask: []byte{0x00, 0x00, 0x00, 0xFF},
			Count:       1,
			Limit:       0x400,
		}},
	},
	QuirkPanicNoKextDump: {
		target:    KernelIdentifier,
		minKernel: 130000,
		patches: []GenericPatch{{
			Comment: "panic kext dump",
			Base:    "_kext_dump_panic_lists",
			// ret before any log output
			Replace: []byte{0xC3},
		}},
	},
	QuirkPowerTimeoutKernelPanic: {
		target:    KernelIdentifier,
		minKernel: 190000,
		patches: []GenericPatch{{
			Comment:     "setpowerstate panic",
			Base:        "__ZN9IOService22ackTimerExpiredMethodEv",
			Find:        []byte{0x75, 0x00, 0xE8},
			Replace:     []byte{0xEB, 0x00, 0xE8},
			Mask:        []byte{0xFF, 0x00, 0xFF},
			ReplaceMask: []byte{0xFF, 0x00, 0x00},
			Count:       1,
			Limit:       0x1000,
		}},
	},
	QuirkThirdPartyDrives: {
		target: kextAhciStorage,
		patches: []GenericPatch{{
			Comment: "external SSD features",
			Find:    []byte("APPLE SSD"),
			Replace: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			Count:   1,
		}},
	},
	QuirkXhciPortLimit: {
		target: kextUsbHostFamily,
		patches: []GenericPatch{{
			Comment: "15 port limit",
			// cmp reg, 0x0F guard
			Find:    []byte{0x83, 0xF8, 0x0F, 0x72},
			Replace: []byte{0x83, 0xF8, 0x3F, 0x72},
			Count:   1,
		}},
	},
}

// xhciPortLimitExtra covers the companion XHCI kexts the port limit
// spans; the primary patch lives in builtinQuirks.
var xhciPortLimitExtra = []builtinQuirk{
	{
		target: kextUsbXhci,
		patches: []GenericPatch{{
			Comment: "15 port limit",
			Find:    []byte{0x83, 0xFB, 0x0F, 0x72},
			Replace: []byte{0x83, 0xFB, 0x3F, 0x72},
			Count:   1,
		}},
	},
	{
		target: kextUsbXhciPci,
		patches: []GenericPatch{{
			Comment: "15 port limit",
			Find:    []byte{0x41, 0x83, 0xFC, 0x0F},
			Replace: []byte{0x41, 0x83, 0xFC, 0x3F},
			Count:   1,
		}},
	},
}

// ApplyQuirk applies one named built-in quirk. Unknown names return
// ErrUnsupported. A quirk whose version range excludes the detected
// Darwin version is skipped silently with a log line.
func ApplyQuirk(name string, qc *QuirkContext) error {
	switch name {
	case QuirkSetApfsTrimTimeout:
		return applyBuiltinQuirk(name, apfsTrimTimeoutQuirk(qc.ApfsTrimTimeout), qc)
	case QuirkProvideCurrentCpuInfo:
		return applyBuiltinQuirk(name, provideCurrentCpuInfoQuirk(qc.Cpu), qc)
	case QuirkXhciPortLimit:
		if err := applyBuiltinQuirk(name, builtinQuirks[name], qc); err != nil {
			return err
		}
		for _, q := range xhciPortLimitExtra {
			if err := applyBuiltinQuirk(name, q, qc); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return nil
	}

	q, ok := builtinQuirks[name]
	if !ok {
		return errors.Wrapf(ErrUnsupported, "unknown quirk %s", name)
	}
	return applyBuiltinQuirk(name, q, qc)
}

func applyBuiltinQuirk(name string, q builtinQuirk, qc *QuirkContext) error {
	if !MatchDarwinVersion(qc.DarwinVersion, q.minKernel, q.maxKernel) {
		log.WithFields(logrus.Fields{
			"quirk":   name,
			"version": qc.DarwinVersion,
			"min":     q.minKernel,
			"max":     q.maxKernel,
		}).Info("quirk skipped due to version")
		return nil
	}

	patcher := qc.KernelPatcher
	if q.target != KernelIdentifier {
		if qc.Prelinked == nil {
			return errors.Wrapf(ErrInvalidParam, "quirk %s needs a prelinked context", name)
		}
		var err error
		patcher, err = PatcherFromPrelinked(qc.Prelinked, q.target)
		if err != nil {
			return err
		}
	} else if patcher == nil {
		return errors.Wrapf(ErrInvalidParam, "quirk %s needs a kernel patcher", name)
	}

	for i := range q.patches {
		if err := patcher.Apply(&q.patches[i]); err != nil {
			return errors.Wrapf(err, "quirk %s", name)
		}
	}
	return nil
}

// apfsTrimTimeoutQuirk builds the APFS trim timeout patch for one
// value; the default timeout constant in the driver is rewritten with
// the clamped caller value.
func apfsTrimTimeoutQuirk(timeout int64) builtinQuirk {
	if timeout < 0 || timeout >= 1<<31 {
		timeout = 0
	}
	replace := make([]byte, 4)
	binary.LittleEndian.PutUint32(replace, uint32(timeout))

	return builtinQuirk{
		target:    kextApfs,
		minKernel: 190000,
		patches: []GenericPatch{{
			Comment: "trim timeout",
			// 9.999999 second default timeout constant
			Find:    []byte{0x7F, 0x96, 0x98, 0x00},
			Replace: replace,
			Count:   1,
		}},
	}
}

// provideCurrentCpuInfoQuirk builds the kernel patches that hand the
// booted kernel the host's real CPUID leaf-1 signature.
func provideCurrentCpuInfoQuirk(cpu *CpuInfo) builtinQuirk {
	var eax [4]byte
	if cpu != nil {
		binary.LittleEndian.PutUint32(eax[:], cpu.Cpuid1EAX)
	}

	return builtinQuirk{
		target: KernelIdentifier,
		patches: []GenericPatch{{
			Comment: "cpuid family stamp",
			Base:    "_cpuid_set_generic_info",
			// mov eax, imm32 stamped with the host signature
			Replace: append([]byte{0xB8}, eax[:]...),
		}},
	}
}
