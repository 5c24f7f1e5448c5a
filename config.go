package xnukit

// Semantic configuration consumed by the patching and injection passes.
// The values arrive already parsed; no file format is assumed here.

// KernelIdentifier is the patch identifier addressing the kernel
// itself rather than a kext.
const KernelIdentifier = "kernel"

// A PatchEntry describes one ordered find/replace byte patch.
type PatchEntry struct {
	// Identifier is "kernel" for kernel patches, otherwise a kext
	// bundle identifier.
	Identifier string
	Comment    string
	// Arch restricts the patch to "i386" or "x86_64"; empty matches both.
	Arch string
	// Base is an optional symbol name the patch anchors to.
	Base string
	// Find is the pattern to search for; empty writes Replace at Base.
	Find []byte
	// Replace is written over each accepted match.
	Replace []byte
	// Mask filters the comparison; empty means all bits participate.
	Mask []byte
	// ReplaceMask filters the write; empty means all bits are written.
	ReplaceMask []byte
	// MinKernel and MaxKernel bound the Darwin version, "" = unbounded.
	MinKernel string
	MaxKernel string
	// Count limits the number of rewrites, 0 = all matches.
	Count uint32
	// Skip drops that many initial matches before rewriting.
	Skip uint32
	// Limit bounds the searched byte range, 0 = whole image or kext.
	Limit   uint32
	Enabled bool
}

// A BlockEntry names a kext to remove from the prelinked image.
type BlockEntry struct {
	Identifier string
	Comment    string
	Arch       string
	MinKernel  string
	MaxKernel  string
	Enabled    bool
}

// An AddEntry describes one kext injection request. The plist and
// executable bytes are owned by the configuration layer and borrowed
// for the duration of the boot.
type AddEntry struct {
	BundlePath     string
	Comment        string
	PlistPath      string
	PlistData      []byte
	ExecutablePath string
	ExecutableData []byte
	Arch           string
	MinKernel      string
	MaxKernel      string
	Enabled        bool
}

// Quirks toggles the built-in named patches.
type Quirks struct {
	AppleCpuPmCfgLock       bool
	AppleXcpmCfgLock        bool
	CustomSmbiosGuid        bool
	DisableIoMapper         bool
	DisableLinkeditJettison bool
	DisableRtcChecksum      bool
	DummyPowerManagement    bool
	ExtendBTFeatureFlags    bool
	ForceSecureBootScheme   bool
	IncreasePciBarSize      bool
	LapicKernelPanic        bool
	LegacyCommpage          bool
	PanicNoKextDump         bool
	PowerTimeoutKernelPanic bool
	ProvideCurrentCpuInfo   bool
	// SetApfsTrimTimeout is a timeout in microseconds; negative
	// disables the quirk, values outside [0, 2^31) are clamped to 0.
	SetApfsTrimTimeout int64
	ThirdPartyDrives   bool
	XhciPortLimit      bool
}

// Emulate describes CPUID leaf-1 emulation.
type Emulate struct {
	Cpuid1Data [4]uint32
	Cpuid1Mask [4]uint32
	MinKernel  string
	MaxKernel  string
}

// CpuInfo carries the host's real CPUID leaf-1 registers; bits not
// selected by the emulation mask are taken from here.
type CpuInfo struct {
	Cpuid1EAX uint32
	Cpuid1EBX uint32
	Cpuid1ECX uint32
	Cpuid1EDX uint32
}

// Config is the kernel-space slice of the configuration tree.
type Config struct {
	Patches []PatchEntry
	Blocks  []BlockEntry
	Adds    []AddEntry
	Quirks  Quirks
	Emulate Emulate
}
