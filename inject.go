package xnukit

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PrelinkInfoReserveSize is the failsafe slack reserved for the
// rewritten info section on top of per-kext reserves.
const PrelinkInfoReserveSize = 5 * 1024 * 1024

// KextState is the state of one kext injection request.
type KextState int

const (
	KextPending KextState = iota
	KextReserved
	KextExecAppended
	KextLinked
	KextRegistered
	KextSkipped
)

func (s KextState) String() string {
	switch s {
	case KextPending:
		return "pending"
	case KextReserved:
		return "reserved"
	case KextExecAppended:
		return "exec-appended"
	case KextLinked:
		return "linked"
	case KextRegistered:
		return "registered"
	case KextSkipped:
		return "skipped"
	}
	return "unknown"
}

// A KextResult records the terminal state of one injection request.
type KextResult struct {
	BundlePath string
	State      KextState
	Err        error
}

// ReserveSizeForConfig sums the injection slack the configuration
// needs, including the failsafe info-section reserve. Callers allocate
// the image with at least this much spare capacity before reading it.
func ReserveSizeForConfig(cfg *Config) (uint32, error) {
	reserved := uint32(0)
	needInfo := len(cfg.Blocks) > 0
	for i := range cfg.Adds {
		add := &cfg.Adds[i]
		if !add.Enabled {
			continue
		}
		needInfo = true
		if err := ReserveKextSize(&reserved, uint32(len(add.PlistData)), uint32(len(add.ExecutableData))); err != nil {
			return 0, err
		}
	}
	if needInfo {
		if uint64(reserved)+PrelinkInfoReserveSize > uint64(^uint32(0)) {
			return 0, errors.Wrap(ErrInvalidParam, "reserve overflows")
		}
		reserved += PrelinkInfoReserveSize
	}
	return reserved, nil
}

// skipsArch reports whether an entry tagged arch must be skipped on the
// current image architecture. The empty tag matches both.
func skipsArch(arch string, is32 bool) bool {
	if is32 {
		return arch == "x86_64"
	}
	return arch == "i386"
}

// ApplyUserPatches runs the configuration's ordered patch list against
// either the kernel (identifier "kernel") or the in-context kexts.
// Misconfigured, gated and unmatched patches are logged and skipped;
// the pass itself never fails.
func ApplyUserPatches(cfg *Config, kernelPatcher *PatcherContext, prelinked *PrelinkedContext, darwinVersion uint32, is32 bool, kernelPass bool) {
	for i := range cfg.Patches {
		user := &cfg.Patches[i]
		isKernelPatch := user.Identifier == KernelIdentifier
		if !user.Enabled || isKernelPatch != kernelPass {
			continue
		}

		entry := log.WithFields(logrus.Fields{
			"target":  user.Identifier,
			"comment": user.Comment,
			"index":   i,
		})

		if skipsArch(user.Arch, is32) {
			entry.WithField("arch", user.Arch).Info("patch skipped due to arch")
			continue
		}

		minKernel := ParseDarwinVersion(user.MinKernel)
		maxKernel := ParseDarwinVersion(user.MaxKernel)
		if !MatchDarwinVersion(darwinVersion, minKernel, maxKernel) {
			entry.WithFields(logrus.Fields{
				"min": minKernel, "version": darwinVersion, "max": maxKernel,
			}).Info("patch skipped due to version")
			continue
		}

		// Reject structurally misconfigured patches: nothing to
		// replace, pattern/replacement size mismatch without a
		// symbolic base, or mask size mismatches.
		if len(user.Replace) == 0 ||
			(user.Base == "" && len(user.Find) != len(user.Replace)) ||
			(len(user.Mask) > 0 && len(user.Find) != len(user.Mask)) ||
			(len(user.ReplaceMask) > 0 && len(user.Replace) != len(user.ReplaceMask)) {
			entry.Error("patch is misconfigured")
			continue
		}

		patch := GenericPatch{
			Comment: user.Comment,
			Base:    user.Base,
			Replace: user.Replace,
			Count:   user.Count,
			Skip:    user.Skip,
			Limit:   user.Limit,
		}
		if len(user.Find) > 0 {
			patch.Find = user.Find
		}
		if len(user.Mask) > 0 {
			patch.Mask = user.Mask
		}
		if len(user.ReplaceMask) > 0 {
			patch.ReplaceMask = user.ReplaceMask
		}

		patcher := kernelPatcher
		if !isKernelPatch {
			var err error
			patcher, err = PatcherFromPrelinked(prelinked, user.Identifier)
			if err != nil {
				entry.WithError(err).Warn("patch target unavailable")
				continue
			}
		}

		if err := patcher.Apply(&patch); err != nil {
			entry.WithError(err).Warn("patch failed")
		} else {
			entry.Info("patch applied")
		}
	}
}

// ApplyQuirks applies every toggled built-in quirk and the CPUID
// emulation. Individual quirk failures are logged and contained.
func ApplyQuirks(cfg *Config, qc *QuirkContext) {
	toggles := []struct {
		name    string
		enabled bool
	}{
		{QuirkAppleCpuPmCfgLock, cfg.Quirks.AppleCpuPmCfgLock},
		{QuirkAppleXcpmCfgLock, cfg.Quirks.AppleXcpmCfgLock},
		{QuirkCustomSmbiosGuid, cfg.Quirks.CustomSmbiosGuid},
		{QuirkDisableIoMapper, cfg.Quirks.DisableIoMapper},
		{QuirkDisableLinkeditJettison, cfg.Quirks.DisableLinkeditJettison},
		{QuirkDisableRtcChecksum, cfg.Quirks.DisableRtcChecksum},
		{QuirkExtendBTFeatureFlags, cfg.Quirks.ExtendBTFeatureFlags},
		{QuirkForceSecureBootScheme, cfg.Quirks.ForceSecureBootScheme},
		{QuirkIncreasePciBarSize, cfg.Quirks.IncreasePciBarSize},
		{QuirkLapicKernelPanic, cfg.Quirks.LapicKernelPanic},
		{QuirkLegacyCommpage, cfg.Quirks.LegacyCommpage},
		{QuirkPanicNoKextDump, cfg.Quirks.PanicNoKextDump},
		{QuirkPowerTimeoutKernelPanic, cfg.Quirks.PowerTimeoutKernelPanic},
		{QuirkProvideCurrentCpuInfo, cfg.Quirks.ProvideCurrentCpuInfo},
		{QuirkSetApfsTrimTimeout, cfg.Quirks.SetApfsTrimTimeout >= 0},
		{QuirkThirdPartyDrives, cfg.Quirks.ThirdPartyDrives},
		{QuirkXhciPortLimit, cfg.Quirks.XhciPortLimit},
	}

	for _, t := range toggles {
		if !t.enabled {
			continue
		}
		if err := ApplyQuirk(t.name, qc); err != nil {
			log.WithField("quirk", t.name).WithError(err).Warn("quirk failed")
		}
	}

	// DummyPowerManagement and CPUID emulation share the Emulate
	// version gate.
	emulateMin := ParseDarwinVersion(cfg.Emulate.MinKernel)
	emulateMax := ParseDarwinVersion(cfg.Emulate.MaxKernel)
	emulateMatches := MatchDarwinVersion(qc.DarwinVersion, emulateMin, emulateMax)

	if cfg.Quirks.DummyPowerManagement {
		if emulateMatches {
			if err := ApplyQuirk(QuirkDummyPowerManagement, qc); err != nil {
				log.WithField("quirk", QuirkDummyPowerManagement).WithError(err).Warn("quirk failed")
			}
		} else {
			log.WithField("quirk", QuirkDummyPowerManagement).Info("quirk skipped due to version")
		}
	}

	if cfg.Emulate.Cpuid1Data != ([4]uint32{}) && qc.KernelPatcher != nil {
		if emulateMatches {
			if err := PatchKernelCpuid(qc.KernelPatcher, qc.Cpu, cfg.Emulate.Cpuid1Data, cfg.Emulate.Cpuid1Mask); err != nil {
				log.WithError(err).Warn("cpuid emulation failed")
			}
		} else {
			log.Info("cpuid emulation skipped due to version")
		}
	}
}

// BlockKexts removes every enabled, matching block entry from the
// prelinked kext list. A kext that is absent is logged and skipped.
func BlockKexts(cfg *Config, prelinked *PrelinkedContext, darwinVersion uint32, is32 bool) {
	for i := range cfg.Blocks {
		block := &cfg.Blocks[i]
		if !block.Enabled {
			continue
		}

		entry := log.WithFields(logrus.Fields{
			"identifier": block.Identifier,
			"comment":    block.Comment,
			"index":      i,
		})

		if skipsArch(block.Arch, is32) {
			entry.WithField("arch", block.Arch).Info("block skipped due to arch")
			continue
		}
		if !MatchDarwinVersion(darwinVersion, ParseDarwinVersion(block.MinKernel), ParseDarwinVersion(block.MaxKernel)) {
			entry.Info("block skipped due to version")
			continue
		}

		if err := prelinked.Block(block.Identifier); err != nil {
			entry.WithError(err).Warn("block failed")
		} else {
			entry.Info("kext blocked")
		}
	}
}

// InjectKexts walks the enabled adds in declaration order, driving each
// request through the injection state machine. Failures of one kext are
// contained: the image stays consistent and the next request proceeds.
func InjectKexts(cfg *Config, prelinked *PrelinkedContext, darwinVersion uint32, is32 bool) []KextResult {
	var results []KextResult
	reserved := uint32(0)

	for i := range cfg.Adds {
		add := &cfg.Adds[i]
		if !add.Enabled {
			continue
		}

		result := KextResult{BundlePath: add.BundlePath, State: KextPending}
		entry := log.WithFields(logrus.Fields{
			"bundle":  add.BundlePath,
			"comment": add.Comment,
			"index":   i,
		})

		if skipsArch(add.Arch, is32) {
			entry.WithField("arch", add.Arch).Info("kext skipped due to arch")
			result.State = KextSkipped
			results = append(results, result)
			continue
		}
		if !MatchDarwinVersion(darwinVersion, ParseDarwinVersion(add.MinKernel), ParseDarwinVersion(add.MaxKernel)) {
			entry.Info("kext skipped due to version")
			result.State = KextSkipped
			results = append(results, result)
			continue
		}

		if err := ReserveKextSize(&reserved, uint32(len(add.PlistData)), uint32(len(add.ExecutableData))); err != nil {
			entry.WithError(err).Warn("kext reserve failed")
			result.State = KextSkipped
			result.Err = err
			results = append(results, result)
			continue
		}
		result.State = KextReserved

		err := prelinked.InjectKext(add.BundlePath, add.PlistData, add.ExecutablePath, add.ExecutableData)
		if err != nil {
			entry.WithError(err).Warn("kext injection failed")
			result.State = KextSkipped
			result.Err = err
			results = append(results, result)
			continue
		}

		result.State = KextRegistered
		results = append(results, result)
	}

	return results
}

// ProcessPrelinked is the full prelinked boot flow: detect the kernel
// version, apply kernel patches, block kexts, inject the configured
// kexts, apply kext patches, apply the quirks and CPUID emulation, and
// finalize the info section.
// Per-patch and per-kext failures are contained; structural and
// capacity failures abort.
func ProcessPrelinked(prelinked *PrelinkedContext, cfg *Config, cpu *CpuInfo, is32 bool) ([]KextResult, error) {
	kernelPatcher := &PatcherContext{machO: prelinked.machO, buf: prelinked.buf[:prelinked.payloadSize]}

	darwinVersion := DetectDarwinVersion(prelinked.machO)
	log.WithField("version", darwinVersion).Info("processing prelinked kernel")

	ApplyUserPatches(cfg, kernelPatcher, prelinked, darwinVersion, is32, true)

	needPrepare := false
	for i := range cfg.Adds {
		if cfg.Adds[i].Enabled {
			needPrepare = true
		}
	}
	for i := range cfg.Blocks {
		if cfg.Blocks[i].Enabled {
			needPrepare = true
		}
	}

	var results []KextResult
	if needPrepare {
		if err := prelinked.InjectPrepare(); err != nil {
			return nil, err
		}
		BlockKexts(cfg, prelinked, darwinVersion, is32)
		results = InjectKexts(cfg, prelinked, darwinVersion, is32)
	}

	ApplyUserPatches(cfg, kernelPatcher, prelinked, darwinVersion, is32, false)

	ApplyQuirks(cfg, &QuirkContext{
		Prelinked:       prelinked,
		KernelPatcher:   kernelPatcher,
		DarwinVersion:   darwinVersion,
		Cpu:             cpu,
		ApfsTrimTimeout: cfg.Quirks.SetApfsTrimTimeout,
	})

	if err := prelinked.InjectComplete(); err != nil {
		return results, err
	}

	return results, nil
}
