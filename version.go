package xnukit

import (
	"bytes"

	"github.com/appsworld/go-xnukit/macho"
)

// Darwin kernel versions are packed as major*10000 + minor*100 + patch,
// each component limited to two decimal digits. Version 0 means "could
// not be determined" and matches only unbounded patch ranges.

const (
	darwinVersionSymbol = "_version"
	darwinVersionPrefix = "Darwin Kernel Version "
)

// ParseDarwinVersion packs a "major.minor.patch" string. Missing
// trailing components are zero. Malformed input yields 0.
func ParseDarwinVersion(s string) uint32 {
	var version uint32

	mult := uint32(10000)
	i := 0
	for part := 0; part < 3; part++ {
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return 0
		}
		var comp uint32
		digits := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if digits == 2 {
				return 0
			}
			comp = comp*10 + uint32(s[i]-'0')
			digits++
			i++
		}
		version += comp * mult
		mult /= 100

		if i >= len(s) {
			break
		}
		if s[i] != '.' {
			return 0
		}
		i++
	}
	if i < len(s) {
		return 0
	}

	return version
}

// MatchDarwinVersion reports whether version lies within [min, max],
// where 0 means unbounded. An undetected version (0) matches only a
// fully unbounded range.
func MatchDarwinVersion(version, min, max uint32) bool {
	if version == 0 {
		return min == 0 && max == 0
	}
	if min != 0 && version < min {
		return false
	}
	if max != 0 && version > max {
		return false
	}
	return true
}

// DetectDarwinVersion extracts the Darwin version from a kernel image:
// first through the version symbol, then by scanning the constant data
// for the version banner. It returns 0 when no version can be read.
func DetectDarwinVersion(f *macho.File) uint32 {
	if off, err := f.SymbolOffset(darwinVersionSymbol); err == nil {
		if v := parseVersionBanner(f.Buf()[off:clampEnd(off+256, f.PayloadSize())]); v != 0 {
			return v
		}
	}

	// Stripped symbol tables leave the banner in __TEXT.__const.
	var scan []byte
	if sec := f.Section("__TEXT", "__const"); sec != nil {
		if data, err := f.SectionData(sec); err == nil {
			scan = data
		}
	}
	if scan == nil {
		scan = f.Buf()[:f.PayloadSize()]
	}
	if idx := bytes.Index(scan, []byte(darwinVersionPrefix)); idx >= 0 {
		if v := parseVersionBanner(scan[idx:clampEnd(uint64(idx)+256, uint32(len(scan)))]); v != 0 {
			return v
		}
	}

	log.Warn("kernel version could not be detected")
	return 0
}

func clampEnd(end uint64, limit uint32) uint64 {
	if end > uint64(limit) {
		return uint64(limit)
	}
	return end
}

// parseVersionBanner reads the numeric version out of a
// "Darwin Kernel Version 19.6.0: ..." banner.
func parseVersionBanner(b []byte) uint32 {
	if !bytes.HasPrefix(b, []byte(darwinVersionPrefix)) {
		return 0
	}
	b = b[len(darwinVersionPrefix):]
	end := 0
	for end < len(b) && (b[end] == '.' || (b[end] >= '0' && b[end] <= '9')) {
		end++
	}
	return ParseDarwinVersion(string(b[:end]))
}
