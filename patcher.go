package xnukit

import (
	"github.com/pkg/errors"

	"github.com/appsworld/go-xnukit/macho"
)

// A PatcherContext applies byte patches to one Mach-O image: either the
// kernel itself or a single kext located inside the prelinked image.
type PatcherContext struct {
	machO *macho.File
	// buf is the patchable byte range; for a kext it is the kext's
	// slice of the prelinked buffer.
	buf []byte
}

// A GenericPatch is one find/replace rewrite. It is immutable for the
// duration of a patch pass.
type GenericPatch struct {
	// Comment annotates log lines.
	Comment string
	// Base anchors the patch at a symbol; empty searches from 0.
	Base string
	// Find is the pattern; nil writes Replace at Base directly.
	Find []byte
	// Replace is written over each accepted match; its length is the
	// patch size.
	Replace []byte
	// Mask filters the comparison, all-ones when nil.
	Mask []byte
	// ReplaceMask filters the write, all-ones when nil.
	ReplaceMask []byte
	// Count bounds the number of rewrites, 0 = all matches.
	Count uint32
	// Skip drops that many initial matches.
	Skip uint32
	// Limit bounds the searched range in bytes, 0 = whole range.
	Limit uint32
}

// PatcherFromBuffer prepares a patcher over a kernel buffer.
func PatcherFromBuffer(buf []byte, size uint32) (*PatcherContext, error) {
	m, err := macho.NewBuffer(buf, size)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "patch target does not parse: %v", err)
	}
	return &PatcherContext{machO: m, buf: buf[:size]}, nil
}

// PatcherFromPrelinked prepares a patcher over one kext inside the
// prelinked image, located through its kext list record.
func PatcherFromPrelinked(c *PrelinkedContext, identifier string) (*PatcherContext, error) {
	i := c.info.findByID(identifier)
	if i < 0 {
		return nil, errors.Wrapf(ErrNotFound, "kext %s is not in the prelinked image", identifier)
	}
	bundle := c.info.entries[i].bundle
	if bundle.ExecutableSourceAddr == 0 || bundle.ExecutableSize == 0 {
		return nil, errors.Wrapf(ErrNotFound, "kext %s has no executable", identifier)
	}

	off, err := c.machO.GetOffset(bundle.ExecutableSourceAddr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "kext %s source address unmapped: %v", identifier, err)
	}
	end := off + bundle.ExecutableSize
	if end < off || end > uint64(c.payloadSize) {
		return nil, errors.Wrapf(ErrInvalidImage, "kext %s extends past the payload", identifier)
	}

	sub := c.buf[off:end]
	m, err := macho.NewBuffer(sub, uint32(bundle.ExecutableSize))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "kext %s does not parse: %v", identifier, err)
	}
	return &PatcherContext{machO: m, buf: sub}, nil
}

// SymbolOffset resolves a symbol to a file offset within the patch
// range.
func (p *PatcherContext) SymbolOffset(name string) (uint64, error) {
	off, err := p.machO.SymbolOffset(name)
	if err != nil {
		return 0, errors.Wrapf(ErrNotFound, "symbol %s", name)
	}
	return off, nil
}

// DarwinVersion extracts the Darwin version from the patch target.
func (p *PatcherContext) DarwinVersion() uint32 {
	return DetectDarwinVersion(p.machO)
}

// Apply performs one generic patch. Matching compares through the find
// mask, writing merges through the replace mask, and skip/count/limit
// bound the pass. A patch that rewrites nothing returns ErrNotFound and
// leaves the image untouched.
func (p *PatcherContext) Apply(patch *GenericPatch) error {
	size := len(patch.Replace)
	if size == 0 {
		return errors.Wrap(ErrInvalidParam, "patch has nothing to replace")
	}
	if patch.Find != nil && len(patch.Find) != size {
		return errors.Wrap(ErrInvalidParam, "find and replace sizes differ")
	}
	if patch.Mask != nil && len(patch.Mask) != len(patch.Find) {
		return errors.Wrap(ErrInvalidParam, "mask and find sizes differ")
	}
	if patch.ReplaceMask != nil && len(patch.ReplaceMask) != size {
		return errors.Wrap(ErrInvalidParam, "replace mask and replace sizes differ")
	}

	var start uint64
	if patch.Base != "" {
		off, err := p.SymbolOffset(patch.Base)
		if err != nil {
			return err
		}
		start = off
	}

	// Without a pattern the replace bytes land at the base directly.
	if patch.Find == nil {
		if start+uint64(size) > uint64(len(p.buf)) {
			return errors.Wrapf(ErrInvalidParam, "patch at %#x runs past the image", start)
		}
		writeMasked(p.buf[start:start+uint64(size)], patch.Replace, patch.ReplaceMask)
		return nil
	}

	end := uint64(len(p.buf))
	if patch.Limit > 0 && start+uint64(patch.Limit) < end {
		end = start + uint64(patch.Limit)
	}

	skip := patch.Skip
	var applied uint32
	for i := start; i+uint64(size) <= end; {
		if !matchMasked(p.buf[i:i+uint64(size)], patch.Find, patch.Mask) {
			i++
			continue
		}
		if skip > 0 {
			skip--
			i += uint64(size)
			continue
		}
		writeMasked(p.buf[i:i+uint64(size)], patch.Replace, patch.ReplaceMask)
		applied++
		if patch.Count > 0 && applied == patch.Count {
			break
		}
		i += uint64(size)
	}

	if applied == 0 {
		return errors.Wrapf(ErrNotFound, "pattern not found (%s)", patch.Comment)
	}
	return nil
}

func matchMasked(candidate, find, mask []byte) bool {
	if mask == nil {
		for i := range find {
			if candidate[i] != find[i] {
				return false
			}
		}
		return true
	}
	for i := range find {
		if candidate[i]&mask[i] != find[i]&mask[i] {
			return false
		}
	}
	return true
}

func writeMasked(dst, replace, mask []byte) {
	if mask == nil {
		copy(dst, replace)
		return
	}
	for i := range replace {
		dst[i] = (dst[i] &^ mask[i]) | (replace[i] & mask[i])
	}
}
