package xnukit

import (
	"bytes"

	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/appsworld/go-xnukit/macho"
	"github.com/appsworld/go-xnukit/types"
)

const prelinkedAlign = 0x1000

func prelinkedAlignUp(x uint64) uint64 {
	return types.RoundUp(x, prelinkedAlign)
}

// A PrelinkedContext owns a prelinked kernel buffer during
// modification: the Mach-O editor over it, handles to the prelink
// segments, and the detached parsed copy of the info dictionary. While
// the context exists the parsed copy is authoritative; the bytes of the
// __info section are stale until InjectComplete writes them back.
type PrelinkedContext struct {
	buf         []byte
	payloadSize uint32
	allocSize   uint32

	// lastAddress is the page-aligned end of virtual space; injected
	// executables and the rewritten info section land here.
	lastAddress uint64

	machO *macho.File

	infoSegment *macho.Segment
	infoSection *macho.Section
	textSegment *macho.Segment
	textSection *macho.Section

	// infoCopy is the detached __info bytes the parsed info was built
	// from; pooled buffers share the context's lifetime.
	infoCopy []byte
	info     *prelinkInfo
	pooled   [][]byte

	prepared bool
	dirty    bool
}

// NewPrelinkedContext constructs a context over a prelinked kernel
// buffer of allocSize capacity whose payload occupies payloadSize
// bytes. The buffer is owned by the context until TakeBuffer.
func NewPrelinkedContext(buf []byte, payloadSize, allocSize uint32) (*PrelinkedContext, error) {
	if uint64(len(buf)) < uint64(allocSize) || payloadSize > allocSize {
		return nil, errors.Wrap(ErrInvalidParam, "prelinked buffer smaller than its declared sizes")
	}

	c := &PrelinkedContext{
		buf:       buf,
		allocSize: allocSize,
	}

	// Keep the payload page-aligned, zero-filling the gap.
	aligned := prelinkedAlignUp(uint64(payloadSize))
	if aligned > uint64(allocSize) {
		return nil, errors.Wrap(ErrBufferTooSmall, "payload alignment exceeds allocation")
	}
	for i := uint64(payloadSize); i < aligned; i++ {
		buf[i] = 0
	}
	c.payloadSize = uint32(aligned)

	m, err := macho.NewBuffer(buf[:allocSize], payloadSize)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "prelinked kernel does not parse: %v", err)
	}
	if err := m.SetPayloadSize(c.payloadSize); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, err.Error())
	}
	c.machO = m

	c.lastAddress = m.LastAddress()
	if c.lastAddress == 0 {
		return nil, errors.Wrap(ErrInvalidImage, "prelinked kernel has no virtual space")
	}

	if c.infoSegment = m.Segment(prelinkInfoSegment); c.infoSegment == nil {
		return nil, errors.Wrapf(ErrNotFound, "segment %s missing", prelinkInfoSegment)
	}
	if c.infoSection = m.Section(prelinkInfoSegment, prelinkInfoSection); c.infoSection == nil {
		return nil, errors.Wrapf(ErrNotFound, "section %s.%s missing", prelinkInfoSegment, prelinkInfoSection)
	}
	if c.textSegment = m.Segment(prelinkTextSegment); c.textSegment == nil {
		return nil, errors.Wrapf(ErrNotFound, "segment %s missing", prelinkTextSegment)
	}
	if c.textSection = m.Section(prelinkTextSegment, prelinkTextSection); c.textSection == nil {
		return nil, errors.Wrapf(ErrNotFound, "section %s.%s missing", prelinkTextSegment, prelinkTextSection)
	}

	infoData, err := m.SectionData(c.infoSection)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "info section unreadable: %v", err)
	}
	c.infoCopy = append([]byte{}, infoData...)

	if c.info, err = parsePrelinkInfo(c.infoCopy); err != nil {
		return nil, err
	}

	return c, nil
}

// MachO exposes the editor over the prelinked image.
func (c *PrelinkedContext) MachO() *macho.File { return c.machO }

// PayloadSize returns the exportable prelinked kernel size.
func (c *PrelinkedContext) PayloadSize() uint32 { return c.payloadSize }

// AllocatedSize returns the buffer capacity.
func (c *PrelinkedContext) AllocatedSize() uint32 { return c.allocSize }

// KextCount returns the number of records in the kext list.
func (c *PrelinkedContext) KextCount() int { return len(c.info.entries) }

// Kext returns the decoded record at index i of the kext list.
func (c *PrelinkedContext) Kext(i int) CFBundle { return c.info.entries[i].bundle }

// KextInfo decodes the kext record at index i into a generic map,
// preserving keys the typed record does not carry.
func (c *PrelinkedContext) KextInfo(i int) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := plist.NewDecoder(bytes.NewReader(wrapPlist(c.info.entries[i].raw))).Decode(&m); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, "kext record does not decode")
	}
	return m, nil
}

// TakeBuffer passes buffer ownership back to the caller together with
// the final payload size. The context must not be used afterwards.
func (c *PrelinkedContext) TakeBuffer() ([]byte, uint32) {
	buf := c.buf
	c.buf = nil
	c.machO = nil
	return buf, c.payloadSize
}

// insertPooled gives a buffer the same lifetime as the context, so
// spans referenced from the kext list stay alive.
func (c *PrelinkedContext) insertPooled(buf []byte) {
	c.pooled = append(c.pooled, buf)
}

// InjectPrepare drops the current info segment so that new kext
// executables can extend __PRELINK_TEXT to the end of the payload.
// It fails with ErrUnsupported when the prelinked text does not reach
// the payload end, since relocating other segments is not implemented.
func (c *PrelinkedContext) InjectPrepare() error {
	// Plist info is normally the last segment, so we may potentially
	// save some data by removing it and then appending new kexts over.
	segmentEnd := c.infoSegment.Offset + c.infoSegment.Filesz
	if prelinkedAlignUp(segmentEnd) == uint64(c.payloadSize) {
		c.payloadSize = uint32(prelinkedAlignUp(c.infoSegment.Offset))
		if err := c.machO.SetPayloadSize(c.payloadSize); err != nil {
			return errors.Wrap(ErrInvalidParam, err.Error())
		}
	}

	if err := c.machO.ZeroSegment(c.infoSegment); err != nil {
		return errors.Wrap(ErrInvalidParam, err.Error())
	}

	c.lastAddress = c.machO.LastAddress()
	if c.lastAddress == 0 {
		return errors.Wrap(ErrInvalidParam, "prelinked kernel lost its virtual space")
	}

	// Prior to the plist there usually is prelinked text; appending
	// anywhere else would require moving segments.
	segmentEnd = c.textSegment.Offset + c.textSegment.Filesz
	if prelinkedAlignUp(segmentEnd) != uint64(c.payloadSize) {
		return errors.Wrap(ErrUnsupported, "prelinked text does not end at the payload")
	}

	c.prepared = true
	c.dirty = true
	return nil
}

// ReserveKextSize adds the slack one kext needs to reservedSize:
// its padded Info.plist plus its padded executable.
func ReserveKextSize(reservedSize *uint32, infoPlistSize uint32, executableSize uint32) error {
	plistSize := uint64(infoPlistSize) + 512
	plistSize = prelinkedAlignUp(plistSize)
	execSize := prelinkedAlignUp(uint64(executableSize))

	total := uint64(*reservedSize) + plistSize + execSize
	if total > uint64(^uint32(0)) {
		return errors.Wrap(ErrInvalidParam, "kext reserve overflows")
	}
	*reservedSize = uint32(total)
	return nil
}

// InjectKext registers one kext in the prelinked image: its Info.plist,
// augmented with the prelink bookkeeping keys, is appended to the kext
// list. A kext that carries an executable fails with ErrUnsupported,
// because linkExecutable does not link. The call is all-or-nothing: on
// failure no size, address or header changes remain.
func (c *PrelinkedContext) InjectKext(bundlePath string, infoPlist []byte, executablePath string, executable []byte) error {
	if !c.prepared {
		return errors.Wrap(ErrInvalidParam, "inject without prepare")
	}
	if len(infoPlist) == 0 {
		return errors.Wrap(ErrInvalidParam, "kext has no Info.plist")
	}

	var alignedExecutableSize uint64
	if executable != nil {
		alignedExecutableSize = prelinkedAlignUp(uint64(len(executable)))
		newSize := uint64(c.payloadSize) + alignedExecutableSize
		if newSize > uint64(c.allocSize) {
			return errors.Wrapf(ErrBufferTooSmall,
				"executable for %s needs %#x bytes past %#x of %#x", bundlePath, alignedExecutableSize, c.payloadSize, c.allocSize)
		}

		// Copy ahead of the payload boundary; sizes are only
		// committed after linking succeeds.
		copy(c.buf[c.payloadSize:], executable)
		for i := uint64(c.payloadSize) + uint64(len(executable)); i < uint64(c.payloadSize)+alignedExecutableSize; i++ {
			c.buf[i] = 0
		}
	}

	var loadAddress, kmodAddress uint64
	if executable != nil {
		var err error
		loadAddress, kmodAddress, err = c.linkExecutable(
			c.buf[c.payloadSize:uint64(c.payloadSize)+alignedExecutableSize],
			uint32(len(executable)),
		)
		if err != nil {
			return err
		}
	}

	entry, err := buildKextEntry(infoPlist, func(b *bytes.Buffer) {
		appendKeyString(b, prelinkBundlePathKey, bundlePath)
		if executable != nil {
			appendKeyString(b, prelinkExecutableRelativePathKey, executablePath)
			appendKeyInteger(b, prelinkExecutableSourceAddrKey, c.lastAddress)
			appendKeyInteger(b, prelinkExecutableSizeKey, alignedExecutableSize)
			appendKeyInteger(b, prelinkExecutableLoadAddrKey, loadAddress)
			appendKeyInteger(b, prelinkKmodInfoKey, kmodAddress)
		}
	})
	if err != nil {
		return err
	}

	if executable != nil {
		// Only executable source addresses exist at this point, so
		// appending to the segment tail keeps every recorded address
		// valid as long as the executable size stays fixed.
		if err := c.machO.GrowSegmentTail(c.textSegment, alignedExecutableSize); err != nil {
			return errors.Wrap(ErrBufferTooSmall, err.Error())
		}
		c.payloadSize += uint32(alignedExecutableSize)
		c.lastAddress += alignedExecutableSize
	}

	c.insertPooled(entry.raw)
	c.info.append(entry)
	c.dirty = true

	log.WithFields(logrus.Fields{
		"bundle":     bundlePath,
		"executable": executablePath != "",
	}).Info("kext registered")

	return nil
}

// linkExecutable is the link step of InjectKext. Kext linking is not
// implemented: it always fails with ErrUnsupported, so every injection
// that carries an executable is rejected and reverted.
func (c *PrelinkedContext) linkExecutable(executable []byte, executableSize uint32) (uint64, uint64, error) {
	return 0, 0, errors.Wrap(ErrUnsupported, "kext linking is not implemented")
}

// Block removes the named kext's record from the kext list, so the
// kernel never sees it.
func (c *PrelinkedContext) Block(identifier string) error {
	i := c.info.findByID(identifier)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "kext %s is not in the prelinked image", identifier)
	}
	e := c.info.remove(i)
	c.dirty = true

	log.WithFields(logrus.Fields{
		"identifier": identifier,
		"bundle":     e.bundle.BundlePath,
	}).Info("kext blocked")

	return nil
}

// InjectComplete serializes the info dictionary back into the image,
// pointing the info segment at the appended region. A context that was
// never prepared or modified leaves the image untouched, so finalizing
// an empty delta is byte-exact idempotent.
func (c *PrelinkedContext) InjectComplete() error {
	if !c.prepared && !c.dirty {
		return nil
	}

	exported := c.info.export()
	// Include the terminator.
	exportedSize := uint64(len(exported)) + 1

	newSize := uint64(c.payloadSize) + prelinkedAlignUp(exportedSize)
	if newSize > uint64(c.allocSize) {
		return errors.Wrapf(ErrBufferTooSmall,
			"info section needs %#x bytes past %#x of %#x", prelinkedAlignUp(exportedSize), c.payloadSize, c.allocSize)
	}

	c.infoSegment.Addr = c.lastAddress
	c.infoSegment.Memsz = exportedSize
	c.infoSegment.Offset = uint64(c.payloadSize)
	c.infoSegment.Filesz = exportedSize
	c.infoSection.Addr = c.lastAddress
	c.infoSection.Size = exportedSize
	c.infoSection.Offset = c.payloadSize
	if err := c.machO.UpdateSegment(c.infoSegment); err != nil {
		return errors.Wrap(ErrInvalidParam, err.Error())
	}

	copy(c.buf[c.payloadSize:], exported)
	for i := uint64(c.payloadSize) + uint64(len(exported)); i < newSize; i++ {
		c.buf[i] = 0
	}

	c.lastAddress += prelinkedAlignUp(exportedSize)
	c.payloadSize = uint32(newSize)
	if err := c.machO.SetPayloadSize(c.payloadSize); err != nil {
		return errors.Wrap(ErrInvalidParam, err.Error())
	}

	return nil
}
