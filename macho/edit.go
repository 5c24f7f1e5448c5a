package macho

import (
	"fmt"

	"github.com/appsworld/go-xnukit/types"
)

// In-place mutation. Every mutator updates the parsed representation
// and immediately writes the affected load-command headers back into
// the backing buffer, so the buffer and the table of contents never
// disagree for longer than one call.

// UpdateSegment writes the segment's header and the headers of all its
// sections back into the image buffer.
func (f *File) UpdateSegment(s *Segment) error {
	if uint64(s.cmdOffset)+uint64(s.Len) > uint64(f.payload) {
		return &FormatError{int64(s.cmdOffset), "segment command outside payload", s.Name}
	}
	s.Put64(f.buf[s.cmdOffset:], f.ByteOrder)
	for i := uint32(0); i < s.Nsect; i++ {
		if int(s.Firstsect+i) >= len(f.Sections) {
			return &FormatError{int64(s.cmdOffset), "segment references missing section", s.Name}
		}
		sec := f.Sections[s.Firstsect+i]
		sec.Put64(f.buf[sec.cmdOffset:], f.ByteOrder)
	}
	return nil
}

// SetPayloadSize moves the payload boundary. The new size must not
// exceed the allocated capacity.
func (f *File) SetPayloadSize(size uint32) error {
	if size > uint32(len(f.buf)) {
		return fmt.Errorf("payload size %#x exceeds allocated size %#x", size, len(f.buf))
	}
	f.payload = size
	return nil
}

// GrowSegmentTail extends the file-last segment by delta bytes of
// already-written data at the end of the payload. Only the segment's
// tail section grows with it. The payload boundary advances by delta.
func (f *File) GrowSegmentTail(s *Segment, delta uint64) error {
	if types.RoundUp(s.Offset+s.Filesz, pageAlign) != uint64(f.payload) {
		return fmt.Errorf("segment %s is not the file-last segment", s.Name)
	}
	if uint64(f.payload)+delta > uint64(len(f.buf)) {
		return fmt.Errorf("growing segment %s by %#x exceeds allocated size %#x", s.Name, delta, len(f.buf))
	}

	s.Filesz += delta
	s.Memsz += delta
	if s.Nsect > 0 {
		tail := f.Sections[s.Firstsect+s.Nsect-1]
		tail.Size += delta
	}
	if err := f.UpdateSegment(s); err != nil {
		return err
	}
	f.payload += uint32(delta)
	return nil
}

// ZeroSegment puts a segment and all its sections into the zeroed
// prepared-for-finalization state: file offset, file size, virtual
// address and virtual size all become 0.
func (f *File) ZeroSegment(s *Segment) error {
	s.Addr = 0
	s.Memsz = 0
	s.Offset = 0
	s.Filesz = 0
	for i := uint32(0); i < s.Nsect; i++ {
		sec := f.Sections[s.Firstsect+i]
		sec.Addr = 0
		sec.Size = 0
		sec.Offset = 0
	}
	return f.UpdateSegment(s)
}
