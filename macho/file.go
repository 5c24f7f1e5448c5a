// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package macho implements an in-place editor for Mach-O 64-bit images
// held in caller-owned memory. Unlike the usual reader-style packages it
// never copies segment data: queries hand out offsets into the backing
// buffer and mutations are written back into it, so the buffer remains
// the single owner of the byte region.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/go-dwarf"

	"github.com/appsworld/go-xnukit/types"
)

const pageAlign = 0x1000

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// ErrSymbolNotFound is returned by symbol queries when the requested
// symbol is absent or the symbol table is malformed at its entry.
var ErrSymbolNotFound = fmt.Errorf("symbol not found")

// A File gives in-place access to a Mach-O 64-bit image held in a byte
// buffer. The buffer may be larger than the image payload; the trailing
// bytes are spare capacity used by GrowSegmentTail.
type File struct {
	FileTOC

	Symtab   *Symtab
	Dysymtab *Dysymtab

	buf     []byte
	payload uint32
}

// FileTOC holds the parsed table of contents of a Mach-O file.
type FileTOC struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  []*Section
}

// NewBuffer prepares a Mach-O 64-bit editor over buf. The image payload
// occupies buf[:payloadSize]; bytes beyond it are spare capacity. The
// image is validated on construction: magic, CPU type, load-command
// layout and segment invariants must all hold.
func NewBuffer(buf []byte, payloadSize uint32) (*File, error) {
	f := new(File)
	f.buf = buf
	f.payload = payloadSize

	if uint32(len(buf)) < payloadSize {
		return nil, &FormatError{0, "payload size exceeds buffer", payloadSize}
	}
	if payloadSize < types.FileHeaderSize64 {
		return nil, &FormatError{0, "image too small for a Mach-O header", payloadSize}
	}

	f.ByteOrder = binary.LittleEndian
	f.Magic = types.Magic(f.ByteOrder.Uint32(buf[0:4]))
	if f.Magic != types.Magic64 {
		return nil, &FormatError{0, "invalid magic number", f.Magic}
	}

	if err := binary.Read(bytes.NewReader(buf[:types.FileHeaderSize64]), f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if f.CPU != types.CPUAmd64 {
		return nil, &FormatError{4, "unsupported cpu type", f.CPU}
	}

	offset := int64(types.FileHeaderSize64)
	if uint64(f.SizeCommands)+uint64(offset) > uint64(payloadSize) {
		return nil, &FormatError{offset, "load commands extend past payload", f.SizeCommands}
	}
	dat := buf[offset : uint32(offset)+f.SizeCommands]
	bo := f.ByteOrder

	f.Loads = make([]Load, 0, f.NCommands)
	for i := uint32(0); i < f.NCommands; i++ {
		if len(dat) < 8 {
			return nil, &FormatError{offset, "command block too small", nil}
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < 8 || siz > uint32(len(dat)) {
			return nil, &FormatError{offset, "invalid command block size", nil}
		}

		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]
		cmdOffset := uint32(offset)
		offset += int64(siz)

		switch cmd {
		default:
			f.Loads = append(f.Loads, LoadCmdBytes{cmd, LoadBytes(cmddat)})
		case types.LC_SEGMENT_64:
			var seg64 types.Segment64
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &seg64); err != nil {
				return nil, fmt.Errorf("failed to read LC_SEGMENT_64: %v", err)
			}
			s := new(Segment)
			s.LoadBytes = cmddat
			s.LoadCmd = cmd
			s.Len = siz
			s.Name = cstring(seg64.Name[0:])
			s.Addr = seg64.Addr
			s.Memsz = seg64.Memsz
			s.Offset = seg64.Offset
			s.Filesz = seg64.Filesz
			s.Maxprot = seg64.Maxprot
			s.Prot = seg64.Prot
			s.Nsect = seg64.Nsect
			s.Flag = seg64.Flag
			s.Firstsect = uint32(len(f.Sections))
			s.cmdOffset = cmdOffset
			if uint64(siz) < uint64(segment64Size)+uint64(s.Nsect)*section64Size {
				return nil, &FormatError{int64(cmdOffset), "segment too small for its sections", s.Name}
			}
			f.Loads = append(f.Loads, s)
			for j := uint32(0); j < s.Nsect; j++ {
				var sh64 types.Section64
				if err := binary.Read(b, bo, &sh64); err != nil {
					return nil, fmt.Errorf("failed to read Section64: %v", err)
				}
				sh := new(Section)
				sh.Name = cstring(sh64.Name[0:])
				sh.Seg = cstring(sh64.Seg[0:])
				sh.Addr = sh64.Addr
				sh.Size = sh64.Size
				sh.Offset = sh64.Offset
				sh.Align = sh64.Align
				sh.Reloff = sh64.Reloff
				sh.Nreloc = sh64.Nreloc
				sh.Flags = sh64.Flags
				sh.Reserved1 = sh64.Reserve1
				sh.Reserved2 = sh64.Reserve2
				sh.Reserved3 = sh64.Reserve3
				sh.cmdOffset = cmdOffset + segment64Size + j*section64Size
				f.Sections = append(f.Sections, sh)
			}
		case types.LC_SYMTAB:
			var hdr types.SymtabCmd
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_SYMTAB: %v", err)
			}
			st, err := f.parseSymtab(&hdr, int64(cmdOffset))
			if err != nil {
				return nil, err
			}
			st.LoadBytes = cmddat
			st.cmdOffset = cmdOffset
			f.Loads = append(f.Loads, st)
			f.Symtab = st
		case types.LC_DYSYMTAB:
			var hdr types.DysymtabCmd
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_DYSYMTAB: %v", err)
			}
			st := new(Dysymtab)
			st.LoadBytes = cmddat
			st.DysymtabCmd = hdr
			st.cmdOffset = cmdOffset
			f.Loads = append(f.Loads, st)
			f.Dysymtab = st
		case types.LC_UUID:
			var u types.UUIDCmd
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &u); err != nil {
				return nil, fmt.Errorf("failed to read LC_UUID: %v", err)
			}
			l := new(UUID)
			l.LoadBytes = cmddat
			l.UUIDCmd = u
			l.ID = u.UUID.String()
			l.cmdOffset = cmdOffset
			f.Loads = append(f.Loads, l)
		}
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) parseSymtab(hdr *types.SymtabCmd, offset int64) (*Symtab, error) {
	if uint64(hdr.Symoff)+uint64(hdr.Nsyms)*types.Nlist64Size > uint64(f.payload) {
		return nil, &FormatError{offset, "symbol table extends past payload", hdr.Symoff}
	}
	if uint64(hdr.Stroff)+uint64(hdr.Strsize) > uint64(f.payload) {
		return nil, &FormatError{offset, "string table extends past payload", hdr.Stroff}
	}

	strtab := f.buf[hdr.Stroff : hdr.Stroff+hdr.Strsize]
	symdat := f.buf[hdr.Symoff : uint64(hdr.Symoff)+uint64(hdr.Nsyms)*types.Nlist64Size]

	st := new(Symtab)
	st.SymtabCmd = *hdr
	st.Syms = make([]Symbol, hdr.Nsyms)
	bo := f.ByteOrder
	for i := range st.Syms {
		ent := symdat[i*types.Nlist64Size:]
		var n types.Nlist64
		n.Strx = bo.Uint32(ent[0:4])
		n.Type = ent[4]
		n.Sect = ent[5]
		n.Desc = bo.Uint16(ent[6:8])
		n.Value = bo.Uint64(ent[8:16])
		sym := &st.Syms[i]
		if n.Strx < hdr.Strsize {
			sym.Name = cstring(strtab[n.Strx:])
		}
		sym.Type = n.Type
		sym.Sect = n.Sect
		sym.Desc = n.Desc
		sym.Value = n.Value
	}
	return st, nil
}

// validate enforces the structural invariants the editor relies on:
// every segment's file range lies within the payload, file ranges and
// virtual ranges do not overlap, and the load-command region lies
// inside the first file-mapped segment.
func (f *File) validate() error {
	segs := f.Segments()
	for _, s := range segs {
		if s.Filesz > 0 {
			if s.Offset+s.Filesz < s.Offset || s.Offset+s.Filesz > uint64(f.payload) {
				return &FormatError{int64(s.cmdOffset), "segment file range outside payload", s.Name}
			}
		}
		if s.Memsz > 0 && s.Addr+s.Memsz < s.Addr {
			return &FormatError{int64(s.cmdOffset), "segment virtual range overflows", s.Name}
		}
	}
	for i, a := range segs {
		for _, b := range segs[i+1:] {
			if a.Filesz > 0 && b.Filesz > 0 &&
				a.Offset < b.Offset+b.Filesz && b.Offset < a.Offset+a.Filesz {
				return &FormatError{int64(b.cmdOffset), "segment file ranges overlap", b.Name}
			}
			if a.Memsz > 0 && b.Memsz > 0 &&
				a.Addr < b.Addr+b.Memsz && b.Addr < a.Addr+a.Memsz {
				return &FormatError{int64(b.cmdOffset), "segment virtual ranges overlap", b.Name}
			}
		}
	}

	loadEnd := uint64(types.FileHeaderSize64) + uint64(f.SizeCommands)
	for _, s := range segs {
		if s.Offset == 0 && s.Filesz >= loadEnd {
			return nil
		}
	}
	return &FormatError{0, "load commands not covered by the first segment", nil}
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}

// PayloadSize returns the current image payload size.
func (f *File) PayloadSize() uint32 { return f.payload }

// AllocatedSize returns the total capacity of the backing buffer.
func (f *File) AllocatedSize() uint32 { return uint32(len(f.buf)) }

// Buf returns the backing buffer. The caller must respect PayloadSize.
func (f *File) Buf() []byte { return f.buf }

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (f *File) Segment(name string) *Segment {
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == name {
			return s
		}
	}
	return nil
}

// Segments returns all segments sorted by file offset.
func (f *File) Segments() Segments {
	var segs Segments
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok {
			segs = append(segs, s)
		}
	}
	sort.Sort(segs)
	return segs
}

// Section returns the section with the given name in the given segment,
// or nil if no such section exists.
func (f *File) Section(segment, section string) *Section {
	for _, sec := range f.Sections {
		if sec.Seg == segment && sec.Name == section {
			return sec
		}
	}
	return nil
}

// UUID returns the UUID load command, or nil if none exists.
func (f *File) UUID() *UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUID); ok {
			return u
		}
	}
	return nil
}

// LastAddress returns the maximum vmaddr+vmsize across all segments,
// rounded up to the page size. It returns 0 for an image without
// segments.
func (f *File) LastAddress() uint64 {
	var last uint64
	for _, s := range f.Segments() {
		if end := s.Addr + s.Memsz; end > last {
			last = end
		}
	}
	return types.RoundUp(last, pageAlign)
}

// GetOffset returns the file offset for a given virtual address.
func (f *File) GetOffset(address uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Filesz > 0 && seg.Addr <= address && address < seg.Addr+seg.Filesz {
			return (address - seg.Addr) + seg.Offset, nil
		}
	}
	return 0, fmt.Errorf("address %#x not within any segment's address range", address)
}

// GetVMAddress returns the virtual address for a given file offset.
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Filesz > 0 && seg.Offset <= offset && offset < seg.Offset+seg.Filesz {
			return (offset - seg.Offset) + seg.Addr, nil
		}
	}
	return 0, fmt.Errorf("offset %#x not within any segment's file offset range", offset)
}

// SymbolOffset returns the file offset of the named symbol. Stab
// entries are ignored. A missing symbol, a stripped symbol table or a
// malformed table entry all yield ErrSymbolNotFound, never a panic.
func (f *File) SymbolOffset(name string) (uint64, error) {
	if f.Symtab == nil {
		return 0, ErrSymbolNotFound
	}
	for i := range f.Symtab.Syms {
		sym := &f.Symtab.Syms[i]
		if sym.Type&types.NlistStab != 0 || sym.Name != name {
			continue
		}
		off, err := f.GetOffset(sym.Value)
		if err != nil {
			return 0, ErrSymbolNotFound
		}
		return off, nil
	}
	return 0, ErrSymbolNotFound
}

// SectionData returns the bytes a section maps from the file. A section
// in the zeroed prepared-for-finalization state yields an empty slice.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s.Offset == 0 && s.Size == 0 {
		return nil, nil
	}
	if uint64(s.Offset)+s.Size > uint64(f.payload) {
		return nil, &FormatError{int64(s.cmdOffset), "section data outside payload", s.Name}
	}
	return f.buf[s.Offset : uint64(s.Offset)+s.Size], nil
}

// DWARF returns the DWARF debug information of a development kernel, or
// an error when the image carries no debug sections.
func (f *File) DWARF() (*dwarf.Data, error) {
	dwarfSuffix := func(s *Section) string {
		switch {
		case strings.HasPrefix(s.Name, "__debug_"):
			return s.Name[8:]
		case strings.HasPrefix(s.Name, "__zdebug_"):
			return s.Name[9:]
		default:
			return ""
		}
	}

	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	var found bool
	for _, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := f.SectionData(s)
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
		found = true
	}
	if !found {
		return nil, fmt.Errorf("image carries no DWARF sections")
	}

	return dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
}
