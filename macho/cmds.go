package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-xnukit/types"
)

// A Load represents any Mach-O load command.
type Load interface {
	Raw() []byte
	String() string
	Command() types.LoadCmd
}

// LoadCmdBytes is a command-tagged sequence of bytes.
// This is used for load commands that are not interesting to the
// editor; they are preserved opaquely during image rewrite.
type LoadCmdBytes struct {
	types.LoadCmd
	LoadBytes
}

func (s LoadCmdBytes) String() string {
	return s.LoadCmd.String() + ": " + s.LoadBytes.String()
}

// A LoadBytes is the uninterpreted bytes of a Mach-O load command.
type LoadBytes []byte

func (b LoadBytes) String() string {
	s := "["
	for i, a := range b {
		if i > 0 {
			s += " "
			if len(b) > 48 && i >= 16 {
				s += fmt.Sprintf("... (%d bytes)", len(b))
				break
			}
		}
		s += fmt.Sprintf("%x", a)
	}
	s += "]"
	return s
}

func (b LoadBytes) Raw() []byte { return b }

/*******************************************************************************
 * SEGMENT
 *******************************************************************************/

// A SegmentHeader is the header for a Mach-O 64-bit load segment command.
type SegmentHeader struct {
	types.LoadCmd
	Len       uint32
	Name      string
	Addr      uint64
	Memsz     uint64
	Offset    uint64
	Filesz    uint64
	Maxprot   types.VmProtection
	Prot      types.VmProtection
	Nsect     uint32
	Flag      types.SegFlag
	Firstsect uint32
}

func (s *SegmentHeader) String() string {
	return fmt.Sprintf(
		"Seg %s, len=%#x, addr=%#x, memsz=%#x, offset=%#x, filesz=%#x, maxprot=%#x, prot=%#x, nsect=%d, flag=%#x, firstsect=%d",
		s.Name, s.Len, s.Addr, s.Memsz, s.Offset, s.Filesz, s.Maxprot, s.Prot, s.Nsect, s.Flag, s.Firstsect)
}

// A Segment represents a Mach-O 64-bit load segment command and remembers
// where its header lives in the image so that mutation can be written back.
type Segment struct {
	SegmentHeader
	LoadBytes
	cmdOffset uint32
}

func (s *Segment) String() string {
	return fmt.Sprintf("LC_SEGMENT_64: sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s   %s %v",
		s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot, s.Name, s.Flag)
}

func (s *Segment) Put64(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0*4:], uint32(s.LoadCmd))
	o.PutUint32(b[1*4:], s.Len)
	for i := 2 * 4; i < 6*4; i++ {
		b[i] = 0
	}
	types.PutAtMost16Bytes(b[2*4:], s.Name)
	o.PutUint64(b[6*4:], s.Addr)
	o.PutUint64(b[8*4:], s.Memsz)
	o.PutUint64(b[10*4:], s.Offset)
	o.PutUint64(b[12*4:], s.Filesz)
	o.PutUint32(b[14*4:], uint32(s.Maxprot))
	o.PutUint32(b[15*4:], uint32(s.Prot))
	o.PutUint32(b[16*4:], s.Nsect)
	o.PutUint32(b[17*4:], uint32(s.Flag))
	return 18 * 4
}

func (s *Segment) LessThan(o *Segment) bool {
	return s.Offset < o.Offset
}

// Segments is an array of Segment pointers sorted by file offset.
type Segments []*Segment

func (v Segments) Len() int           { return len(v) }
func (v Segments) Less(i, j int) bool { return v[i].LessThan(v[j]) }
func (v Segments) Swap(i, j int)      { v[i], v[j] = v[j], v[i] }

const segment64Size = 18 * 4

/*******************************************************************************
 * SECTION
 *******************************************************************************/

// A SectionHeader is the header for a Mach-O 64-bit section.
type SectionHeader struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// A Section represents a Mach-O 64-bit section and remembers where its
// header lives in the image.
type Section struct {
	SectionHeader
	cmdOffset uint32
}

func (s *Section) String() string {
	return fmt.Sprintf("sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s.%s",
		s.Size, s.Offset, uint64(s.Offset)+s.Size, s.Addr, s.Addr+s.Size, s.Seg, s.Name)
}

func (s *Section) Put64(b []byte, o binary.ByteOrder) int {
	for i := 0; i < 8*4; i++ {
		b[i] = 0
	}
	types.PutAtMost16Bytes(b[0:], s.Name)
	types.PutAtMost16Bytes(b[4*4:], s.Seg)
	o.PutUint64(b[8*4:], s.Addr)
	o.PutUint64(b[10*4:], s.Size)
	o.PutUint32(b[12*4:], s.Offset)
	o.PutUint32(b[13*4:], s.Align)
	o.PutUint32(b[14*4:], s.Reloff)
	o.PutUint32(b[15*4:], s.Nreloc)
	o.PutUint32(b[16*4:], s.Flags)
	o.PutUint32(b[17*4:], s.Reserved1)
	o.PutUint32(b[18*4:], s.Reserved2)
	o.PutUint32(b[19*4:], s.Reserved3)
	return section64Size
}

const section64Size = 20 * 4

/*******************************************************************************
 * SYMTAB
 *******************************************************************************/

// A Symbol is a Mach-O 64-bit symbol table entry.
type Symbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("%#016x %s", s.Value, s.Name)
}

// A Symtab represents a Mach-O symbol table command.
type Symtab struct {
	LoadBytes
	types.SymtabCmd
	Syms      []Symbol
	cmdOffset uint32
}

func (s *Symtab) String() string {
	return fmt.Sprintf("Symbol offset=0x%08X, Num Syms: %d, String offset=0x%08X-0x%08X",
		s.Symoff, s.Nsyms, s.Stroff, s.Stroff+s.Strsize)
}

// A Dysymtab represents a Mach-O dynamic symbol table command.
type Dysymtab struct {
	LoadBytes
	types.DysymtabCmd
	cmdOffset uint32
}

func (d *Dysymtab) String() string {
	return fmt.Sprintf("%d local, %d ext def, %d undef symbols", d.Nlocalsym, d.Nextdefsym, d.Nundefsym)
}

/*******************************************************************************
 * UUID
 *******************************************************************************/

// UUID represents a Mach-O uuid command.
type UUID struct {
	LoadBytes
	types.UUIDCmd
	ID        string
	cmdOffset uint32
}

func (u *UUID) String() string {
	return u.ID
}
