package types

// A LoadCmd is a Mach-O load command.
type LoadCmd uint32

const (
	lcReqDyld              LoadCmd = 0x80000000
	LC_SEGMENT             LoadCmd = 0x1              /* segment of this file to be mapped */
	LC_SYMTAB              LoadCmd = 0x2              /* link-edit stab symbol table info */
	LC_THREAD              LoadCmd = 0x4              /* thread */
	LC_UNIXTHREAD          LoadCmd = 0x5              /* unix thread (includes a stack) */
	LC_DYSYMTAB            LoadCmd = 0xb              /* dynamic link-edit symbol table info */
	LC_LOAD_DYLIB          LoadCmd = 0xc              /* load a dynamically linked shared library */
	LC_ID_DYLIB            LoadCmd = 0xd              /* dynamically linked shared lib ident */
	LC_SEGMENT_64          LoadCmd = 0x19             /* 64-bit segment of this file to be mapped */
	LC_UUID                LoadCmd = 0x1b             /* the uuid */
	LC_CODE_SIGNATURE      LoadCmd = 0x1d             /* local of code signature */
	LC_VERSION_MIN_MACOSX  LoadCmd = 0x24             /* build for MacOSX min OS version */
	LC_FUNCTION_STARTS     LoadCmd = 0x26             /* compressed table of function start addresses */
	LC_MAIN                LoadCmd = 0x28 | lcReqDyld /* replacement for LC_UNIXTHREAD */
	LC_SOURCE_VERSION      LoadCmd = 0x2A             /* source version used to build binary */
	LC_BUILD_VERSION       LoadCmd = 0x32             /* build for platform min OS version */
	LC_DYLD_CHAINED_FIXUPS LoadCmd = 0x34 | lcReqDyld /* used with linkedit_data_command */
	LC_FILESET_ENTRY       LoadCmd = 0x35 | lcReqDyld /* used with fileset_entry_command */
)

var cmdStrings = []IntName{
	{uint32(LC_SEGMENT), "LC_SEGMENT"},
	{uint32(LC_SYMTAB), "LC_SYMTAB"},
	{uint32(LC_THREAD), "LC_THREAD"},
	{uint32(LC_UNIXTHREAD), "LC_UNIXTHREAD"},
	{uint32(LC_DYSYMTAB), "LC_DYSYMTAB"},
	{uint32(LC_LOAD_DYLIB), "LC_LOAD_DYLIB"},
	{uint32(LC_ID_DYLIB), "LC_ID_DYLIB"},
	{uint32(LC_SEGMENT_64), "LC_SEGMENT_64"},
	{uint32(LC_UUID), "LC_UUID"},
	{uint32(LC_CODE_SIGNATURE), "LC_CODE_SIGNATURE"},
	{uint32(LC_VERSION_MIN_MACOSX), "LC_VERSION_MIN_MACOSX"},
	{uint32(LC_FUNCTION_STARTS), "LC_FUNCTION_STARTS"},
	{uint32(LC_MAIN), "LC_MAIN"},
	{uint32(LC_SOURCE_VERSION), "LC_SOURCE_VERSION"},
	{uint32(LC_BUILD_VERSION), "LC_BUILD_VERSION"},
	{uint32(LC_DYLD_CHAINED_FIXUPS), "LC_DYLD_CHAINED_FIXUPS"},
	{uint32(LC_FILESET_ENTRY), "LC_FILESET_ENTRY"},
}

func (c LoadCmd) Command() LoadCmd { return c }
func (c LoadCmd) String() string   { return StringName(uint32(c), cmdStrings, false) }
func (c LoadCmd) GoString() string { return StringName(uint32(c), cmdStrings, true) }

type SegFlag uint32

const (
	HighVM            SegFlag = 0x1
	FvmLib            SegFlag = 0x2
	NoReLoc           SegFlag = 0x4
	ProtectedVersion1 SegFlag = 0x8
	ReadOnly          SegFlag = 0x10 /* segment is made read-only after fixups */
)

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	LoadCmd              /* LC_SEGMENT_64 */
	Len     uint32       /* includes sizeof section_64 structs */
	Name    [16]byte     /* segment name */
	Addr    uint64       /* memory address of this segment */
	Memsz   uint64       /* memory size of this segment */
	Offset  uint64       /* file offset of this segment */
	Filesz  uint64       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    SegFlag      /* flags */
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    uint32
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// A DysymtabCmd is a Mach-O dynamic symbol table command.
type DysymtabCmd struct {
	LoadCmd        // LC_DYSYMTAB
	Len            uint32
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoffset      uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}

// A UUIDCmd is a Mach-O uuid load command containing a single
// 128-bit unique random number identifying an object produced
// by the static link editor.
type UUIDCmd struct {
	LoadCmd // LC_UUID
	Len     uint32
	UUID    UUID
}

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Strx  uint32 /* index into the string table */
	Type  uint8  /* type flag */
	Sect  uint8  /* section number or NO_SECT */
	Desc  uint16 /* see <mach-o/stab.h> */
	Value uint64 /* value of this symbol (or stab offset) */
}

const (
	NlistStab uint8 = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	NlistType uint8 = 0x0e /* mask for the type bits */
	NlistExt  uint8 = 0x01 /* external symbol bit */
)

const Nlist64Size = 16
