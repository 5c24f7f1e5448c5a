package types

const cpuArch64 = 0x01000000

// A CPU is a Mach-O cpu type.
type CPU uint32

const (
	CPUVax   CPU = 1
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUMips  CPU = 8
	CPUPpc   CPU = 18
	CPUPpc64 CPU = CPUPpc | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
)

var cpuStrings = []IntName{
	{uint32(CPUVax), "VAX"},
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUMips), "MIPS"},
	{uint32(CPUPpc), "PowerPC"},
	{uint32(CPUPpc64), "PowerPC 64"},
	{uint32(CPUArm), "ARM"},
	{uint32(CPUArm64), "AARCH64"},
}

func (i CPU) String() string   { return StringName(uint32(i), cpuStrings, false) }
func (i CPU) GoString() string { return StringName(uint32(i), cpuStrings, true) }

// A CPUSubtype is a Mach-O cpu subtype.
type CPUSubtype uint32

const (
	CPUSubtypeX86All   CPUSubtype = 3
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeX8664H   CPUSubtype = 8
	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64E   CPUSubtype = 2
)

// Masks for CPUSubtype feature flags.
const (
	CpuSubtypeFeatureMask CPUSubtype = 0xff000000
	CpuSubtypeMask        CPUSubtype = ^CpuSubtypeFeatureMask
)
