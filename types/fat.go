package types

// Universal (fat) binary and Apple compressed binary envelopes, as found
// around Apple kernel images on disk.

const (
	// MagicFatBE is the fat magic as read little-endian from a
	// big-endian (canonical) fat file.
	MagicFatBE uint32 = 0xbebafeca

	// FatHeaderSize is the size of the fat header preceding the
	// architecture entries.
	FatHeaderSize = 8

	// FatArchSize is the size of one fat architecture entry.
	FatArchSize = 20
)

// A FatArch describes a single architecture inside a fat binary.
type FatArch struct {
	CPU    CPU
	SubCPU CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32
}

// Apple compressed binary image header. All integer fields are stored
// big-endian. Compressed payload data begins at CompHeaderSize.
type CompHeader struct {
	Signature    [4]byte /* "comp" */
	Compression  [4]byte /* "lzvn" or "lzss" */
	Hash         uint32  /* adler32 of the decompressed payload */
	Decompressed uint32
	Compressed   uint32
	Reserved     [11]uint32
	Platform     [64]byte
	RootPath     [256]byte
}

const CompHeaderSize = 384

var (
	CompSignature = [4]byte{'c', 'o', 'm', 'p'}
	CompLzvn      = [4]byte{'l', 'z', 'v', 'n'}
	CompLzss      = [4]byte{'l', 'z', 's', 's'}
)
