package xnukit

import (
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/appsworld/go-xnukit/pkg/lzss"
	"github.com/appsworld/go-xnukit/pkg/lzvn"
	"github.com/appsworld/go-xnukit/types"
)

// kernelHeaderSize is the window read to classify an image envelope;
// picked to comfortably fit fat headers and the compressed header.
const kernelHeaderSize = 2 * 4096

// compressionMaxLength bounds both sides of a compressed payload.
const compressionMaxLength = 1 << 31

// A ByteSource is the capability set the reader needs from the outer
// world: random reads plus the total size. Any I/O error propagates.
type ByteSource interface {
	io.ReaderAt
	Size() (uint64, error)
}

type fileSource struct {
	f *os.File
}

func (s fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s fileSource) Size() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// NewFileSource adapts an open file to a ByteSource.
func NewFileSource(f *os.File) ByteSource {
	return fileSource{f}
}

// ReadOptions controls how a kernel image is read.
type ReadOptions struct {
	// ReservedSize is extra capacity allocated past the payload for
	// kext injection; see ReserveSizeForConfig.
	ReservedSize uint32
	// Prefer32Bit selects the i386 slice of a fat image.
	Prefer32Bit bool
	// Digest requests a SHA-384 of the outer on-disk bytes.
	Digest bool
}

// A KernelImage is a contiguous, single-architecture, uncompressed
// Mach-O buffer with spare capacity for growth.
type KernelImage struct {
	Buf           []byte
	PayloadSize   uint32
	AllocatedSize uint32
	// Digest is the SHA-384 of the original outer bytes, when requested.
	Digest []byte
}

// ReadKernel reads an Apple kernel image for the requested architecture
// out of src, unwrapping fat and compressed envelopes, into a buffer
// with ReservedSize spare bytes at the end.
func ReadKernel(src ByteSource, opts ReadOptions) (*KernelImage, error) {
	r := &kernelReader{src: src}
	if opts.Digest {
		r.digest = sha512.New384()
	}

	buf := make([]byte, kernelHeaderSize)
	payload, buf, err := r.readImage(buf, 0, 0, opts, false, false)
	if err != nil {
		return nil, err
	}

	img := &KernelImage{
		Buf:           buf,
		PayloadSize:   payload,
		AllocatedSize: uint32(len(buf)),
	}

	if r.digest != nil {
		size, err := src.Size()
		if err != nil {
			return nil, err
		}
		if err := r.hashTo(size); err != nil {
			return nil, err
		}
		img.Digest = r.digest.Sum(nil)
	}

	return img, nil
}

type kernelReader struct {
	src       ByteSource
	digest    hash.Hash
	digestPos uint64
}

// read fetches length bytes at pos, streaming any bytes skipped since
// the last read into the digest first so the digest always covers the
// outer file in order.
func (r *kernelReader) read(pos uint64, buf []byte) error {
	if r.digest != nil && pos > r.digestPos {
		if err := r.hashTo(pos); err != nil {
			return err
		}
	}

	if _, err := r.src.ReadAt(buf, int64(pos)); err != nil {
		return errors.Wrapf(err, "failed to read %d bytes at %#x", len(buf), pos)
	}

	if r.digest != nil && pos+uint64(len(buf)) > r.digestPos && pos <= r.digestPos {
		r.digest.Write(buf[r.digestPos-pos:])
		r.digestPos = pos + uint64(len(buf))
	}
	return nil
}

// hashTo streams the skipped range [digestPos, end) into the digest.
func (r *kernelReader) hashTo(end uint64) error {
	var chunk [0x10000]byte
	for r.digestPos < end {
		n := end - r.digestPos
		if n > uint64(len(chunk)) {
			n = uint64(len(chunk))
		}
		if _, err := r.src.ReadAt(chunk[:n], int64(r.digestPos)); err != nil {
			return errors.Wrapf(err, "failed to read digest range at %#x", r.digestPos)
		}
		r.digest.Write(chunk[:n])
		r.digestPos += n
	}
	return nil
}

// readImage is the envelope state machine: fat selects a slice and
// recurses, compression inflates in place and loops, raw Mach-O reads
// fully. Fat is forbidden past offset 0 and anything nested inside a
// compressed payload is forbidden.
func (r *kernelReader) readImage(buf []byte, offset, kernelSize uint32, opts ReadOptions, forbidFat, compressed bool) (uint32, []byte, error) {
	srcSize, err := r.src.Size()
	if err != nil {
		return 0, nil, err
	}
	if uint64(offset)+4 > srcSize {
		return 0, nil, errors.Wrapf(ErrInvalidImage, "image truncated at %#x", offset)
	}

	window := uint64(kernelHeaderSize)
	if uint64(offset)+window > srcSize {
		window = srcSize - uint64(offset)
	}
	if !compressed {
		for i := range buf[:kernelHeaderSize] {
			buf[i] = 0
		}
		if err := r.read(uint64(offset), buf[:window]); err != nil {
			return 0, nil, err
		}
	}

	for {
		magic := binary.LittleEndian.Uint32(buf[0:4])

		switch {
		case magic == uint32(types.Magic64):
			// A valid formerly-compressed image needs no further reads.
			if compressed {
				return kernelSize, buf, nil
			}

			if offset == 0 {
				if srcSize > uint64(^uint32(0)) {
					return 0, nil, errors.Wrap(ErrInvalidImage, "kernel larger than 4 GiB")
				}
				kernelSize = uint32(srcSize)
			}

			buf, err = replaceBuffer(buf, kernelSize, opts.ReservedSize)
			if err != nil {
				return 0, nil, err
			}
			if err := r.read(uint64(offset), buf[:kernelSize]); err != nil {
				return 0, nil, err
			}
			return kernelSize, buf, nil

		case magic == uint32(types.MagicFat) || magic == types.MagicFatBE:
			if forbidFat {
				return 0, nil, errors.Wrap(ErrInvalidImage, "fat image recursion")
			}

			sliceOffset, sliceSize, err := parseFatArchitecture(buf[:window], opts.Prefer32Bit)
			if err != nil {
				return 0, nil, err
			}
			return r.readImage(buf, sliceOffset, sliceSize, opts, true, false)

		case string(buf[0:4]) == string(types.CompSignature[:]):
			if compressed {
				return 0, nil, errors.Wrap(ErrInvalidImage, "compression recursion")
			}

			// No fat and no compression are allowed after this point.
			forbidFat = true
			compressed = true

			kernelSize, buf, err = r.parseCompressedHeader(buf, offset, opts.ReservedSize)
			if err != nil {
				return 0, nil, err
			}
			continue

		default:
			return 0, nil, errors.Wrapf(ErrInvalidImage, "invalid kernel magic %#08x at %#x", magic, offset)
		}
	}
}

// replaceBuffer swaps buf for one that holds targetSize plus reserve.
// The current contents are not preserved; callers re-read.
func replaceBuffer(buf []byte, targetSize, reservedSize uint32) ([]byte, error) {
	target := uint64(targetSize) + uint64(reservedSize)
	if target > uint64(^uint32(0)) {
		return nil, errors.Wrap(ErrInvalidParam, "image with reserve exceeds 4 GiB")
	}
	if uint64(len(buf)) >= target {
		return buf, nil
	}
	return make([]byte, target), nil
}

// parseFatArchitecture picks the requested architecture slice out of a
// fat header window.
func parseFatArchitecture(hdr []byte, prefer32 bool) (uint32, uint32, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(hdr[0:4]) == types.MagicFatBE {
		order = binary.BigEndian
	}

	count := order.Uint32(hdr[4:8])
	if uint64(count)*types.FatArchSize+types.FatHeaderSize > uint64(len(hdr)) {
		return 0, 0, errors.Wrapf(ErrMalformedFat, "fat arch count %d does not fit header window", count)
	}

	want := types.CPUAmd64
	if prefer32 {
		want = types.CPU386
	}

	for i := uint32(0); i < count; i++ {
		ent := hdr[types.FatHeaderSize+i*types.FatArchSize:]
		cpu := types.CPU(order.Uint32(ent[0:4]))
		if cpu != want {
			continue
		}
		offset := order.Uint32(ent[8:12])
		size := order.Uint32(ent[12:16])
		if offset == 0 {
			return 0, 0, errors.Wrap(ErrMalformedFat, "fat arch has zero offset")
		}
		if uint64(offset)+uint64(size) > uint64(^uint32(0)) {
			return 0, 0, errors.Wrapf(ErrMalformedFat, "fat arch size %d overflows", size)
		}
		return offset, size, nil
	}

	return 0, 0, errors.Wrapf(ErrMalformedFat, "fat image has no %s arch", want)
}

// parseCompressedHeader inflates a compressed envelope at offset into a
// fresh buffer sized for the declared payload plus reserve.
func (r *kernelReader) parseCompressedHeader(buf []byte, offset, reservedSize uint32) (uint32, []byte, error) {
	compression := [4]byte{buf[4], buf[5], buf[6], buf[7]}
	hashSum := binary.BigEndian.Uint32(buf[8:12])
	decompressedSize := binary.BigEndian.Uint32(buf[12:16])
	compressedSize := binary.BigEndian.Uint32(buf[16:20])

	if compressedSize > compressionMaxLength || compressedSize == 0 ||
		decompressedSize > compressionMaxLength || decompressedSize < kernelHeaderSize {
		return 0, nil, errors.Wrapf(ErrDecompress,
			"compressed kernel invalid comp %d or decomp %d at %#x", compressedSize, decompressedSize, offset)
	}

	buf, err := replaceBuffer(buf, decompressedSize, reservedSize)
	if err != nil {
		return 0, nil, err
	}

	compressedBuffer := make([]byte, compressedSize)
	if err := r.read(uint64(offset)+types.CompHeaderSize, compressedBuffer); err != nil {
		return 0, nil, err
	}

	var kernelSize int
	switch compression {
	case types.CompLzvn:
		kernelSize = lzvn.Decompress(buf[:decompressedSize], compressedBuffer)
	case types.CompLzss:
		kernelSize = lzss.Decompress(buf[:decompressedSize], compressedBuffer)
	default:
		return 0, nil, errors.Wrapf(ErrDecompress, "unknown compression %q", compression)
	}

	if uint32(kernelSize) != decompressedSize {
		return 0, nil, errors.Wrapf(ErrDecompress,
			"produced %d bytes of %d declared at %#x", kernelSize, decompressedSize, offset)
	}

	if hashSum != 0 && lzss.Adler32(buf[:decompressedSize]) != hashSum {
		return 0, nil, errors.Wrap(ErrDecompress, "decompressed payload failed its adler32 check")
	}

	return decompressedSize, buf, nil
}
