package xnukit

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-xnukit/types"
)

// Test images mimic the prelinked kernel layout the context expects:
//
//	__TEXT          file [0, 0x1000)          code, banner, symtab
//	__PRELINK_TEXT  file [0x1000, 0x2000)     one embedded kext Mach-O
//	__PRELINK_INFO  file [0x2000, 0x2000+L)   info plist, file-last
const (
	testVBase     = uint64(0xffffff8000200000)
	testKextVAddr = testVBase + 0x1000
	testKextID    = "com.apple.driver.TestDriver"
)

const (
	seg64Size  = 72
	sect64Size = 80
)

type imageWriter struct {
	buf []byte
	le  binary.ByteOrder
}

func (w *imageWriter) header(ncmds, sizeofcmds uint32) {
	w.le.PutUint32(w.buf[0:], uint32(types.Magic64))
	w.le.PutUint32(w.buf[4:], uint32(types.CPUAmd64))
	w.le.PutUint32(w.buf[8:], uint32(types.CPUSubtypeX8664All))
	w.le.PutUint32(w.buf[12:], uint32(types.MH_EXECUTE))
	w.le.PutUint32(w.buf[16:], ncmds)
	w.le.PutUint32(w.buf[20:], sizeofcmds)
}

type sect struct {
	name       string
	addr, size uint64
	offset     uint32
}

func (w *imageWriter) segment(at uint32, name string, addr, memsz, offset, filesz uint64, sects []sect) uint32 {
	cmdsize := uint32(seg64Size + len(sects)*sect64Size)
	w.le.PutUint32(w.buf[at:], uint32(types.LC_SEGMENT_64))
	w.le.PutUint32(w.buf[at+4:], cmdsize)
	types.PutAtMost16Bytes(w.buf[at+8:], name)
	w.le.PutUint64(w.buf[at+24:], addr)
	w.le.PutUint64(w.buf[at+32:], memsz)
	w.le.PutUint64(w.buf[at+40:], offset)
	w.le.PutUint64(w.buf[at+48:], filesz)
	w.le.PutUint32(w.buf[at+56:], 7)
	w.le.PutUint32(w.buf[at+60:], 5)
	w.le.PutUint32(w.buf[at+64:], uint32(len(sects)))

	pos := at + seg64Size
	for _, s := range sects {
		types.PutAtMost16Bytes(w.buf[pos:], s.name)
		types.PutAtMost16Bytes(w.buf[pos+16:], name)
		w.le.PutUint64(w.buf[pos+32:], s.addr)
		w.le.PutUint64(w.buf[pos+40:], s.size)
		w.le.PutUint32(w.buf[pos+48:], s.offset)
		pos += sect64Size
	}
	return at + cmdsize
}

func (w *imageWriter) symtab(at, symoff, nsyms, stroff, strsize uint32) uint32 {
	w.le.PutUint32(w.buf[at:], uint32(types.LC_SYMTAB))
	w.le.PutUint32(w.buf[at+4:], 24)
	w.le.PutUint32(w.buf[at+8:], symoff)
	w.le.PutUint32(w.buf[at+12:], nsyms)
	w.le.PutUint32(w.buf[at+16:], stroff)
	w.le.PutUint32(w.buf[at+20:], strsize)
	return at + 24
}

func (w *imageWriter) uuid(at uint32) uint32 {
	w.le.PutUint32(w.buf[at:], uint32(types.LC_UUID))
	w.le.PutUint32(w.buf[at+4:], 24)
	copy(w.buf[at+8:at+24], []byte("0123456789abcdef"))
	return at + 24
}

type testSymbols struct {
	strtab bytes.Buffer
	nlists bytes.Buffer
	count  uint32
}

func (s *testSymbols) add(name string, value uint64) {
	if s.strtab.Len() == 0 {
		s.strtab.WriteByte(0)
	}
	strx := uint32(s.strtab.Len())
	s.strtab.WriteString(name)
	s.strtab.WriteByte(0)

	var ent [16]byte
	binary.LittleEndian.PutUint32(ent[0:], strx)
	ent[4] = types.NlistExt
	ent[5] = 1
	binary.LittleEndian.PutUint64(ent[8:], value)
	s.nlists.Write(ent[:])
	s.count++
}

type testImageOpts struct {
	// banner defaults to a 19.6.0 version banner; "-" drops it.
	banner string
	// code lands in __TEXT.__text at file offset 0x400.
	code []byte
	// symbols maps extra names to absolute virtual addresses.
	symbols map[string]uint64
	// noVersionSymbol drops _version from the symbol table.
	noVersionSymbol bool
	// kextCode lands in the embedded kext's __text at its offset 0x200.
	kextCode []byte
	// infoPlist overrides the generated info section.
	infoPlist []byte
	// slack is extra allocated capacity past the payload.
	slack uint32
}

func defaultInfoPlist() []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
<key>_PrelinkInfoDictionary</key>
<array>
<dict>
<key>CFBundleIdentifier</key>
<string>%s</string>
<key>CFBundleVersion</key>
<string>1.0.0</string>
<key>_PrelinkBundlePath</key>
<string>/System/Library/Extensions/TestDriver.kext</string>
<key>_PrelinkExecutableSourceAddr</key>
<integer size="64">%#x</integer>
<key>_PrelinkExecutableSize</key>
<integer size="64">0x1000</integer>
</dict>
</array>
</dict>
</plist>
`, testKextID, testKextVAddr))
}

// buildMiniKext lays out the kext Mach-O embedded in __PRELINK_TEXT:
// a single __TEXT segment mapping the whole kext with a __text section
// at +0x200 and a tiny symbol table at +0x800.
func buildMiniKext(vaddr uint64, code []byte) []byte {
	w := &imageWriter{buf: make([]byte, 0x1000), le: binary.LittleEndian}

	next := w.segment(32, "__TEXT", vaddr, 0x1000, 0, 0x1000, []sect{
		{"__text", vaddr + 0x200, 0x100, 0x200},
	})
	next = w.symtab(next, 0x900, 1, 0x800, 0x40)
	w.header(2, next-32)

	copy(w.buf[0x200:0x300], code)

	syms := &testSymbols{}
	syms.add("_kext_entry", vaddr+0x200)
	copy(w.buf[0x800:], syms.strtab.Bytes())
	copy(w.buf[0x900:], syms.nlists.Bytes())

	return w.buf
}

// buildPrelinked assembles a synthetic prelinked kernel and returns the
// buffer and its payload size. The allocation is payload+slack.
func buildPrelinked(opts testImageOpts) ([]byte, uint32) {
	info := opts.infoPlist
	if info == nil {
		info = defaultInfoPlist()
	}
	// Keep the payload page-aligned so a zero-slack allocation is
	// usable, the way real prelinked kernels are laid out.
	if rem := (0x2000 + len(info)) % 0x1000; rem != 0 {
		info = append(info, bytes.Repeat([]byte{'\n'}, 0x1000-rem)...)
	}

	payload := uint32(0x2000 + len(info))
	w := &imageWriter{buf: make([]byte, uint64(payload)+uint64(opts.slack)), le: binary.LittleEndian}

	next := w.segment(32, "__TEXT", testVBase, 0x1000, 0, 0x1000, []sect{
		{"__text", testVBase + 0x400, 0x200, 0x400},
		{"__const", testVBase + 0x700, 0x100, 0x700},
	})
	next = w.segment(next, "__PRELINK_TEXT", testKextVAddr, 0x1000, 0x1000, 0x1000, []sect{
		{"__text", testKextVAddr, 0x1000, 0x1000},
	})
	next = w.segment(next, "__PRELINK_INFO", testVBase+0x2000, uint64(len(info)), 0x2000, uint64(len(info)), []sect{
		{"__info", testVBase + 0x2000, uint64(len(info)), 0x2000},
	})
	next = w.symtab(next, 0x900, 0, 0x800, 0x100)
	next = w.uuid(next)
	w.header(5, next-32)

	copy(w.buf[0x400:0x600], opts.code)

	banner := opts.banner
	if banner == "" {
		banner = "Darwin Kernel Version 19.6.0: Thu Jun 18 20:49:00 PDT 2020; root:xnu-6153.141.1~1/RELEASE_X86_64"
	}
	if banner != "-" {
		copy(w.buf[0x700:0x7ff], banner)
	}

	syms := &testSymbols{}
	if !opts.noVersionSymbol && banner != "-" {
		syms.add("_version", testVBase+0x700)
	}
	for name, value := range opts.symbols {
		syms.add(name, value)
	}
	if syms.count > 0 {
		copy(w.buf[0x800:], syms.strtab.Bytes())
		copy(w.buf[0x900:], syms.nlists.Bytes())
		w.le.PutUint32(w.buf[32+232+152+152+12:], syms.count) // nsyms
	}

	copy(w.buf[0x1000:0x2000], buildMiniKext(testKextVAddr, opts.kextCode))
	copy(w.buf[0x2000:], info)

	return w.buf, payload
}

// byteSource adapts a byte slice to the reader capability set.
type byteSource struct {
	r *bytes.Reader
}

func newByteSource(b []byte) byteSource {
	return byteSource{bytes.NewReader(b)}
}

func (s byteSource) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s byteSource) Size() (uint64, error)                   { return uint64(s.r.Size()), nil }
