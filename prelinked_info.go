package xnukit

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
)

// Prelinked info dictionary keys, per the XNU convention.
const (
	prelinkInfoSegment = "__PRELINK_INFO"
	prelinkInfoSection = "__info"
	prelinkTextSegment = "__PRELINK_TEXT"
	prelinkTextSection = "__text"

	prelinkInfoDictionaryKey         = "_PrelinkInfoDictionary"
	prelinkKmodInfoKey               = "_PrelinkKmodInfo"
	prelinkBundlePathKey             = "_PrelinkBundlePath"
	prelinkExecutableRelativePathKey = "_PrelinkExecutableRelativePath"
	prelinkExecutableLoadAddrKey     = "_PrelinkExecutableLoadAddr"
	prelinkExecutableSourceAddrKey   = "_PrelinkExecutableSourceAddr"
	prelinkExecutableSizeKey         = "_PrelinkExecutableSize"

	bundleIdentifierKey = "CFBundleIdentifier"
)

// CFBundle is the decoded form of one kext record in the prelinked info
// dictionary. Integer values are carried in the image as hex strings
// with a 64-bit size attribute; the plist decoder hands them back as
// numbers.
type CFBundle struct {
	ID                   string `plist:"CFBundleIdentifier,omitempty"`
	Name                 string `plist:"CFBundleName,omitempty"`
	Version              string `plist:"CFBundleVersion,omitempty"`
	Executable           string `plist:"CFBundleExecutable,omitempty"`
	OSKernelResource     bool   `plist:"OSKernelResource,omitempty"`
	BundlePath           string `plist:"_PrelinkBundlePath,omitempty"`
	RelativePath         string `plist:"_PrelinkExecutableRelativePath,omitempty"`
	ExecutableLoadAddr   uint64 `plist:"_PrelinkExecutableLoadAddr,omitempty"`
	ExecutableSourceAddr uint64 `plist:"_PrelinkExecutableSourceAddr,omitempty"`
	ExecutableSize       uint64 `plist:"_PrelinkExecutableSize,omitempty"`
	KmodInfo             uint64 `plist:"_PrelinkKmodInfo,omitempty"`
}

// A kextEntry pairs the raw XML span of one kext dict with its decoded
// record. The raw bytes stay authoritative: export re-emits them
// verbatim, so untouched entries survive a rewrite byte-for-byte.
type kextEntry struct {
	raw    []byte
	bundle CFBundle
}

// prelinkInfo is the detached, parsed copy of the __info section. The
// document is held as raw prefix/suffix spans around the ordered kext
// list, in the manner of a reference-based XML parser, so rewriting the
// section only ever reassembles spans.
type prelinkInfo struct {
	prefix  []byte
	suffix  []byte
	entries []*kextEntry
}

// parsePrelinkInfo validates data as a plist whose root dictionary
// holds the kext list array, then splits the array into per-kext spans.
func parsePrelinkInfo(data []byte) (*prelinkInfo, error) {
	data = bytes.TrimRight(data, "\x00")

	var root map[string]interface{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, "prelinked info is not a plist dictionary")
	}
	rawList, ok := root[prelinkInfoDictionaryKey]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParam, "prelinked info has no %s", prelinkInfoDictionaryKey)
	}
	list, ok := rawList.([]interface{})
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParam, "%s is not an array", prelinkInfoDictionaryKey)
	}

	info := new(prelinkInfo)

	keyIdx := bytes.Index(data, []byte("<key>"+prelinkInfoDictionaryKey+"</key>"))
	if keyIdx < 0 {
		return nil, errors.Wrapf(ErrInvalidParam, "prelinked info has no %s key node", prelinkInfoDictionaryKey)
	}
	tagStart := indexFrom(data, keyIdx, "<array")
	if tagStart < 0 {
		return nil, errors.Wrap(ErrInvalidParam, "kext list array node missing")
	}
	tagEnd := indexFrom(data, tagStart, ">")
	if tagEnd < 0 {
		return nil, errors.Wrap(ErrInvalidParam, "kext list array tag unterminated")
	}

	if data[tagEnd-1] == '/' {
		// Empty self-closing array; rewrite it as an open/close pair
		// so appended entries have a home.
		info.prefix = append(append([]byte{}, data[:tagStart]...), "<array>"...)
		info.suffix = append([]byte("</array>"), data[tagEnd+1:]...)
	} else {
		contentStart := tagEnd + 1
		contentEnd := matchingClose(data, contentStart, "array")
		if contentEnd < 0 {
			return nil, errors.Wrap(ErrInvalidParam, "kext list array unterminated")
		}
		info.prefix = data[:contentStart]
		info.suffix = data[contentEnd:]

		entries, err := splitDicts(data[contentStart:contentEnd])
		if err != nil {
			return nil, err
		}
		for _, raw := range entries {
			e := &kextEntry{raw: raw}
			if err := plist.NewDecoder(bytes.NewReader(wrapPlist(raw))).Decode(&e.bundle); err != nil {
				return nil, errors.Wrap(ErrInvalidParam, "kext record does not decode")
			}
			info.entries = append(info.entries, e)
		}
	}

	if len(info.entries) != len(list) {
		return nil, errors.Wrapf(ErrInvalidParam,
			"kext list split found %d records, plist has %d", len(info.entries), len(list))
	}

	return info, nil
}

// export reassembles the info document. The caller appends the
// terminator and pads.
func (p *prelinkInfo) export() []byte {
	size := len(p.prefix) + len(p.suffix)
	for _, e := range p.entries {
		size += len(e.raw) + 1
	}

	out := make([]byte, 0, size)
	out = append(out, p.prefix...)
	for _, e := range p.entries {
		out = append(out, e.raw...)
		out = append(out, '\n')
	}
	out = append(out, p.suffix...)
	return out
}

func (p *prelinkInfo) findByID(id string) int {
	for i, e := range p.entries {
		if e.bundle.ID == id {
			return i
		}
	}
	return -1
}

func (p *prelinkInfo) remove(i int) *kextEntry {
	e := p.entries[i]
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	return e
}

func (p *prelinkInfo) append(e *kextEntry) {
	p.entries = append(p.entries, e)
}

// indexFrom finds the next occurrence of token at or after start.
func indexFrom(data []byte, start int, token string) int {
	idx := bytes.Index(data[start:], []byte(token))
	if idx < 0 {
		return -1
	}
	return start + idx
}

// matchingClose scans XML from start for the close tag of name that
// balances nesting of the same element, returning the offset of its
// "</name>" token.
func matchingClose(data []byte, start int, name string) int {
	open := []byte("<" + name)
	close := []byte("</" + name + ">")
	depth := 1
	i := start
	for i < len(data) {
		next := bytes.IndexByte(data[i:], '<')
		if next < 0 {
			return -1
		}
		i += next
		switch {
		case bytes.HasPrefix(data[i:], close):
			depth--
			if depth == 0 {
				return i
			}
			i += len(close)
		case bytes.HasPrefix(data[i:], open):
			end := bytes.IndexByte(data[i:], '>')
			if end < 0 {
				return -1
			}
			if data[i+end-1] != '/' {
				depth++
			}
			i += end + 1
		default:
			i++
		}
	}
	return -1
}

// splitDicts splits array content into the raw spans of its top-level
// dict children.
func splitDicts(content []byte) ([][]byte, error) {
	var out [][]byte
	i := 0
	for i < len(content) {
		next := bytes.IndexByte(content[i:], '<')
		if next < 0 {
			break
		}
		i += next
		if !bytes.HasPrefix(content[i:], []byte("<dict")) {
			return nil, errors.Wrap(ErrInvalidParam, "kext list contains a non-dict node")
		}
		tagEnd := bytes.IndexByte(content[i:], '>')
		if tagEnd < 0 {
			return nil, errors.Wrap(ErrInvalidParam, "kext record tag unterminated")
		}
		if content[i+tagEnd-1] == '/' {
			out = append(out, content[i:i+tagEnd+1])
			i += tagEnd + 1
			continue
		}
		end := matchingClose(content, i+tagEnd+1, "dict")
		if end < 0 {
			return nil, errors.Wrap(ErrInvalidParam, "kext record unterminated")
		}
		end += len("</dict>")
		out = append(out, content[i:end])
		i = end
	}
	return out, nil
}

// wrapPlist makes a bare dict span decodable on its own.
func wrapPlist(raw []byte) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><plist version="1.0">`)
	b.Write(raw)
	b.WriteString(`</plist>`)
	return b.Bytes()
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// appendKeyString appends a key/string pair in the info dictionary style.
func appendKeyString(b *bytes.Buffer, key, value string) {
	fmt.Fprintf(b, "<key>%s</key>\n<string>%s</string>\n", key, xmlEscaper.Replace(value))
}

// appendKeyInteger appends a key/integer pair using the XNU hex
// convention with a 64-bit size attribute.
func appendKeyInteger(b *bytes.Buffer, key string, value uint64) {
	fmt.Fprintf(b, "<key>%s</key>\n<integer size=\"64\">0x%x</integer>\n", key, value)
}

// buildKextEntry wraps a kext's own Info.plist dict content with the
// injected prelink keys, yielding the raw span registered in the kext
// list. The original plist content is carried verbatim.
func buildKextEntry(infoPlist []byte, inject func(*bytes.Buffer)) (*kextEntry, error) {
	var probe map[string]interface{}
	if err := plist.NewDecoder(bytes.NewReader(infoPlist)).Decode(&probe); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, "kext Info.plist does not parse")
	}

	dictStart := bytes.Index(infoPlist, []byte("<dict"))
	if dictStart < 0 {
		return nil, errors.Wrap(ErrInvalidParam, "kext Info.plist has no root dict")
	}
	tagEnd := indexFrom(infoPlist, dictStart, ">")
	if tagEnd < 0 {
		return nil, errors.Wrap(ErrInvalidParam, "kext Info.plist root dict unterminated")
	}

	var inner []byte
	if infoPlist[tagEnd-1] != '/' {
		contentStart := tagEnd + 1
		contentEnd := matchingClose(infoPlist, contentStart, "dict")
		if contentEnd < 0 {
			return nil, errors.Wrap(ErrInvalidParam, "kext Info.plist root dict unterminated")
		}
		inner = infoPlist[contentStart:contentEnd]
	}

	var b bytes.Buffer
	b.WriteString("<dict>")
	b.Write(bytes.TrimRight(inner, " \t\n"))
	b.WriteString("\n")
	inject(&b)
	b.WriteString("</dict>")

	e := &kextEntry{raw: b.Bytes()}
	if err := plist.NewDecoder(bytes.NewReader(wrapPlist(e.raw))).Decode(&e.bundle); err != nil {
		return nil, errors.Wrap(ErrInvalidParam, "augmented kext record does not decode")
	}
	return e, nil
}
