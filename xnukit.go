// Package xnukit prepares Apple XNU boot images in memory: it reads a
// possibly-fat, possibly-compressed kernel into a growable buffer,
// applies ordered byte patches and named quirks, blocks unwanted kernel
// extensions and injects user-supplied ones into the prelinked image
// before the buffer is handed to a kernel loader.
//
// The package is synchronous and single-task by design: it targets a
// pre-OS environment with no scheduler, so every operation completes or
// fails before returning and no intermediate image state is observable
// from outside.
package xnukit

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Error kinds returned at the package boundary. Callers classify
// failures with errors.Is; additional context is layered on top with
// wrapping.
var (
	// ErrInvalidImage marks a structurally bad image: wrong magic,
	// malformed load commands, forbidden envelope recursion.
	ErrInvalidImage = errors.New("invalid kernel image")

	// ErrMalformedFat marks a fat envelope whose header cannot be
	// trusted: entry count outside the header window, missing
	// architecture, or overflowing slice bounds.
	ErrMalformedFat = errors.New("malformed fat image")

	// ErrDecompress marks a compressed envelope whose payload could
	// not be inflated to its declared size.
	ErrDecompress = errors.New("decompression failure")

	// ErrNotFound is returned when a required segment, section,
	// symbol, pattern or kext record is absent.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned for unknown quirk names and for
	// image layouts the implementation cannot transform.
	ErrUnsupported = errors.New("unsupported")

	// ErrBufferTooSmall is returned when the reserve budget the
	// caller allocated cannot hold an injected kext or the rewritten
	// info section.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidParam is returned for arithmetic overflow and other
	// caller mistakes.
	ErrInvalidParam = errors.New("invalid parameter")
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger routes the package's boot log to l. Passing nil keeps the
// current logger. The default logger discards everything.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}
