// kextlist prints the kext records of a prelinked kernel, unwrapping
// fat and compressed envelopes on the way in.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	xnukit "github.com/appsworld/go-xnukit"
)

func main() {
	verbose := flag.Bool("v", false, "log processing details")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] prelinkedkernel\n", os.Args[0])
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}

	if *verbose {
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		xnukit.SetLogger(l)
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "kextlist: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := xnukit.ReadKernel(xnukit.NewFileSource(f), xnukit.ReadOptions{Digest: true})
	if err != nil {
		return fmt.Errorf("failed to read kernel: %v", err)
	}

	ctx, err := xnukit.NewPrelinkedContext(img.Buf, img.PayloadSize, img.AllocatedSize)
	if err != nil {
		return fmt.Errorf("failed to open prelinked context: %v", err)
	}

	fmt.Printf("%s: %d kexts, sha384 %x\n", path, ctx.KextCount(), img.Digest)
	for i := 0; i < ctx.KextCount(); i++ {
		info, err := ctx.KextInfo(i)
		if err != nil {
			return err
		}
		fmt.Printf("%#016x %s (%s)\n",
			cast.ToUint64(info["_PrelinkExecutableLoadAddr"]),
			cast.ToString(info["CFBundleIdentifier"]),
			cast.ToString(info["CFBundleVersion"]))
	}

	return nil
}
