// Command zfsrescue reads files and directories back out of a damaged ZFS
// pool image without needing a working ZFS implementation: point it at one
// member disk (or a network block server) and it discovers the rest of the
// vdev, picks an uberblock, and walks datasets from there.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	zfsrescue "github.com/hiliev/go-zfs-rescue"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

// bumpRlimitNOFILE raises the process's open-file limit as far as the
// kernel allows, since archiving a large dataset can hold many temporary
// extraction files and member-disk descriptors open at once.
func bumpRlimitNOFILE() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	rlimit.Cur = rlimit.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}

func funcmain() error {
	flag.Parse()

	if err := bumpRlimitNOFILE(); err != nil {
		log.Printf("warning: bumping RLIMIT_NOFILE failed: %v", err)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"dump":    {cmdDump},
		"list":    {cmdList},
		"export":  {cmdExport},
		"archive": {cmdArchive},
	}

	args := flag.Args()
	verb := "dump"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "zfsrescue [-flags] <command> [-flags] <args>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tdump    - print label, uberblock and dataset summary\n")
		fmt.Fprintf(os.Stderr, "\tlist    - list a directory tree within a dataset\n")
		fmt.Fprintf(os.Stderr, "\texport  - write a flat (id, size, path) file list\n")
		fmt.Fprintf(os.Stderr, "\tarchive - write a tar archive of a dataset subtree\n")
		os.Exit(2)
	}

	ctx, canc := zfsrescue.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: zfsrescue <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return zfsrescue.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
