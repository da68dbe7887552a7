package main

import "flag"

// newPoolFlagSet registers the vdev-topology flags shared by every verb on
// fs, returning the struct the parsed values land in.
func newPoolFlagSet(name string) (*flag.FlagSet, *poolFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	pf := &poolFlags{}
	fs.StringVar(&pf.transportKind, "transport", "file", "block transport: \"file\" or \"net\"")
	fs.StringVar(&pf.config, "config", "", "file transport: path to a device-path translation table (TSV or JSON)")
	fs.StringVar(&pf.netAddr, "addr", "", "net transport: host:port of the block server (default localhost:24892)")
	fs.StringVar(&pf.initialDisk, "disk", "", "path (or translation table key) of one member disk to start discovery from")
	fs.StringVar(&pf.topology, "topology", "mirror", "vdev topology: \"single\", \"mirror\" or \"raidz1\"")
	fs.StringVar(&pf.bad, "bad", "", "comma-separated indices of member disks known to be damaged")
	fs.BoolVar(&pf.repair, "repair", false, "raidz1: reconstruct a bad column from parity instead of only reporting it")
	fs.UintVar(&pf.ashift, "ashift", 0, "raidz1: override the sector-size shift (0 autodetects from the label)")
	fs.StringVar(&pf.dumpDir, "dump-dir", "", "write every block this tool reads to this directory, for offline inspection")
	fs.Int64Var(&pf.txg, "txg", -1, "select the pool state as of this transaction group instead of the active one")
	fs.IntVar(&pf.label, "label", 0, "which member-disk label (0 or 1) to read the vdev configuration from")
	fs.BoolVar(&pf.watchHotplug, "watch-hotplug", false, "archive: log a diagnostic if a member disk disappears mid-run (only useful against live block devices, not a static image)")
	return fs, pf
}
