// Package hotplug optionally watches the kernel's uevent stream for block
// devices disappearing mid-run. It exists purely to log a diagnostic
// during a long archive run against live block devices (rather than
// a static forensic image); the read path itself never consults it and
// keeps running exactly as if it weren't there.
package hotplug

import (
	"context"
	"log"
	"strings"

	"github.com/s-urbaniak/uevent"
)

// Watch subscribes to the kernel uevent netlink socket and logs a line for
// every "remove" event on the "block" subsystem, until ctx is done.
// Subscription failure (no permission, not running on Linux, no netlink
// support) is logged once and otherwise ignored: this is diagnostics only,
// never a precondition for the rest of the tool to run, mirroring
// cmd/minitrd's own subscribe-or-log-and-continue pattern for uevents.
func Watch(ctx context.Context) {
	r, err := uevent.NewReader()
	if err != nil {
		log.Printf("hotplug: uevent subscription unavailable, continuing without it: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		r.Close()
	}()
	dec := uevent.NewDecoder(r)
	go func() {
		for {
			ev, err := dec.Decode()
			if err != nil {
				return // socket closed on ctx.Done, or a fatal read error either way
			}
			if ev.Subsystem != "block" || ev.Action != "remove" {
				continue
			}
			devname, ok := ev.Vars["DEVNAME"]
			if !ok {
				continue
			}
			log.Printf("hotplug: block device removed: /dev/%s", strings.TrimPrefix(devname, "/dev/"))
		}
	}()
}
