// Package errlog reports fatal hypervisor errors with the "[ERROR]"
// prefix spec §7 requires, wrapping a plain log.Logger the way the
// teacher reports fatal VM errors in machine.RunOnce/vmm.Boot.
package errlog

import (
	"log"
	"os"
)

var logger = log.New(os.Stderr, "", 0)

// Fatal prints an "[ERROR]"-prefixed message and exits the process with
// status 1, for KVM errors spec §7 classifies as fatal to the process
// (internal errors, fail-entry, unexpected exit reasons).
func Fatal(msg string) {
	logger.Printf("[ERROR] %s", msg)
	os.Exit(1)
}

// Print logs an "[ERROR]"-prefixed message without exiting, for
// reporting a secondary core's fatal state before the boot core's exit
// status supersedes it.
func Print(msg string) {
	logger.Printf("[ERROR] %s", msg)
}
