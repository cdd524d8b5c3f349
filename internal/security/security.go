// Package security implements privilege management and execution of
// privileged actions in security contexts.
package security

import (
	"fmt"
	"syscall"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// DropPrivileges clears every capability on the current process except the
// ones passed in caps, which are kept in the permitted set only. A daemon
// started with broad privileges (root or file capabilities) calls this once
// at startup so that only the capabilities it will later raise inside a
// SecurityContext remain available. If the process holds no capabilities at
// all, this is a no-op and we expect the production environment to have
// granted the necessary file or ambient capabilities already.
func DropPrivileges(caps []cap.Value) error {
	if syscall.Geteuid() != 0 {
		existing := cap.GetProc()

		// Get if the current process has any capabilities at all
		// by comparing against a new capability set
		// If no capabilities found, nothing to do, return
		if isPriv, err := existing.Cf(cap.NewSet()); err == nil && isPriv == 0 {
			return nil
		}
	}

	return setCapabilities(caps)
}

// DropCapabilities drops any existing capabilities on the process.
func DropCapabilities() error {
	return setCapabilities(nil)
}

// setCapabilities sets the specific list of Linux capabilities on current process.
// It only add the capabilities to `permitted` set and it is responsible of the
// functions that need privileges to enable `effective` set before perfoming
// privileged action and then dropping them off straight after.
func setCapabilities(caps []cap.Value) error {
	// Start with an empty capability set
	newcaps := cap.NewSet()

	// Permitted makes the permission possible to get, effective makes it 'active'
	for _, c := range caps {
		if err := newcaps.SetFlag(cap.Permitted, true, c); err != nil {
			return fmt.Errorf("error setting permitted setcap: %w", err)
		}

		// Only enable effective set before performing a privileged operation
		if err := newcaps.SetFlag(cap.Effective, false, c); err != nil {
			return fmt.Errorf("error setting effective setcap: %w", err)
		}

		// We do not want these capabilities to be inherited by subprocesses
		if err := newcaps.SetFlag(cap.Inheritable, false, c); err != nil {
			return fmt.Errorf("error setting inheritable setcap: %w", err)
		}
	}

	// Apply the new capabilities to the current process (incl. all threads)
	if err := newcaps.SetProc(); err != nil {
		return fmt.Errorf("error setting new process capabilities via setcap: %w", err)
	}

	return nil
}
