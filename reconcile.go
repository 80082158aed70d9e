package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Action is what a phase must do to move a resource from its current state to the desired
// state. Every mutating step asks for an Action first so a re-run on a converged host does
// nothing.
type Action int

const (
	ActionNone Action = iota
	ActionCreate
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// AnyOwner leaves the owner of a file out of the comparison.
const AnyOwner = -1

// FileState is the observed or desired state of a regular file.
type FileState struct {
	Exists bool
	SHA256 string
	Mode   os.FileMode
	UID    int
	GID    int
}

// ReconcileFile compares a file on disk with the desired content, mode and owner.
func ReconcileFile(current, desired FileState) Action {
	if !current.Exists {
		return ActionCreate
	}
	if desired.SHA256 != "" && current.SHA256 != desired.SHA256 {
		return ActionUpdate
	}
	if desired.Mode != 0 && current.Mode.Perm() != desired.Mode.Perm() {
		return ActionUpdate
	}
	if desired.UID != AnyOwner && current.UID != desired.UID {
		return ActionUpdate
	}
	if desired.GID != AnyOwner && current.GID != desired.GID {
		return ActionUpdate
	}
	return ActionNone
}

// ReconcileAccount creates a missing account and never modifies an existing one.
func ReconcileAccount(exists bool) Action {
	if exists {
		return ActionNone
	}
	return ActionCreate
}

// ServiceState is the observed or desired init-system state of a unit.
type ServiceState struct {
	Enabled bool
	Active  bool
}

// ReconcileService returns ActionUpdate when either the enablement or the active state
// differs.
func ReconcileService(current, desired ServiceState) Action {
	if current == desired {
		return ActionNone
	}
	return ActionUpdate
}

// ReconcileContent compares raw file content, used for generated config files.
func ReconcileContent(current []byte, exists bool, desired []byte) Action {
	if !exists {
		return ActionCreate
	}
	if string(current) != string(desired) {
		return ActionUpdate
	}
	return ActionNone
}

// statFile observes a file or directory. Only regular files are hashed. A missing path is
// not an error.
func statFile(path string) (FileState, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return FileState{}, nil
	}
	if err != nil {
		return FileState{}, err
	}

	st := FileState{
		Exists: true,
		Mode:   info.Mode(),
		UID:    AnyOwner,
		GID:    AnyOwner,
	}
	if info.Mode().IsRegular() {
		if st.SHA256, err = sha256File(path); err != nil {
			return FileState{}, err
		}
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.UID = int(sys.Uid)
		st.GID = int(sys.Gid)
	}
	return st, nil
}

func sha256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to compute checksum: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
