package ipc

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Role is the part a process plays at startup.
type Role int

// Roles.
const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ProcessLister counts running processes by executable name.
type ProcessLister interface {
	Count(ctx context.Context, name string) (int, error)
}

// SystemProcesses lists the processes of the running system.
type SystemProcesses struct{}

// Count implements ProcessLister. Processes whose name cannot be read are
// skipped.
func (SystemProcesses) Count(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		pname, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if trimExe(pname) == name {
			n++
		}
	}
	return n, nil
}

// ExecutableName returns the base name of the running executable.
func ExecutableName() string {
	exe, err := os.Executable()
	if err != nil {
		return trimExe(filepath.Base(os.Args[0]))
	}
	return trimExe(filepath.Base(exe))
}

// DetectRole returns RoleClient when more than one process named name is
// running, counting this one.
func DetectRole(ctx context.Context, lister ProcessLister, name string) (Role, error) {
	n, err := lister.Count(ctx, name)
	if err != nil {
		return RoleServer, err
	}
	if n > 1 {
		return RoleClient, nil
	}
	return RoleServer, nil
}

func trimExe(name string) string {
	return strings.TrimSuffix(name, ".exe")
}
