// Package bwrap provides a builder for bubblewrap (bwrap) sandbox commands,
// used to confine plugin worker subprocesses.
package bwrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// ErrNotLinux is returned when bubblewrap is requested on non-Linux systems.
var ErrNotLinux = errors.New("bubblewrap sandboxing is only available on Linux")

// ErrBwrapNotFound is returned when the bwrap binary cannot be located.
var ErrBwrapNotFound = errors.New("bwrap binary not found")

// Builder constructs bwrap command arguments using a fluent interface.
type Builder struct {
	args        []string
	bwrapPath   string
	command     string
	commandArgs []string
	err         error
}

// New creates a new bwrap command builder.
func New() *Builder {
	return &Builder{
		args: make([]string, 0, 64),
	}
}

// BwrapPath sets a custom path to the bwrap binary.
// If not set, FindBwrap() is used to locate it.
func (b *Builder) BwrapPath(path string) *Builder {
	b.bwrapPath = path
	return b
}

// SystemBinds adds read-only binds for system directories (/usr, /lib, /bin, /sbin).
// Automatically handles /lib64 if it exists.
func (b *Builder) SystemBinds() *Builder {
	paths := []string{"/usr", "/lib", "/bin", "/sbin"}
	for _, p := range paths {
		if pathExists(p) {
			b.args = append(b.args, "--ro-bind", p, p)
		}
	}
	if pathExists("/lib64") {
		b.args = append(b.args, "--ro-bind", "/lib64", "/lib64")
	}
	return b
}

// EtcBinds adds read-only binds for essential /etc files needed for basic operation.
func (b *Builder) EtcBinds() *Builder {
	files := []string{
		"/etc/resolv.conf",
		"/etc/hosts",
		"/etc/passwd",
		"/etc/group",
		"/etc/nsswitch.conf",
		"/etc/localtime",
	}
	for _, f := range files {
		if pathExists(f) {
			b.args = append(b.args, "--ro-bind", f, f)
		}
	}
	return b
}

// SSLCerts adds read-only binds for SSL certificate directories (distro-specific).
func (b *Builder) SSLCerts() *Builder {
	paths := []string{
		"/etc/ssl",
		"/etc/ca-certificates",
		"/etc/pki",
	}
	for _, p := range paths {
		if pathExists(p) {
			b.args = append(b.args, "--ro-bind", p, p)
		}
	}
	return b
}

// RoBind adds a read-only bind mount.
func (b *Builder) RoBind(path string) *Builder {
	if pathExists(path) {
		b.args = append(b.args, "--ro-bind", path, path)
	}
	return b
}

// RoBindTo adds a read-only bind mount with a different destination path.
func (b *Builder) RoBindTo(src, dst string) *Builder {
	if pathExists(src) {
		b.args = append(b.args, "--ro-bind", src, dst)
	}
	return b
}

// Bind adds a read-write bind mount.
func (b *Builder) Bind(path string) *Builder {
	if pathExists(path) {
		b.args = append(b.args, "--bind", path, path)
	}
	return b
}

// BindTo adds a read-write bind mount with a different destination path.
func (b *Builder) BindTo(src, dst string) *Builder {
	if pathExists(src) {
		b.args = append(b.args, "--bind", src, dst)
	}
	return b
}

// Tmpfs adds a tmpfs mount at the given path.
func (b *Builder) Tmpfs(path string) *Builder {
	b.args = append(b.args, "--tmpfs", path)
	return b
}

// Proc mounts /proc.
func (b *Builder) Proc() *Builder {
	b.args = append(b.args, "--proc", "/proc")
	return b
}

// Dev mounts /dev.
func (b *Builder) Dev() *Builder {
	b.args = append(b.args, "--dev", "/dev")
	return b
}

// DevBind adds a device bind mount.
func (b *Builder) DevBind(path string) *Builder {
	if pathExists(path) {
		b.args = append(b.args, "--dev-bind", path, path)
	}
	return b
}

// UnshareNet creates an isolated network namespace (no network access).
func (b *Builder) UnshareNet() *Builder {
	b.args = append(b.args, "--unshare-net")
	return b
}

// ShareNet shares the network namespace with the host. Only plugins whose
// manifest sets sandboxNet use this; every other sandboxed worker gets
// UnshareNet.
func (b *Builder) ShareNet() *Builder {
	b.args = append(b.args, "--share-net")
	return b
}

// UnsharePID creates an isolated PID namespace.
func (b *Builder) UnsharePID() *Builder {
	b.args = append(b.args, "--unshare-pid")
	return b
}

// DieWithParent ensures the sandbox is killed when the daemon dies.
func (b *Builder) DieWithParent() *Builder {
	b.args = append(b.args, "--die-with-parent")
	return b
}

// ClearEnv clears all environment variables.
func (b *Builder) ClearEnv() *Builder {
	b.args = append(b.args, "--clearenv")
	return b
}

// SetEnv sets an environment variable in the sandbox.
func (b *Builder) SetEnv(key, value string) *Builder {
	b.args = append(b.args, "--setenv", key, value)
	return b
}

// Chdir sets the working directory inside the sandbox.
func (b *Builder) Chdir(path string) *Builder {
	b.args = append(b.args, "--chdir", path)
	return b
}

// DefaultEnv sets minimal required environment variables (PATH, HOME, TERM, LANG).
// Should be called after ClearEnv(). If path is empty, falls back to a basic
// system PATH.
func (b *Builder) DefaultEnv(home string, path string) *Builder {
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	b.SetEnv("PATH", path)
	b.SetEnv("HOME", home)
	b.SetEnv("TERM", "xterm")
	b.SetEnv("LANG", "C.UTF-8")

	return b
}

// Command sets the command to run inside the sandbox.
func (b *Builder) Command(cmd string, args ...string) *Builder {
	b.command = cmd
	b.commandArgs = args
	return b
}

// Build returns the complete argument list for exec.Command.
func (b *Builder) Build() (string, []string, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	if !IsLinux() {
		return "", nil, ErrNotLinux
	}

	bwrapPath := b.bwrapPath
	if bwrapPath == "" {
		var err error
		bwrapPath, err = FindBwrap("")
		if err != nil {
			return "", nil, err
		}
	}

	args := make([]string, 0, len(b.args)+3+len(b.commandArgs))
	args = append(args, b.args...)
	args = append(args, "--")
	args = append(args, b.command)
	args = append(args, b.commandArgs...)

	return bwrapPath, args, nil
}

// BuildCommand builds and returns an exec.Cmd ready to run.
func (b *Builder) BuildCommand() (*exec.Cmd, error) {
	bwrapPath, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return exec.Command(bwrapPath, args...), nil //nolint:gosec // G204: bwrapPath validated by FindBwrap()
}

// FindBwrap locates the bwrap binary.
func FindBwrap(customPath string) (string, error) {
	if customPath != "" {
		if pathExists(customPath) {
			return customPath, nil
		}
		L_warn("bwrap: custom path not found", "path", customPath)
	}

	path, err := exec.LookPath("bwrap")
	if err != nil {
		return "", fmt.Errorf(`plugin sandboxing enabled but bwrap not found

Install bubblewrap:
  Debian/Ubuntu:  apt install bubblewrap
  Fedora/RHEL:    dnf install bubblewrap
  Arch:           pacman -S bubblewrap

Or set Plugin/Sandbox to false in the daemon config (%w)`, ErrBwrapNotFound)
	}

	return path, nil
}

// IsAvailable checks if bwrap is available on this system.
func IsAvailable(customPath string) bool {
	_, err := FindBwrap(customPath)
	return err == nil
}

// IsLinux returns true if running on Linux.
func IsLinux() bool {
	return runtime.GOOS == "linux"
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
