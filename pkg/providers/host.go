package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Host is the target system providers act on. Local and SSH hosts
// implement it. Missing files are reported with fs.ErrNotExist.
type Host interface {
	// Run executes a shell command line. A non-zero exit status is not an
	// error; it is reported in the result.
	Run(ctx context.Context, cmd Command) (*CommandResult, error)

	// ReadFile returns the content of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces the content of a file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Stat describes a file without following the content.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates a directory and its parents.
	MkdirAll(ctx context.Context, path string, mode fs.FileMode) error
}

// Command is one shell command line.
type Command struct {
	// Line is passed to /bin/sh -c.
	Line string

	// Dir is the working directory.
	Dir string

	// Env holds extra KEY=value pairs.
	Env []string

	// Stdin is fed to the command.
	Stdin []byte
}

// CommandResult is the outcome of a command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// FileInfo describes a file on the host.
type FileInfo struct {
	Path  string
	IsDir bool
	Mode  fs.FileMode
	Size  int64
	Owner string
	Group string
}

// CommandError reports a command that exited with a non-zero status.
type CommandError struct {
	Line     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Line, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// runChecked runs a command and converts a non-zero exit status into a
// CommandError.
func runChecked(ctx context.Context, h Host, cmd Command) (*CommandResult, error) {
	res, err := h.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, &CommandError{Line: cmd.Line, ExitCode: res.ExitCode, Stderr: trimOutput(res.Stderr)}
	}
	return res, nil
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// LocalHost runs commands and file operations on the machine the engine
// runs on.
type LocalHost struct {
	// Shell is the interpreter for command lines. Defaults to /bin/sh.
	Shell string
}

// NewLocalHost creates a host for the local machine.
func NewLocalHost() *LocalHost {
	return &LocalHost{Shell: "/bin/sh"}
}

// Run implements Host.
func (h *LocalHost) Run(ctx context.Context, c Command) (*CommandResult, error) {
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

// ReadFile implements Host.
func (h *LocalHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile implements Host. The content is written to a temporary file
// in the same directory and renamed into place.
func (h *LocalHost) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// Stat implements Host.
func (h *LocalHost) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Path:  path,
		IsDir: info.IsDir(),
		Mode:  info.Mode().Perm(),
		Size:  info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.Owner = strconv.FormatUint(uint64(stat.Uid), 10)
		fi.Group = strconv.FormatUint(uint64(stat.Gid), 10)
		if u, err := user.LookupId(fi.Owner); err == nil {
			fi.Owner = u.Username
		}
		if g, err := user.LookupGroupId(fi.Group); err == nil {
			fi.Group = g.Name
		}
	}
	return fi, nil
}

// Remove implements Host.
func (h *LocalHost) Remove(ctx context.Context, path string) error {
	return os.Remove(path)
}

// MkdirAll implements Host.
func (h *LocalHost) MkdirAll(ctx context.Context, path string, mode fs.FileMode) error {
	return os.MkdirAll(path, mode)
}

// ShellQuote quotes a word for /bin/sh.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellJoin quotes and joins words into a command line.
func ShellJoin(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = ShellQuote(w)
	}
	return strings.Join(quoted, " ")
}
