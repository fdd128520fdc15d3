package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jiocloud/nodeconverge/pkg/providers"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var _ providers.Host = (*Host)(nil)

// Run implements providers.Host. The line runs under /bin/sh on the
// remote side regardless of the login shell.
func (h *Host) Run(ctx context.Context, c providers.Command) (*providers.CommandResult, error) {
	client, _, err := h.clients("execute")
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if c.Stdin != nil {
		session.Stdin = bytes.NewReader(c.Stdin)
	}

	line := remoteLine(c)
	log.Debug().Str("command", c.Line).Str("host", h.config.Host).Msg("executing command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, ctx.Err()
	case runErr = <-done:
	}

	result := &providers.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// remoteLine wraps a command with its working directory and environment.
func remoteLine(c providers.Command) string {
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd " + providers.ShellQuote(c.Dir) + " && ")
	}
	if len(c.Env) > 0 {
		b.WriteString("env " + providers.ShellJoin(c.Env...) + " ")
	}
	b.WriteString("/bin/sh -c " + providers.ShellQuote(c.Line))
	return b.String()
}

// ReadFile implements providers.Host.
func (h *Host) ReadFile(ctx context.Context, name string) ([]byte, error) {
	_, client, err := h.clients("read")
	if err != nil {
		return nil, err
	}

	f, err := client.Open(name)
	if err != nil {
		return nil, notExist("open", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to read %s: %w", name, err), IsTemporary: true}
	}
	return data, nil
}

// WriteFile implements providers.Host. The content is uploaded next to
// the target and renamed into place.
func (h *Host) WriteFile(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	_, client, err := h.clients("write")
	if err != nil {
		return err
	}

	dir := path.Dir(name)
	if err := client.MkdirAll(dir); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(dir, "."+path.Base(name)+".tmp"+strconv.FormatInt(time.Now().UnixNano(), 36))
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to write remote file: %w", err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to write remote file: %w", err), IsTemporary: true}
	}
	if err := client.Chmod(tmp, mode); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to set mode: %w", err)}
	}
	if err := client.PosixRename(tmp, name); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to replace %s: %w", name, err)}
	}

	log.Debug().Str("path", name).Int("bytes", len(data)).Msg("file uploaded")
	return nil
}

// Stat implements providers.Host. Owner and group names come from the
// remote stat(1) so they resolve against the node's user database.
func (h *Host) Stat(ctx context.Context, name string) (*providers.FileInfo, error) {
	res, err := h.Run(ctx, providers.Command{
		Line: "stat -c '%F|%a|%s|%U|%G' -- " + providers.ShellQuote(name),
		Env:  []string{"LC_ALL=C"},
	})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "No such file") {
			return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
		}
		return nil, &TransportError{Op: "stat", Err: fmt.Errorf("stat %s: %s", name, strings.TrimSpace(res.Stderr))}
	}
	return parseStat(name, res.Stdout)
}

// parseStat reads "type|octal mode|size|owner|group".
func parseStat(name, out string) (*providers.FileInfo, error) {
	fields := strings.Split(strings.TrimSpace(out), "|")
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected stat output for %s: %q", name, out)
	}
	mode, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("unexpected mode for %s: %q", name, fields[1])
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected size for %s: %q", name, fields[2])
	}
	return &providers.FileInfo{
		Path:  name,
		IsDir: fields[0] == "directory",
		Mode:  fs.FileMode(mode).Perm(),
		Size:  size,
		Owner: fields[3],
		Group: fields[4],
	}, nil
}

// Remove implements providers.Host.
func (h *Host) Remove(ctx context.Context, name string) error {
	_, client, err := h.clients("remove")
	if err != nil {
		return err
	}
	if err := client.Remove(name); err != nil {
		return notExist("remove", name, err)
	}
	return nil
}

// MkdirAll implements providers.Host. The mode applies to a newly
// created leaf directory.
func (h *Host) MkdirAll(ctx context.Context, name string, mode fs.FileMode) error {
	_, client, err := h.clients("mkdir")
	if err != nil {
		return err
	}

	_, statErr := client.Stat(name)
	if err := client.MkdirAll(name); err != nil {
		return &TransportError{Op: "mkdir", Err: fmt.Errorf("failed to create %s: %w", name, err)}
	}
	if errors.Is(statErr, fs.ErrNotExist) {
		if err := client.Chmod(name, mode); err != nil {
			return &TransportError{Op: "mkdir", Err: fmt.Errorf("failed to set mode: %w", err)}
		}
	}
	return nil
}

// notExist maps SFTP "no such file" errors onto fs.ErrNotExist.
func notExist(op, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return &TransportError{Op: op, Err: fmt.Errorf("%s: %w", name, err)}
}
