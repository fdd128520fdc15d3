package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Host converges a remote node. It implements providers.Host: commands
// run in SSH sessions, file content moves over SFTP.
type Host struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stop        chan struct{}
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host        string
	Port        int
	User        string
	ConnectedAt time.Time
}

// NewHost creates a remote host. Connect must be called before use.
func NewHost(config *Config) (*Host, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Host{config: config}, nil
}

// Dial creates a remote host from a target URL and connects it.
func Dial(ctx context.Context, target string) (*Host, error) {
	config, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	h, err := NewHost(config)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Connect establishes the SSH connection and the SFTP channel.
func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		if err := h.healthCheckLocked(); err == nil {
			return nil
		}
		log.Warn().Str("address", h.config.Address()).Msg("existing connection is dead, reconnecting")
		h.closeLocked()
	}

	clientConfig, err := h.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := h.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: h.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	client := ssh.NewClient(ncc, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}

	h.client = client
	h.sftp = sftpClient
	h.connectedAt = time.Now()
	h.stop = make(chan struct{})

	if h.config.KeepAliveInterval > 0 {
		go h.keepAlive(client, h.stop)
	}

	log.Info().Str("address", address).Str("user", h.config.User).Msg("SSH connection established")
	return nil
}

// Close tears down the SFTP channel and the SSH connection.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *Host) closeLocked() error {
	if h.client == nil {
		return nil
	}
	log.Debug().Str("host", h.config.Host).Msg("closing SSH connection")

	close(h.stop)
	if h.sftp != nil {
		_ = h.sftp.Close()
	}
	err := h.client.Close()
	h.client = nil
	h.sftp = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the host has an active connection.
func (h *Host) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (h *Host) HealthCheck(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return h.healthCheckLocked()
}

func (h *Host) healthCheckLocked() error {
	session, err := h.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// ConnectionInfo returns information about the current connection.
func (h *Host) ConnectionInfo() ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ConnectionInfo{
		Host:        h.config.Host,
		Port:        h.config.Port,
		User:        h.config.User,
		ConnectedAt: h.connectedAt,
	}
}

func (h *Host) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(h.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= h.config.MaxKeepAliveRetries {
				log.Error().Str("host", h.config.Host).Msg("keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
	}
}

// clients returns the live SSH and SFTP clients.
func (h *Host) clients(op string) (*ssh.Client, *sftp.Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return nil, nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	return h.client, h.sftp, nil
}
