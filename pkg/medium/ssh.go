package medium

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/keelvcs/keel/internal/logger"
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// LibraryVendorConfig configures the in-process SSH vendor.
type LibraryVendorConfig struct {
	// KnownHostsPath is the host key store. Empty means ~/.ssh/known_hosts.
	KnownHostsPath string

	// IdentityFiles are private key files tried in order after the agent.
	// Empty means ~/.ssh/id_ed25519 and ~/.ssh/id_rsa.
	IdentityFiles []string

	// PasswordPrompt is invoked for interactive password authentication
	// when no password is cached. Nil enables a terminal prompt on stdin
	// when stdin is a tty, otherwise password auth is skipped.
	PasswordPrompt func(prompt string) (string, error)

	// ConnectTimeout bounds the TCP dial and handshake. Zero means no limit.
	ConnectTimeout time.Duration
}

// LibraryVendor performs a full SSH handshake in-process: host key
// verification against the known-hosts store (recording never-seen hosts
// with a warning, refusing mismatches), authentication via agent, identity
// files, or password, then opens either the sftp subsystem or an exec
// channel running a fixed remote command.
type LibraryVendor struct {
	cfg LibraryVendorConfig
}

// NewLibraryVendor creates a library SSH vendor.
func NewLibraryVendor(cfg LibraryVendorConfig) *LibraryVendor {
	return &LibraryVendor{cfg: cfg}
}

// Name implements Vendor.
func (v *LibraryVendor) Name() string { return "lsh" }

// Connect implements Vendor by opening the sftp subsystem.
func (v *LibraryVendor) Connect(creds Credentials, host string, port int) (Conn, error) {
	return v.open(creds, host, port, "sftp", nil)
}

// ConnectAndRun implements Vendor by running the given remote command.
func (v *LibraryVendor) ConnectAndRun(creds Credentials, host string, port int, command []string) (Conn, error) {
	return v.open(creds, host, port, "", command)
}

func (v *LibraryVendor) open(creds Credentials, host string, port int, subsystem string, command []string) (Conn, error) {
	if port <= 0 {
		port = 22
	}
	user := creds.User
	if user == "" {
		user = os.Getenv("USER")
	}

	hostKeyCB, err := v.hostKeyCallback(host, port)
	if err != nil {
		return nil, terrors.NewConnectionError(host, port, err)
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		v.clientConfig(creds, user, host, hostKeyCB))
	if err != nil {
		var mismatch *terrors.TransportError
		if errors.As(err, &mismatch) && mismatch.Code == terrors.ErrHostKeyMismatch {
			return nil, mismatch
		}
		return nil, terrors.NewConnectionError(host, port, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, terrors.NewConnectionError(host, port, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, terrors.NewConnectionError(host, port, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, terrors.NewConnectionError(host, port, err)
	}

	if subsystem != "" {
		err = session.RequestSubsystem(subsystem)
	} else {
		err = session.Start(shellJoin(command))
	}
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, terrors.NewConnectionError(host, port, err)
	}

	return &sshConn{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

// clientConfig assembles the handshake parameters for one connection.
func (v *LibraryVendor) clientConfig(creds Credentials, user, host string, cb ssh.HostKeyCallback) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            v.authMethods(creds, user, host),
		HostKeyCallback: cb,
		Timeout:         v.cfg.ConnectTimeout,
	}
}

// hostKeyCallback verifies server keys against the known-hosts store. A
// mismatched key is fatal; a never-seen host has its key recorded with a
// warning so the next connection verifies it.
func (v *LibraryVendor) hostKeyCallback(host string, port int) (ssh.HostKeyCallback, error) {
	path := v.cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	// The store may not exist yet on a first-ever connection.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
			return nil, mkErr
		}
		if wrErr := os.WriteFile(path, nil, 0600); wrErr != nil {
			return nil, wrErr
		}
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("reading known_hosts %q: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			// Hostname is known but the fingerprint changed. Refuse.
			return terrors.NewHostKeyMismatchError(host, port,
				ssh.FingerprintSHA256(keyErr.Want[0].Key),
				ssh.FingerprintSHA256(key))
		}
		logger.Warn("server host key not in known_hosts, recording it",
			logger.KeyHost, host,
			logger.KeyPort, port,
			"fingerprint", ssh.FingerprintSHA256(key))
		return appendKnownHost(path, hostname, key)
	}, nil
}

// appendKnownHost records a newly seen host key in the known-hosts store.
func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{hostname}, key))
	return err
}

// authMethods assembles the authentication chain: agent keys first, then
// identity files, then password / keyboard-interactive.
func (v *LibraryVendor) authMethods(creds Credentials, user, host string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		} else {
			logger.Debug("ssh agent unreachable", logger.KeyError, err.Error())
		}
	}

	if signers := v.identitySigners(); len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	password := func() (string, error) {
		if creds.Password != "" {
			return creds.Password, nil
		}
		prompt := fmt.Sprintf("%s@%s's password: ", user, host)
		if v.cfg.PasswordPrompt != nil {
			return v.cfg.PasswordPrompt(prompt)
		}
		return terminalPasswordPrompt(prompt)
	}
	methods = append(methods, ssh.PasswordCallback(password))
	methods = append(methods, ssh.KeyboardInteractive(
		func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				pw, err := password()
				if err != nil {
					return nil, err
				}
				answers[i] = pw
			}
			return answers, nil
		}))

	return methods
}

// identitySigners loads the configured (or conventional) private key files.
// Unreadable or encrypted keys are skipped with a debug line; the agent is
// the place for those.
func (v *LibraryVendor) identitySigners() []ssh.Signer {
	files := v.cfg.IdentityFiles
	if len(files) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		files = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	var signers []ssh.Signer
	for _, file := range files {
		pem, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			logger.Debug("skipping unusable identity file",
				logger.KeyPath, file, logger.KeyError, err.Error())
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

// terminalPasswordPrompt reads a password from the controlling terminal
// without echo. Fails when stdin is not a terminal.
func terminalPasswordPrompt(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// shellJoin renders a remote command for the ssh exec channel. Arguments
// with whitespace are single-quoted.
func shellJoin(command []string) string {
	parts := make([]string, len(command))
	for i, arg := range command {
		if strings.ContainsAny(arg, " \t'") {
			parts[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}

// sshConn adapts an SSH session channel to the Conn interface.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sshConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshConn) Close() error {
	_ = c.stdin.Close()
	_ = c.session.Close()
	return c.client.Close()
}
