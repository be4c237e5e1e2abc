package medium

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// sshFlavor selects the command-line dialect of an external SSH client.
type sshFlavor int

const (
	flavorOpenSSH sshFlavor = iota
	flavorSSHCorp
	flavorPLink
)

func (f sshFlavor) String() string {
	switch f {
	case flavorOpenSSH:
		return "openssh"
	case flavorSSHCorp:
		return "sshcorp"
	case flavorPLink:
		return "plink"
	default:
		return "unknown"
	}
}

// SubprocessVendor shells out to an external ssh-compatible executable and
// uses its stdin/stdout as the duplex channel. Supported dialects: OpenSSH,
// SSH Corporation's client, and PuTTY's plink.
type SubprocessVendor struct {
	flavor sshFlavor
}

// NewOpenSSHVendor returns a vendor driving the OpenSSH client.
func NewOpenSSHVendor() *SubprocessVendor { return &SubprocessVendor{flavor: flavorOpenSSH} }

// NewSSHCorpVendor returns a vendor driving the SSH Corporation client.
func NewSSHCorpVendor() *SubprocessVendor { return &SubprocessVendor{flavor: flavorSSHCorp} }

// NewPLinkVendor returns a vendor driving PuTTY's plink.
func NewPLinkVendor() *SubprocessVendor { return &SubprocessVendor{flavor: flavorPLink} }

// Name implements Vendor.
func (v *SubprocessVendor) Name() string { return v.flavor.String() }

// Connect implements Vendor by requesting the sftp subsystem.
func (v *SubprocessVendor) Connect(creds Credentials, host string, port int) (Conn, error) {
	argv := v.argv(creds.User, host, port, "sftp", nil)
	return v.start(argv, host, port)
}

// ConnectAndRun implements Vendor by running the given remote command.
func (v *SubprocessVendor) ConnectAndRun(creds Credentials, host string, port int, command []string) (Conn, error) {
	argv := v.argv(creds.User, host, port, "", command)
	return v.start(argv, host, port)
}

// argv builds the vendor-specific command line. Exactly one of subsystem
// and command is set.
func (v *SubprocessVendor) argv(user, host string, port int, subsystem string, command []string) []string {
	var args []string
	switch v.flavor {
	case flavorOpenSSH:
		// BatchMode keeps OpenSSH from prompting on the tty we do not own.
		args = []string{"ssh", "-oForwardX11=no", "-oForwardAgent=no",
			"-oClearAllForwardings=yes", "-oNoHostAuthenticationForLocalhost=yes"}
		if port > 0 {
			args = append(args, "-p", strconv.Itoa(port))
		}
		if user != "" {
			args = append(args, "-l", user)
		}
		if subsystem != "" {
			args = append(args, "-s", host, subsystem)
		} else {
			args = append(args, host)
			args = append(args, command...)
		}
	case flavorSSHCorp:
		args = []string{"ssh", "-x"}
		if port > 0 {
			args = append(args, "-p", strconv.Itoa(port))
		}
		if user != "" {
			args = append(args, "-l", user)
		}
		if subsystem != "" {
			args = append(args, "-s", subsystem, host)
		} else {
			args = append(args, host)
			args = append(args, command...)
		}
	case flavorPLink:
		args = []string{"plink", "-x", "-a", "-ssh", "-2", "-batch"}
		if port > 0 {
			args = append(args, "-P", strconv.Itoa(port))
		}
		if user != "" {
			args = append(args, "-l", user)
		}
		if subsystem != "" {
			args = append(args, "-s", host, subsystem)
		} else {
			args = append(args, host)
			args = append(args, command...)
		}
	}
	return args
}

// start launches the subprocess with stdin/stdout piped as the channel.
func (v *SubprocessVendor) start(argv []string, host string, port int) (Conn, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, terrors.NewConnectionError(host, port, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, terrors.NewConnectionError(host, port, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, terrors.NewConnectionError(host, port,
			fmt.Errorf("starting %s: %w", argv[0], err))
	}
	return &subprocessConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// subprocessConn adapts a running ssh subprocess to the Conn interface.
type subprocessConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *subprocessConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *subprocessConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close shuts the pipes and reaps the child. Closing stdin is what tells a
// well-behaved ssh to exit; the wait prevents zombies.
func (c *subprocessConn) Close() error {
	errIn := c.stdin.Close()
	_ = c.stdout.Close()
	if err := c.cmd.Wait(); err != nil {
		// The exit status of ssh after a closed session is noise.
		_ = err
	}
	return errIn
}
