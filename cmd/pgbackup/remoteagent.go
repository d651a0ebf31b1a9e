package main

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/pgbackup/pgbackup/internal/agent"
	"github.com/pgbackup/pgbackup/internal/config"
)

// dialRemoteAgent implements §4.K's "local or via agent" source selection:
// when the instance config names a remote-host, dial it over SSH --
// authenticating through the local ssh-agent, the same credential source
// an interactive ssh(1) invocation uses -- and start "<remote-path> --agent"
// on the far end, returning a Client wired to its stdio pipes. A nil Client
// (and nil error) means the data directory is local.
func dialRemoteAgent(cfg config.Config) (*agent.Client, error) {
	if cfg.RemoteHost == "" {
		return nil, nil
	}
	signer, err := sshAgentSigner()
	if err != nil {
		return nil, fmt.Errorf("remote agent: %w", err)
	}
	tr, err := agent.DialSSH(agent.SSHConfig{
		Addr:      addrWithDefaultPort(cfg.RemoteHost, "22"),
		User:      cfg.RemoteUser,
		Signer:    signer,
		HostKeyCB: ssh.InsecureIgnoreHostKey(), // no known_hosts plumbing in this build; see DESIGN.md
		AgentPath: cfg.RemotePath,
	})
	if err != nil {
		return nil, fmt.Errorf("remote agent: dial %s: %w", cfg.RemoteHost, err)
	}
	client := agent.NewClient(tr)
	if _, err := client.Version(); err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("remote agent: version handshake: %w", err)
	}
	return client, nil
}

// sshAgentSigner picks the first identity loaded in the local ssh-agent
// (SSH_AUTH_SOCK), mirroring how an interactive ssh(1) authenticates
// without this build plumbing its own private-key flags.
func sshAgentSigner() (ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set; start ssh-agent and load a key")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dialing ssh-agent: %w", err)
	}
	signers, err := sshagent.NewClient(conn).Signers()
	if err != nil {
		return nil, fmt.Errorf("listing ssh-agent identities: %w", err)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("ssh-agent has no identities loaded")
	}
	return signers[0], nil
}

func addrWithDefaultPort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}
