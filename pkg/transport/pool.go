package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const sshPort = "22"

// Config holds the worker-host connection settings
type Config struct {
	User           string
	Key            []byte // PEM private key material
	ConnectTimeout time.Duration
}

// runner is one authenticated shell to a worker host
type runner interface {
	run(cmd string) (string, error)
	upload(dir, name string, content []byte) error
	download(remotePath, localPath string) error
	close() error
}

type openFunc func(ip string, timeout time.Duration) (runner, error)

// Pool maintains long-lived SSH sessions to worker hosts, keyed by ip and
// reused across scheduler ticks
type Pool struct {
	cfg      Config
	registry *engine.Registry
	open     openFunc
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]runner
}

// NewPool builds a pool from the remote credentials. The private key is
// parsed eagerly so a bad key fails at startup, not mid-tick.
func NewPool(cfg Config, registry *engine.Registry) (*Pool, error) {
	signer, err := ssh.ParsePrivateKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := func(timeout time.Duration) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		}
	}

	return &Pool{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithComponent("transport"),
		conns:    make(map[string]runner),
		open: func(ip string, timeout time.Duration) (runner, error) {
			client, err := ssh.Dial("tcp", net.JoinHostPort(ip, sshPort), clientConfig(timeout))
			if err != nil {
				return nil, err
			}
			return &sshRunner{client: client}, nil
		},
	}, nil
}

// Reconcile closes sessions for ips no longer desired and opens sessions for
// newly-desired ips. A host that refuses the connection still enters the pool
// as a broken entry; its operations fail until the next reconcile retries it.
func (p *Pool) Reconcile(desired []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[string]bool, len(desired))
	for _, ip := range desired {
		want[ip] = true
	}

	for ip, conn := range p.conns {
		if !want[ip] {
			if err := conn.close(); err != nil {
				p.logger.Debug().Err(err).Str("node", ip).Msg("Error closing session")
			}
			delete(p.conns, ip)
		}
	}

	for ip := range want {
		if existing, ok := p.conns[ip]; ok {
			if _, broken := existing.(*deadRunner); !broken {
				continue
			}
		}
		conn, err := p.open(ip, p.cfg.ConnectTimeout)
		if err != nil {
			p.logger.Error().Err(err).Str("node", ip).Msg("Failed to connect to node")
			p.conns[ip] = &deadRunner{err: err}
			continue
		}
		p.conns[ip] = conn
	}

	if len(p.conns) == 0 {
		p.logger.Warn().Msg("No nodes to watch")
	} else {
		p.logger.Info().Strs("nodes", p.ipsLocked()).Msg("Nodes to watch")
	}
}

// IPs returns the pooled node addresses in sorted order
func (p *Pool) IPs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ipsLocked()
}

func (p *Pool) ipsLocked() []string {
	ips := make([]string, 0, len(p.conns))
	for ip := range p.conns {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func (p *Pool) runner(ip string) (runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[ip]
	if !ok {
		return nil, fmt.Errorf("node %s is not in the transport pool", ip)
	}
	return conn, nil
}

// StageAndSpawn creates the task's remote folder, writes each declared input
// file from metadata into it, and launches the engine's spawn command
// detached, so the session returns while the job keeps running. The caller
// must have verified the host is idle first.
func (p *Pool) StageAndSpawn(ip string, ncpus int, eng types.Engine, metadata map[string]string) error {
	conn, err := p.runner(ip)
	if err != nil {
		return err
	}

	folder := metadata[types.MetaRemoteFolder]
	if folder == "" {
		return fmt.Errorf("task metadata carries no remote folder")
	}

	if _, err := conn.run("mkdir -p " + folder); err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Failed to create remote folder")
		return fmt.Errorf("failed to create %s on %s: %w", folder, ip, err)
	}

	for _, inputFile := range eng.InputFiles {
		if err := conn.upload(folder, inputFile, []byte(metadata[inputFile])); err != nil {
			p.logger.Error().Err(err).Str("node", ip).Str("file", inputFile).Msg("Failed to stage input file")
			return fmt.Errorf("failed to stage %s on %s: %w", inputFile, ip, err)
		}
	}

	spawn := engine.SpawnCommand(eng, folder, ncpus)
	p.logger.Debug().Str("node", ip).Str("cmd", spawn).Msg("Spawning")

	if _, err := conn.run(detach(spawn)); err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Spawn command failed")
		return fmt.Errorf("failed to spawn on %s: %w", ip, err)
	}
	return nil
}

// IsTaskLive runs the aggregate probe on the host and reports whether any
// engine's run marker appears. A transport failure is logged and treated as
// "not live", which can trigger a spurious harvest; the durable store limits
// the damage to that one task.
func (p *Pool) IsTaskLive(ip string) bool {
	conn, err := p.runner(ip)
	if err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Active task refers to a node absent from the pool")
		return false
	}

	out, err := conn.run(p.registry.AggregateCheckCmd())
	if err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Liveness probe failed")
		return false
	}

	_, live := p.registry.RunningEngine(out)
	return live
}

// Admit opens a one-shot session with a short connect timeout and probes the
// host. It returns true iff the host is reachable and no engine is running,
// so a busy or unreachable host is never accepted into service.
func (p *Pool) Admit(ip string) bool {
	conn, err := p.open(ip, p.cfg.ConnectTimeout)
	if err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Node is unreachable")
		return false
	}
	defer conn.close()

	out, err := conn.run(p.registry.AggregateCheckCmd())
	if err != nil {
		p.logger.Error().Err(err).Str("node", ip).Msg("Admission probe failed")
		return false
	}

	if name, live := p.registry.RunningEngine(out); live {
		p.logger.Error().Str("node", ip).Str("engine", name).Msg("Cannot admit a busy node")
		return false
	}
	return true
}

// FetchOutputs copies each declared output file from the task's remote folder
// into localFolder. Individual file errors are logged and skipped; a
// connection timeout aborts the remaining files. When remove is set the
// remote folder is deleted afterwards.
func (p *Pool) FetchOutputs(ip string, eng types.Engine, remoteFolder, localFolder string, remove bool) error {
	conn, err := p.runner(ip)
	if err != nil {
		return err
	}

	for _, outputFile := range eng.OutputFiles {
		src := path.Join(remoteFolder, outputFile)
		dst := filepath.Join(localFolder, outputFile)
		if err := conn.download(src, dst); err != nil {
			p.logger.Error().Err(err).Str("node", ip).Str("file", src).Msg("Failed to fetch output file")
			if isTimeout(err) {
				break
			}
		}
	}

	if remove {
		if _, err := conn.run("rm -rf " + remoteFolder); err != nil {
			p.logger.Error().Err(err).Str("node", ip).Str("folder", remoteFolder).Msg("Failed to remove remote folder")
		}
	}
	return nil
}

// Close closes every pooled session
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, conn := range p.conns {
		if err := conn.close(); err != nil {
			p.logger.Debug().Err(err).Str("node", ip).Msg("Error closing session")
		}
		delete(p.conns, ip)
	}
}

// detach wraps a spawn command so the remote shell backgrounds it and the
// session returns immediately
func detach(cmd string) string {
	return fmt.Sprintf("nohup sh -c %s >/dev/null 2>&1 &", shellQuote(cmd))
}

// shellQuote single-quotes a string for sh, escaping embedded quotes
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isTimeout(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "connection timed out")
}

// sshRunner backs a pool entry with a live SSH client
type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) run(cmd string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

func (r *sshRunner) upload(dir, name string, content []byte) error {
	client, err := sftp.NewClient(r.client)
	if err != nil {
		return err
	}
	defer client.Close()

	f, err := client.Create(path.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(content)
	return err
}

func (r *sshRunner) download(remotePath, localPath string) error {
	client, err := sftp.NewClient(r.client)
	if err != nil {
		return err
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (r *sshRunner) close() error {
	return r.client.Close()
}

// deadRunner holds the connect error for a node that failed reconcile, so
// later operations fail loudly instead of panicking on a missing entry
type deadRunner struct {
	err error
}

func (r *deadRunner) run(string) (string, error)          { return "", r.err }
func (r *deadRunner) upload(string, string, []byte) error { return r.err }
func (r *deadRunner) download(string, string) error       { return r.err }
func (r *deadRunner) close() error                        { return nil }
