// Package supervisor owns process-level bookkeeping: port negotiation, the
// identity file that makes a live daemon discoverable, scheduled backups,
// and graceful shutdown ordering.
package supervisor

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kgraph-dev/kgraph/internal/config"
)

// portProbeLimit bounds how far above the preferred port negotiation walks.
const portProbeLimit = 100

// Identity is the on-disk record of a live daemon: the out-of-band discovery
// mechanism for sibling processes and the CLI's status/stop commands.
type Identity struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	InstanceID    string `json:"instance_id"`
	PID           int    `json:"pid"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	InDocker      bool   `json:"in_docker"`
	ContainerName string `json:"container_name,omitempty"`
	DatabasePath  string `json:"database_path"`
	StartedAt     string `json:"started_at"`
}

// Supervisor carries the runtime bookkeeping for one daemon.
type Supervisor struct {
	cfg      config.Config
	version  string
	identity Identity
}

// New creates a supervisor for the given configuration.
func New(cfg config.Config, version string) *Supervisor {
	return &Supervisor{cfg: cfg, version: version}
}

// NegotiatePort binds the preferred port, probing successive ports when it
// is taken, and returns the listener with the port actually bound.
func (s *Supervisor) NegotiatePort() (net.Listener, int, error) {
	return negotiatePort(s.cfg.Host, s.cfg.Port)
}

func negotiatePort(host string, preferred int) (net.Listener, int, error) {
	for port := preferred; port < preferred+portProbeLimit; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			if port != preferred {
				log.Printf("port %d in use, bound %d instead", preferred, port)
			}
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("supervisor: no free port in %d..%d", preferred, preferred+portProbeLimit-1)
}

// WriteIdentity persists the identity file for the bound port. A leftover
// file from a dead process is replaced; one from a live process is replaced
// as well, with a warning, since two daemons may share a base directory.
func (s *Supervisor) WriteIdentity(port int) error {
	path := s.cfg.IdentityPath()
	if old, err := ReadIdentity(path); err == nil {
		if pidAlive(old.PID) && old.PID != os.Getpid() {
			log.Printf("WARNING: identity file %s belongs to live pid %d, overwriting with this daemon", path, old.PID)
		}
	}

	s.identity = Identity{
		Name:         s.cfg.Name,
		Version:      s.version,
		InstanceID:   uuid.NewString(),
		PID:          os.Getpid(),
		Host:         s.cfg.Host,
		Port:         port,
		InDocker:     s.cfg.InDocker,
		DatabasePath: s.cfg.DatabasePath,
		StartedAt:    nowUTC(),
	}
	if s.cfg.InDocker {
		s.identity.ContainerName = config.ContainerName()
	}

	raw, err := json.MarshalIndent(s.identity, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// Identity returns the record written by WriteIdentity.
func (s *Supervisor) Identity() Identity {
	return s.identity
}

// RemoveIdentity deletes the identity file if it still belongs to this
// process.
func (s *Supervisor) RemoveIdentity() {
	path := s.cfg.IdentityPath()
	old, err := ReadIdentity(path)
	if err == nil && old.PID != os.Getpid() {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: remove identity file: %v", err)
	}
}

// CleanupStale removes an identity file whose recorded pid is no longer
// alive. Called on startup before negotiation.
func (s *Supervisor) CleanupStale() {
	path := s.cfg.IdentityPath()
	old, err := ReadIdentity(path)
	if err != nil {
		return
	}
	if !pidAlive(old.PID) {
		log.Printf("removing stale identity file for dead pid %d", old.PID)
		_ = os.Remove(path)
	}
}

// ReadIdentity loads an identity file.
func ReadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("supervisor: parse %s: %w", path, err)
	}
	return &id, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
