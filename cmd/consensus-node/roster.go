package main

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/platform"
	"github.com/hgnode/consensus-node/pkg/roster"
)

// rosterFile is the on-disk JSON shape for a roster snapshot. CertFile is resolved relative to the roster file's own
// directory so a roster and its member certificates travel together.
type rosterFile struct {
	Round   uint64 `json:"round"`
	Members []struct {
		NodeID   string `json:"node_id"`
		Weight   uint64 `json:"weight"`
		Endpoint string `json:"endpoint"`
		CertFile string `json:"cert_file"`
	} `json:"members"`
}

// defaultRosterPath returns <datadir>/roster/roster.json, the location
// Config.InitDataDir prepares for roster state.
func defaultRosterPath(cfg *platform.Config) string {
	return cfg.ResolvePath(filepath.Join("roster", "roster.json"))
}

// loadRoster reads and validates a roster snapshot from path.
func loadRoster(path string) (*roster.Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	var rf rosterFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("roster: decode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	members := make([]roster.Member, 0, len(rf.Members))
	for _, m := range rf.Members {
		id, err := uuid.Parse(m.NodeID)
		if err != nil {
			return nil, fmt.Errorf("roster: invalid node_id %q: %w", m.NodeID, err)
		}
		var cert *x509.Certificate
		if m.CertFile != "" {
			certPath := m.CertFile
			if !filepath.IsAbs(certPath) {
				certPath = filepath.Join(dir, certPath)
			}
			certPEM, err := os.ReadFile(certPath)
			if err != nil {
				return nil, fmt.Errorf("roster: read cert for %s: %w", m.NodeID, err)
			}
			cert, err = decodeCertPEM(certPEM)
			if err != nil {
				return nil, fmt.Errorf("roster: parse cert for %s: %w", m.NodeID, err)
			}
		}
		members = append(members, roster.Member{
			NodeID:      id,
			Weight:      m.Weight,
			SigningCert: cert,
			Endpoint:    m.Endpoint,
		})
	}

	return roster.New(rf.Round, members)
}
