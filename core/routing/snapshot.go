package routing

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jayian1890/dhthunter/core/bencode"
	"github.com/jayian1890/dhthunter/core/common"
)

// maxSnapshotAge drops persisted nodes not seen within this window.
const maxSnapshotAge = 24 * time.Hour

// Save writes a bencoded snapshot of the table atomically:
// {"own_id": 20B, "nodes": [{"id", "ip", "port", "last_seen"}, ...]}.
func (t *Table) Save(path string) error {
	t.mu.Lock()
	root := bencode.Dict()
	root.Set("own_id", bencode.String(t.ownID[:]))
	nodes := bencode.List()
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			entry := bencode.Dict()
			entry.Set("id", bencode.String(n.ID[:]))
			entry.Set("ip", bencode.Str(n.Endpoint.IP.String()))
			entry.Set("port", bencode.Integer(int64(n.Endpoint.Port)))
			entry.Set("last_seen", bencode.Integer(n.LastSeen.Unix()))
			nodes.Append(entry)
		}
	}
	root.Set("nodes", nodes)
	encoded := bencode.Encode(root)
	t.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot open: %w", err)
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot rename: %w", err)
	}
	return nil
}

// Load restores nodes from a snapshot written by Save. A schema mismatch is
// reported without touching the file. Entries older than a day, and
// snapshots taken under a different own id, are skipped.
func (t *Table) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	root, err := bencode.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("snapshot schema: %w", err)
	}
	ownBytes, ok := root.GetBytes("own_id")
	if !ok || len(ownBytes) != common.IDLength {
		return 0, fmt.Errorf("snapshot schema: missing own_id")
	}
	entries, ok := root.GetList("nodes")
	if !ok {
		return 0, fmt.Errorf("snapshot schema: missing nodes")
	}

	ownID, _ := common.NodeIDFromBytes(ownBytes)
	if ownID != t.ownID {
		t.logger.Warn("snapshot belongs to a different identity, ignoring",
			"snapshot_id", ownID.Short())
		return 0, nil
	}

	now := t.clk.Now()
	loaded := 0
	for _, e := range entries {
		idBytes, ok := e.GetBytes("id")
		if !ok {
			return loaded, fmt.Errorf("snapshot schema: node entry missing id")
		}
		id, err := common.NodeIDFromBytes(idBytes)
		if err != nil {
			return loaded, fmt.Errorf("snapshot schema: %w", err)
		}
		ipStr, ok := e.GetString("ip")
		if !ok {
			return loaded, fmt.Errorf("snapshot schema: node entry missing ip")
		}
		port, ok := e.GetInt("port")
		if !ok || port <= 0 || port > 65535 {
			return loaded, fmt.Errorf("snapshot schema: node entry bad port")
		}
		lastSeen, ok := e.GetInt("last_seen")
		if !ok {
			return loaded, fmt.Errorf("snapshot schema: node entry missing last_seen")
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return loaded, fmt.Errorf("snapshot schema: node entry bad ip %q", ipStr)
		}
		seen := time.Unix(lastSeen, 0)
		if now.Sub(seen) > maxSnapshotAge {
			continue
		}
		t.Observe(common.Contact{
			ID:       id,
			Endpoint: common.Endpoint{IP: ip, Port: uint16(port)},
		}, common.ObserveLookupCandidate, 0)
		loaded++
	}
	t.MarkClean()
	return loaded, nil
}
