// Package filestore adapts the teacher's FileStore (file_store.go) from a
// single client's own session cache into a broker-wide persistence.Store:
// one directory per client id holding its subscriptions/will/offline queue,
// plus a shared directory of JSON-encoded retained messages.
//
// Like the teacher's FileStore, every operation is synchronous and blocks
// until the write lands; there is no write-behind batching.
package filestore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gonzalop/broker/ascoltatore"
	"github.com/gonzalop/broker/packet"
	"github.com/gonzalop/broker/persistence"
)

// Store implements persistence.Store using JSON files on disk.
type Store struct {
	dir         string
	permissions os.FileMode
}

// Option configures a Store, mirroring the teacher's FileStoreOption.
type Option func(*Store)

// WithPermissions sets the file permissions new files are created with.
// Default is 0644, matching the teacher's FileStore default.
func WithPermissions(perm os.FileMode) Option {
	return func(s *Store) { s.permissions = perm }
}

var _ persistence.Store = (*Store)(nil)

// New creates a Store rooted at baseDir, creating it if necessary.
func New(baseDir string, opts ...Option) (*Store, error) {
	s := &Store{dir: baseDir, permissions: 0644}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "retained"), s.permissions|0111); err != nil {
		return nil, fmt.Errorf("filestore: create retained dir: %w", err)
	}
	return s, nil
}

func (s *Store) clientDir(clientID string) (string, error) {
	if clientID == "" || strings.Contains(clientID, "..") || strings.ContainsRune(clientID, filepath.Separator) {
		return "", fmt.Errorf("filestore: invalid client id %q", clientID)
	}
	dir := filepath.Join(s.dir, "clients", clientID)
	if err := os.MkdirAll(dir, s.permissions|0111); err != nil {
		return "", fmt.Errorf("filestore: create client dir: %w", err)
	}
	return dir, nil
}

func (s *Store) SaveSubscriptions(clientID string, subs []persistence.StoredSubscription) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("filestore: marshal subscriptions: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "subscriptions.json"), data, s.permissions)
}

func (s *Store) LoadSubscriptions(clientID string) ([]persistence.StoredSubscription, error) {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "subscriptions.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read subscriptions: %w", err)
	}
	var subs []persistence.StoredSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) ClearSubscriptions(clientID string) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "subscriptions.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) SaveWill(clientID string, will *packet.Will) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("filestore: marshal will: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "will.json"), data, s.permissions)
}

func (s *Store) ClearWill(clientID string) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "will.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) QueueOffline(clientID string, pkt persistence.OfflinePacket) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("filestore: marshal offline packet: %w", err)
	}
	offlineDir := filepath.Join(dir, "offline")
	if err := os.MkdirAll(offlineDir, s.permissions|0111); err != nil {
		return fmt.Errorf("filestore: create offline dir: %w", err)
	}
	path := filepath.Join(offlineDir, fmt.Sprintf("%d.json", pkt.OriginalID))
	return os.WriteFile(path, data, s.permissions)
}

func (s *Store) ReplayOffline(clientID string) ([]persistence.OfflinePacket, error) {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return nil, err
	}
	offlineDir := filepath.Join(dir, "offline")
	files, err := filepath.Glob(filepath.Join(offlineDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("filestore: list offline packets: %w", err)
	}

	var out []persistence.OfflinePacket
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue // skip unreadable entries, mirroring the teacher's best-effort load
		}
		var pkt persistence.OfflinePacket
		if err := json.Unmarshal(data, &pkt); err != nil {
			continue
		}
		out = append(out, pkt)
		os.Remove(file) // ReplayOffline drains the queue
	}
	return out, nil
}

func (s *Store) ClearOffline(clientID string) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	offlineDir := filepath.Join(dir, "offline")
	files, err := filepath.Glob(filepath.Join(offlineDir, "*.json"))
	if err != nil {
		return fmt.Errorf("filestore: list offline packets: %w", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filestore: remove offline packet: %w", err)
		}
	}
	return nil
}

func (s *Store) UpdateOfflinePacket(clientID string, originalID, newID uint16) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	offlineDir := filepath.Join(dir, "offline")
	oldPath := filepath.Join(offlineDir, fmt.Sprintf("%d.json", originalID))

	data, err := os.ReadFile(oldPath)
	if os.IsNotExist(err) {
		return nil // already replayed or deleted
	}
	if err != nil {
		return fmt.Errorf("filestore: read offline packet: %w", err)
	}

	var pkt persistence.OfflinePacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		return fmt.Errorf("filestore: unmarshal offline packet: %w", err)
	}
	pkt.OriginalID = newID

	newData, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("filestore: marshal offline packet: %w", err)
	}
	if err := os.WriteFile(filepath.Join(offlineDir, fmt.Sprintf("%d.json", newID)), newData, s.permissions); err != nil {
		return fmt.Errorf("filestore: write offline packet: %w", err)
	}
	if newID != originalID {
		os.Remove(oldPath)
	}
	return nil
}

func (s *Store) DeleteOfflinePacket(clientID string, messageID uint16) error {
	dir, err := s.clientDir(clientID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "offline", fmt.Sprintf("%d.json", messageID))
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// retainedPath maps a topic to a filesystem-safe filename: base64 avoids
// both slashes in the topic and any directory-traversal surprise, the way
// clientDir guards against a hostile client id.
func (s *Store) retainedPath(topic string) string {
	name := base64.URLEncoding.EncodeToString([]byte(topic))
	return filepath.Join(s.dir, "retained", name+".json")
}

func (s *Store) StoreRetained(pkt *packet.Publish) error {
	path := s.retainedPath(pkt.Topic)
	if len(pkt.Payload) == 0 {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("filestore: marshal retained: %w", err)
	}
	return os.WriteFile(path, data, s.permissions)
}

func (s *Store) Clients() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "clients"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list clients: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *Store) MatchRetained(filter string) ([]*packet.Publish, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "retained", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("filestore: list retained: %w", err)
	}

	var out []*packet.Publish
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var pub packet.Publish
		if err := json.Unmarshal(data, &pub); err != nil {
			continue
		}
		if ascoltatore.MatchTopic(filter, pub.Topic) {
			out = append(out, &pub)
		}
	}
	return out, nil
}
