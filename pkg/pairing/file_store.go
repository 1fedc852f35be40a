package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps pairing state in two JSON files under a directory. Writes
// go through a temp file and rename; reads pick up changes made by other
// processes by comparing modification times.
type FileStore struct {
	mu sync.Mutex

	pendingPath  string
	approvedPath string

	pending  map[string]Request
	approved map[string]Approval

	pendingModTime  time.Time
	approvedModTime time.Time
}

type pendingFile struct {
	Requests []Request `json:"requests"`
}

type approvedFile struct {
	Entries []Approval `json:"entries"`
}

// NewFileStore opens (or lazily creates) the file store in dir.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("pairing directory is required")
	}
	s := &FileStore{
		pendingPath:  filepath.Join(dir, "pending.json"),
		approvedPath: filepath.Join(dir, "approved.json"),
		pending:      make(map[string]Request),
		approved:     make(map[string]Approval),
	}
	if err := s.loadPending(); err != nil {
		return nil, err
	}
	if err := s.loadApproved(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Pending(_ context.Context, channel string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make([]Request, 0, len(s.pending))
	for _, req := range s.pending {
		if channel == "" || req.Channel == channel {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func (s *FileStore) PutPending(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	req.Code = normalizeCode(req.Code)
	s.pending[peerKey(req.Channel, req.PeerID)] = req
	return s.savePendingLocked()
}

func (s *FileStore) TakePending(_ context.Context, channel, code string) (Request, error) {
	code = normalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	for key, req := range s.pending {
		if req.Channel == channel && req.Code == code {
			delete(s.pending, key)
			if err := s.savePendingLocked(); err != nil {
				return Request{}, err
			}
			return req, nil
		}
	}
	return Request{}, ErrRequestNotFound
}

func (s *FileStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	removed := 0
	for key, req := range s.pending {
		if req.Expired(now) {
			delete(s.pending, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.savePendingLocked()
}

func (s *FileStore) Approve(_ context.Context, approval Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	s.approved[peerKey(approval.Channel, approval.PeerID)] = approval
	return s.saveApprovedLocked()
}

func (s *FileStore) Approved(_ context.Context, channel string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make([]Approval, 0, len(s.approved))
	for _, entry := range s.approved {
		if channel == "" || entry.Channel == channel {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

func (s *FileStore) IsApproved(_ context.Context, channel, peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	_, ok := s.approved[peerKey(channel, peerID)]
	return ok, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) refreshLocked() {
	if info, err := os.Stat(s.pendingPath); err == nil && info.ModTime().After(s.pendingModTime) {
		_ = s.loadPending()
	}
	if info, err := os.Stat(s.approvedPath); err == nil && info.ModTime().After(s.approvedModTime) {
		_ = s.loadApproved()
	}
}

func (s *FileStore) loadPending() error {
	var file pendingFile
	modTime, err := readJSONFile(s.pendingPath, &file)
	if err != nil {
		return fmt.Errorf("failed to load pending pairing file: %w", err)
	}
	s.pending = make(map[string]Request, len(file.Requests))
	for _, req := range file.Requests {
		req.Code = normalizeCode(req.Code)
		if strings.TrimSpace(req.PeerID) == "" || req.Code == "" {
			continue
		}
		s.pending[peerKey(req.Channel, req.PeerID)] = req
	}
	s.pendingModTime = modTime
	return nil
}

func (s *FileStore) loadApproved() error {
	var file approvedFile
	modTime, err := readJSONFile(s.approvedPath, &file)
	if err != nil {
		return fmt.Errorf("failed to load approved pairing file: %w", err)
	}
	s.approved = make(map[string]Approval, len(file.Entries))
	for _, entry := range file.Entries {
		if strings.TrimSpace(entry.PeerID) == "" {
			continue
		}
		s.approved[peerKey(entry.Channel, entry.PeerID)] = entry
	}
	s.approvedModTime = modTime
	return nil
}

func (s *FileStore) savePendingLocked() error {
	file := pendingFile{Requests: make([]Request, 0, len(s.pending))}
	for _, req := range s.pending {
		file.Requests = append(file.Requests, req)
	}
	sortRequests(file.Requests)
	modTime, err := writeJSONFile(s.pendingPath, file)
	if err != nil {
		return err
	}
	s.pendingModTime = modTime
	return nil
}

func (s *FileStore) saveApprovedLocked() error {
	file := approvedFile{Entries: make([]Approval, 0, len(s.approved))}
	for _, entry := range s.approved {
		file.Entries = append(file.Entries, entry)
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].AddedAt.Before(file.Entries[j].AddedAt)
	})
	modTime, err := writeJSONFile(s.approvedPath, file)
	if err != nil {
		return err
	}
	s.approvedModTime = modTime
	return nil
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}

// readJSONFile decodes path into v. A missing file leaves v untouched.
func readJSONFile(path string, v interface{}) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func writeJSONFile(path string, payload interface{}) (time.Time, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return time.Time{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return time.Time{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
