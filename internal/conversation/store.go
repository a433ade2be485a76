package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store owns the durable conversation logs: one JSON file per
// conversation id, append-only, persisted synchronously. Appends to
// different conversations proceed in parallel; appends to the same
// conversation serialize on a per-key lock so the read-modify-write of
// the full log can never lose an update.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create conversation storage directory %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Append adds one message to the log for conversationID, creating the
// log on first use. The write hits disk before Append returns;
// durability matters more than throughput on a low-volume radio link.
func (s *Store) Append(conversationID string, role Role, content, userName, nodeID string) error {
	lock := s.keyLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	history := s.loadLocked(conversationID)

	msg := NewMessage(role, content, s.now())
	if role == RoleUser {
		msg.UserName = userName
		msg.NodeID = nodeID
	}
	history = append(history, msg)

	if err := s.saveLocked(conversationID, history); err != nil {
		return err
	}
	return nil
}

// Load returns the full ordered log, or an empty slice when none
// exists. I/O and corruption problems are logged and degrade to empty
// history; losing context is less harmful than refusing to chat.
func (s *Store) Load(conversationID string) []Message {
	lock := s.keyLock(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(conversationID)
}

func (s *Store) loadLocked(conversationID string) []Message {
	path := s.filePath(conversationID)
	data, err := os.ReadFile(path) // #nosec G304 - path derives from sanitized id under the configured dir
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to read conversation log",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return []Message{}
	}

	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.Error("corrupt conversation log, starting empty",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return []Message{}
	}
	return history
}

func (s *Store) saveLocked(conversationID string, history []Message) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", conversationID, err)
	}

	path := s.filePath(conversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write conversation %s: %w", conversationID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save conversation %s: %w", conversationID, err)
	}
	return nil
}

// keyLock returns the mutex serializing writers of one conversation.
func (s *Store) keyLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

// filePath derives the on-disk file name: non-alphanumeric characters
// other than '_' and '-' are stripped from the id.
func (s *Store) filePath(conversationID string) string {
	var b strings.Builder
	for _, r := range conversationID {
		if r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "unknown_conversation"
	}
	return filepath.Join(s.dir, safe+".json")
}
