package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pecron-terminal/pkg/pecron"
)

// DefaultMaxEntries bounds the journal; the oldest commands are dropped first.
const DefaultMaxEntries = 500

// CommandRecord is one issued command and what the cloud said about it.
// Credentials and tokens are never part of it.
type CommandRecord struct {
	ID         string                `json:"id"`
	Time       time.Time             `json:"time"`
	UserKey    string                `json:"userKey"` // region_email
	Device     string                `json:"device"`
	ProductKey string                `json:"productKey"`
	DeviceKey  string                `json:"deviceKey"`
	Values     map[string]any        `json:"values"`
	Entries    []pecron.CommandEntry `json:"entries,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Succeeded reports whether the command went out and every code was accepted.
func (r CommandRecord) Succeeded() bool {
	if r.Error != "" || len(r.Entries) == 0 {
		return false
	}
	for _, e := range r.Entries {
		if !e.Success {
			return false
		}
	}
	return true
}

type CommandJournal struct {
	Commands    []CommandRecord `json:"commands"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

type StorageManager struct {
	dataDir    string
	maxEntries int
	mu         sync.Mutex
}

func NewStorageManager(dataDir string) (*StorageManager, error) {
	if dataDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(cwd, ".pecron-data")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	return &StorageManager{
		dataDir:    dataDir,
		maxEntries: DefaultMaxEntries,
	}, nil
}

func (sm *StorageManager) GetDataDir() string {
	return sm.dataDir
}

// SetMaxEntries changes the journal bound; n <= 0 restores the default.
func (sm *StorageManager) SetMaxEntries(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxEntries
	}
	sm.maxEntries = n
}

// UserKey identifies an account in the journal without storing anything secret.
func UserKey(region, email string) string {
	safeEmail := strings.ReplaceAll(strings.ReplaceAll(email, "@", "_at_"), ".", "_")
	return fmt.Sprintf("%s_%s", region, safeEmail)
}

func (sm *StorageManager) getJournalPath() string {
	return filepath.Join(sm.dataDir, "commands.json")
}

func (sm *StorageManager) GetJournal() (*CommandJournal, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.readJournal()
}

func (sm *StorageManager) readJournal() (*CommandJournal, error) {
	data, err := os.ReadFile(sm.getJournalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &CommandJournal{Commands: []CommandRecord{}}, nil
		}
		return nil, err
	}

	var journal CommandJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		return nil, fmt.Errorf("corrupt command journal %s: %w", sm.getJournalPath(), err)
	}
	return &journal, nil
}

func (sm *StorageManager) writeJournal(journal *CommandJournal) error {
	journal.LastUpdated = time.Now()

	data, err := json.MarshalIndent(journal, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.getJournalPath(), data, 0600)
}

// AppendCommand records a command. A missing ID or time is filled in.
func (sm *StorageManager) AppendCommand(rec CommandRecord) (CommandRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	journal, err := sm.readJournal()
	if err != nil {
		return rec, err
	}

	journal.Commands = append(journal.Commands, rec)
	if over := len(journal.Commands) - sm.maxEntries; over > 0 {
		journal.Commands = journal.Commands[over:]
	}

	return rec, sm.writeJournal(journal)
}

// RecordResult journals the outcome of a SetProperties style call.
func (sm *StorageManager) RecordResult(userKey string, d pecron.Device, values map[string]any, res *pecron.CommandResult, cmdErr error) (CommandRecord, error) {
	rec := CommandRecord{
		UserKey:    userKey,
		Device:     d.Name,
		ProductKey: d.ProductKey,
		DeviceKey:  d.DeviceKey,
		Values:     values,
	}
	if res != nil {
		rec.Entries = res.Entries
	}
	if cmdErr != nil {
		rec.Error = cmdErr.Error()
	}
	return sm.AppendCommand(rec)
}

// ListCommands returns the newest commands first. device filters by a
// case-insensitive name fragment; limit <= 0 means all.
func (sm *StorageManager) ListCommands(device string, limit int) ([]CommandRecord, error) {
	journal, err := sm.GetJournal()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(device)
	var out []CommandRecord
	for i := len(journal.Commands) - 1; i >= 0; i-- {
		rec := journal.Commands[i]
		if needle != "" && !strings.Contains(strings.ToLower(rec.Device), needle) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (sm *StorageManager) ClearCommands() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, err := os.Stat(sm.getJournalPath()); err == nil {
		return os.Remove(sm.getJournalPath())
	}
	return nil
}
