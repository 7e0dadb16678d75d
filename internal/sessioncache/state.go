// Package sessioncache persists the vendor session token across restarts so
// the daemon can resume without burning a login. State lives in a local JSON
// file and, optionally, an S3-compatible blob.
package sessioncache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joshp123/eightsleep-golang/eightsleep"
)

const SchemaVersion = 1

var ErrStateNotFound = errors.New("session state not found")

// State is the persisted session record.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	Email         string    `json:"email"`
	UserID        string    `json:"user_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// FromSession builds a persistable record from a live session.
func FromSession(email string, session eightsleep.Session) State {
	return State{
		SchemaVersion: SchemaVersion,
		Email:         email,
		UserID:        session.UserID,
		Token:         session.Token,
		ExpiresAt:     session.Expiry,
	}
}

// Session converts the record back into the library's session type.
func (s State) Session() eightsleep.Session {
	return eightsleep.Session{
		Token:  s.Token,
		Expiry: s.ExpiresAt,
		UserID: s.UserID,
	}
}

func (s State) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", s.SchemaVersion)
	}
	if s.Token == "" {
		return fmt.Errorf("state missing token")
	}
	return nil
}

// ReadState loads the state file. A file readable by group or other is
// refused: it holds a live bearer token.
func ReadState(path string) (State, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("stat state: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return State{}, fmt.Errorf("state file %s has mode %04o, want 0600", path, perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeState(data)
}

func DecodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

func WriteState(path string, state State) error {
	if state.SchemaVersion == 0 {
		state.SchemaVersion = SchemaVersion
	}
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func encodeState(state State) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	return nil
}
