package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/joshp123/eightsleep-golang/eightsleep"
)

// Manager resolves the persisted session at startup and mirrors every
// refreshed session back to the local file and, when configured, the blob
// store. It satisfies eightsleep.SessionSaver.
type Manager struct {
	path  string
	email string
	blob  BlobStore
}

// NewManager tracks state for one account at the given file path. blob may
// be nil.
func NewManager(path, email string, blob BlobStore) *Manager {
	return &Manager{path: path, email: email, blob: blob}
}

// Resolve returns the cached session state, preferring the local file over
// the blob. A cached state for a different account is discarded, as is a
// missing or empty cache; both return (nil, nil).
func (m *Manager) Resolve(ctx context.Context) (*State, error) {
	state, err := ReadState(m.path)
	switch {
	case err == nil:
		if !m.matchesAccount(state) {
			log.Printf("sessioncache: state file is for %s, ignoring", state.Email)
			return nil, nil
		}
		cacheHit.WithLabelValues("file").Inc()
		return &state, nil
	case !errors.Is(err, ErrStateNotFound):
		return nil, err
	}

	if m.blob == nil {
		return nil, nil
	}
	data, err := m.blob.Load(ctx)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session blob: %w", err)
	}
	state, err = DecodeState(data)
	if err != nil {
		return nil, err
	}
	if !m.matchesAccount(state) {
		log.Printf("sessioncache: blob state is for %s, ignoring", state.Email)
		return nil, nil
	}
	cacheHit.WithLabelValues("blob").Inc()

	// Seed the local file so the next start does not need the blob.
	if err := WriteState(m.path, state); err != nil {
		log.Printf("sessioncache: seed state file: %v", err)
	}
	return &state, nil
}

func (m *Manager) matchesAccount(state State) bool {
	return state.Email == "" || strings.EqualFold(state.Email, m.email)
}

// SaveSession persists a refreshed session to every configured target. The
// first failure is returned but the remaining targets are still attempted.
func (m *Manager) SaveSession(ctx context.Context, session eightsleep.Session) error {
	state := FromSession(m.email, session)

	var firstErr error
	if err := WriteState(m.path, state); err != nil {
		persistFailure.WithLabelValues("file").Inc()
		firstErr = err
	}

	if m.blob != nil {
		data, err := encodeState(state)
		if err == nil {
			err = m.blob.Save(ctx, data)
		}
		if err != nil {
			persistFailure.WithLabelValues("blob").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("save session blob: %w", err)
			}
		}
	}

	if firstErr != nil {
		persistOK.Set(0)
		return firstErr
	}
	persistOK.Set(1)
	return nil
}
