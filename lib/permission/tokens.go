package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// TokenStore persists restore tokens per capture mode as a small JSON file,
// letting a later negotiation skip the interactive consent dialog.
type TokenStore struct {
	mu   sync.Mutex
	path string
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Token returns the persisted token for mode, if any.
func (ts *TokenStore) Token(mode Mode) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tokens, err := ts.read()
	if err != nil {
		return "", false
	}
	token, ok := tokens[mode]
	return token, ok && token != ""
}

// Save persists a token for mode, replacing any previous one.
func (ts *TokenStore) Save(mode Mode, token string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tokens, err := ts.read()
	if err != nil {
		return err
	}
	tokens[mode] = token
	return ts.write(tokens)
}

// Clear removes the token for mode. Clearing an absent token is not an error.
func (ts *TokenStore) Clear(mode Mode) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tokens, err := ts.read()
	if err != nil {
		return err
	}
	if _, ok := tokens[mode]; !ok {
		return nil
	}
	delete(tokens, mode)
	return ts.write(tokens)
}

func (ts *TokenStore) read() (map[Mode]string, error) {
	data, err := os.ReadFile(ts.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[Mode]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token store: %w", err)
	}

	tokens := map[Mode]string{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		// a corrupt store should never block recording; start fresh
		return map[Mode]string{}, nil
	}
	return tokens, nil
}

func (ts *TokenStore) write(tokens map[Mode]string) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ts.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	return nil
}
