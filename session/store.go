package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/circuitide/circuit/errors"
)

// Version is the envelope format version written by Save.
const Version = "3.0"

const maxNameLen = 50

// Envelope is the persisted form of a conversation.
type Envelope struct {
	Name        string         `json:"name"`
	CreatedAt   string         `json:"created_at"`
	Model       string         `json:"model"`
	WorkingDir  string         `json:"working_dir"`
	AutoApprove bool           `json:"auto_approve"`
	History     []Message      `json:"history"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     string         `json:"version"`
}

// Summary is a lightweight listing entry for one stored session.
type Summary struct {
	Name         string
	CreatedAt    string
	Model        string
	WorkingDir   string
	MessageCount int
	Path         string
}

// Store persists conversations as JSON files in a single directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. An empty dir selects the
// default location under the user config directory.
func NewStore(dir string) *Store {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config", "circuit", "sessions")
	}
	return &Store{dir: dir}
}

// Dir returns the directory sessions are stored in.
func (s *Store) Dir() string { return s.dir }

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
	}
	if out == "" {
		out = "unnamed"
	}
	return out
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+".json")
}

// Save writes the envelope, creating the store directory with owner-only
// permissions. A zero CreatedAt and Version are filled in.
func (s *Store) Save(env *Envelope) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating session directory")
	}
	if env.CreatedAt == "" {
		env.CreatedAt = time.Now().Format(time.RFC3339)
	}
	env.Version = Version

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "serializing session %s", env.Name)
	}
	path := s.pathFor(env.Name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing session %s", env.Name)
	}
	return nil
}

// Load reads a session by name. When the exact name is missing, partial
// matches are suggested in the error.
func (s *Store) Load(name string) (*Envelope, error) {
	path := s.pathFor(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if similar := s.similarNames(name); len(similar) > 0 {
				return nil, errors.New("Session not found: %s\nDid you mean: %s?", name, strings.Join(similar, ", "))
			}
			return nil, errors.New("Session not found: %s", name)
		}
		return nil, errors.Wrapf(err, "reading session %s", name)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(err, "parsing session %s", name)
	}
	return &env, nil
}

func (s *Store) similarNames(name string) []string {
	pattern := filepath.Join(s.dir, "*"+sanitizeName(name)+"*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil
	}
	var stems []string
	for _, m := range matches {
		stems = append(stems, strings.TrimSuffix(filepath.Base(m), ".json"))
		if len(stems) == 5 {
			break
		}
	}
	return stems
}

// List returns summaries of every stored session, newest first.
// Unparsable files degrade to a stem-only entry instead of failing.
func (s *Store) List() []Summary {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	type fileInfo struct {
		path  string
		mtime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{filepath.Join(s.dir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })

	var out []Summary
	for _, f := range files {
		stem := strings.TrimSuffix(filepath.Base(f.path), ".json")
		data, err := os.ReadFile(f.path)
		if err != nil {
			out = append(out, Summary{Name: stem, CreatedAt: f.mtime.Format(time.RFC3339), Path: f.path})
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			out = append(out, Summary{Name: stem, CreatedAt: f.mtime.Format(time.RFC3339), Path: f.path})
			continue
		}
		out = append(out, Summary{
			Name:         env.Name,
			CreatedAt:    env.CreatedAt,
			Model:        env.Model,
			WorkingDir:   env.WorkingDir,
			MessageCount: len(env.History),
			Path:         f.path,
		})
	}
	return out
}

// Delete removes a stored session by name.
func (s *Store) Delete(name string) error {
	path := s.pathFor(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.New("Session not found: %s", name)
		}
		return errors.Wrapf(err, "deleting session %s", name)
	}
	return nil
}

// AutoSave persists the envelope under a generated name derived from the
// working directory and the current time, marking it as auto-saved.
func (s *Store) AutoSave(env *Envelope) (string, error) {
	base := filepath.Base(env.WorkingDir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "session"
	}
	name := base + "-" + time.Now().Format("20060102-150405")

	saved := *env
	saved.Name = name
	if saved.Metadata == nil {
		saved.Metadata = map[string]any{}
	}
	saved.Metadata["auto_saved"] = true
	if err := s.Save(&saved); err != nil {
		return "", err
	}
	return name, nil
}

// Latest returns the most recently modified session, optionally filtered
// to one working directory. Returns nil when nothing matches.
func (s *Store) Latest(workingDir string) *Envelope {
	for _, sum := range s.List() {
		if workingDir != "" && sum.WorkingDir != workingDir {
			continue
		}
		env, err := s.Load(sum.Name)
		if err != nil {
			continue
		}
		return env
	}
	return nil
}
