package session

import (
	"errors"
	"io/fs"
	"os"
	"slices"
)

// List returns the names of the profiles that have a session.toml, sorted.
func List() ([]string, error) {
	entries, err := os.ReadDir(SessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(SessionConfigPath(e.Name())); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}
