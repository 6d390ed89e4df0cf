package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestName is the file in a unit directory that records what the
// directory held before its data was removed after copying.
const ManifestName = ".manifest"

type manifest struct {
	Files map[string]int64 `json:"files"`
}

// WriteManifest records the name and size of every file in dir. Entries of an
// earlier manifest are kept, so writing again after the data is gone loses
// nothing.
func WriteManifest(dir string) error {
	files, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	if files == nil {
		files = make(map[string]int64)
	}
	live, err := localSizes(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 && len(live) == 0 {
		return nil
	}
	for name, size := range live {
		files[name] = size
	}
	data, err := json.Marshal(manifest{Files: files})
	if err != nil {
		return err
	}
	p := filepath.Join(dir, ManifestName)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return os.Rename(tmp, p)
}

// ReadManifest returns the recorded sizes, or nil when dir has no manifest.
func ReadManifest(dir string) (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest in %s: %w", dir, err)
	}
	return m.Files, nil
}

// Sizes returns the files a unit directory holds or held: the manifest
// overlaid with what is still on disk.
func Sizes(dir string) (map[string]int64, error) {
	out, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	live, err := localSizes(dir)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return live, nil
	}
	for name, size := range live {
		out[name] = size
	}
	return out, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
