package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Info is one discovered skill: its directory and parsed manifest.
type Info struct {
	Name     string
	Dir      string
	Manifest *Manifest
}

// Loader discovers skills under a directory. Each immediate
// subdirectory containing a skill.json is a skill.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Discover scans the skills directory. Directories with a broken
// manifest are returned as errors alongside the valid skills so one
// bad skill never hides the rest.
func (l *Loader) Discover() ([]*Info, []error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read skills dir %s: %w", l.dir, err)}
	}

	var infos []*Info
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue // not a skill directory
		}

		manifest, err := LoadManifestFromDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		infos = append(infos, &Info{
			Name:     manifest.Name,
			Dir:      dir,
			Manifest: manifest,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, errs
}

// Find locates a single skill by name.
func (l *Loader) Find(name string) (*Info, error) {
	infos, _ := l.Discover()
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
}

// Dir returns the skills root directory.
func (l *Loader) Dir() string {
	return l.dir
}
