package skill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeSkill scaffolds a skill directory under root with the given
// manifest JSON and entry script.
func writeSkill(t *testing.T, root, name, manifest, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func simpleManifest(name string) string {
	return fmt.Sprintf(`{"name": %q, "version": "1.0.0"}`, name)
}

func TestLoader_Discover(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", simpleManifest("weather"), "")
	writeSkill(t, root, "timer", simpleManifest("timer"), "")
	writeSkill(t, root, "broken", `{"name": "Broken Name"}`, "")

	// Noise the loader must skip.
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "not-a-skill"), 0o755); err != nil {
		t.Fatal(err)
	}

	infos, errs := NewLoader(root).Discover()

	if len(infos) != 2 {
		t.Fatalf("Discover() returned %d skills, want 2", len(infos))
	}
	if infos[0].Name != "timer" || infos[1].Name != "weather" {
		t.Errorf("Discover() order = %s, %s; want timer, weather", infos[0].Name, infos[1].Name)
	}
	if len(errs) != 1 {
		t.Fatalf("Discover() returned %d errors, want 1 (broken manifest)", len(errs))
	}
	if !errors.Is(errs[0], ErrInvalidName) {
		t.Errorf("Discover() error = %v, want ErrInvalidName", errs[0])
	}
}

func TestLoader_Find(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather", simpleManifest("weather"), "")

	info, err := NewLoader(root).Find("weather")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if info.Dir != filepath.Join(root, "weather") {
		t.Errorf("Find().Dir = %q", info.Dir)
	}

	if _, err := NewLoader(root).Find("missing"); !errors.Is(err, ErrSkillNotFound) {
		t.Errorf("Find(missing) error = %v, want ErrSkillNotFound", err)
	}
}

func TestLoader_EmptyDir(t *testing.T) {
	infos, errs := NewLoader(t.TempDir()).Discover()
	if len(infos) != 0 || len(errs) != 0 {
		t.Errorf("Discover() = %v, %v; want empty", infos, errs)
	}
}
