package skill

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/skill/store"
)

func newInstaller(t *testing.T) (*Installer, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewInstaller(zap.NewNop(), st, NewLoader(t.TempDir())), st
}

func info(name string, deps ...string) *Info {
	return &Info{
		Name: name,
		Manifest: &Manifest{
			Name:         name,
			Version:      "1.0.0",
			Dependencies: deps,
		},
	}
}

func TestInstaller_Resolve(t *testing.T) {
	inst, st := newInstaller(t)
	ctx := context.Background()

	ready, failed := inst.Resolve(ctx, []*Info{
		info("base"),
		info("addon", "base"),
		info("orphan", "missing"),
	})

	if len(ready) != 2 {
		t.Fatalf("ready = %d skills, want 2", len(ready))
	}
	if len(failed) != 1 || failed[0].Info.Name != "orphan" {
		t.Fatalf("failed = %+v, want orphan", failed)
	}
	if !errors.Is(failed[0].Err, ErrMissingDependency) {
		t.Errorf("failure error = %v, want ErrMissingDependency", failed[0].Err)
	}

	// Install state landed in the store.
	recs, err := st.Installs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	states := make(map[string]store.InstallState, len(recs))
	for _, r := range recs {
		states[r.Skill] = r.State
	}
	if states["base"] != store.InstallStateInstalled || states["orphan"] != store.InstallStateFailed {
		t.Errorf("install states = %v", states)
	}
}

func TestInstaller_FailureCascades(t *testing.T) {
	inst, _ := newInstaller(t)

	_, failed := inst.Resolve(context.Background(), []*Info{
		info("a", "missing"),
		info("b", "a"),
		info("c", "b"),
	})

	if len(failed) != 3 {
		t.Errorf("failed = %d skills, want 3 (cascade)", len(failed))
	}
}

func TestInstaller_DependencyFromPriorInstall(t *testing.T) {
	inst, st := newInstaller(t)
	ctx := context.Background()

	// base was installed in an earlier run and is not in this round's
	// discovery set.
	if err := st.RecordInstall(ctx, store.InstallRecord{
		Skill: "base", Version: "1.0.0", State: store.InstallStateInstalled,
	}); err != nil {
		t.Fatal(err)
	}

	ready, failed := inst.Resolve(ctx, []*Info{info("addon", "base")})
	if len(failed) != 0 || len(ready) != 1 {
		t.Errorf("Resolve() = %d ready, %+v failed; want addon ready", len(ready), failed)
	}
}

func TestInstaller_ValidSchedule(t *testing.T) {
	inst, _ := newInstaller(t)

	if !inst.ValidSchedule("0 3 * * *") {
		t.Error("daily schedule rejected")
	}
	if inst.ValidSchedule("not cron") {
		t.Error("garbage schedule accepted")
	}
}
