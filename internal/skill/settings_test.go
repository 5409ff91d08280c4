package skill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
)

// settingsServer is a minimal remote settings endpoint for tests.
type settingsServer struct {
	mu   sync.Mutex
	docs map[string]*settingsDoc
	puts map[string]*settingsDoc
}

func newSettingsServer() *settingsServer {
	return &settingsServer{
		docs: make(map[string]*settingsDoc),
		puts: make(map[string]*settingsDoc),
	}
}

func (s *settingsServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skill := r.URL.Path[1:]
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			doc, ok := s.docs[skill]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(doc)
		case http.MethodPut:
			var doc settingsDoc
			if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.puts[skill] = &doc
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method", http.StatusMethodNotAllowed)
		}
	}
}

func (s *settingsServer) lastPut(skill string) *settingsDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[skill]
}

func newSyncFixture(t *testing.T) (*SettingsSync, *settingsServer, *fixture, *Manager) {
	t.Helper()

	f := newFixture(t)
	root := t.TempDir()
	writeSkill(t, root, "weather", simpleManifest("weather"), ``)
	m := newManager(t, f, root)
	m.LoadAll(context.Background())

	srv := newSettingsServer()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	sync := NewSettingsSync(zap.NewNop(), f.bus, f.store, m, ts.URL)
	return sync, srv, f, m
}

func TestSettingsSync_RemoteNewerWins(t *testing.T) {
	sync, srv, f, _ := newSyncFixture(t)
	ctx := context.Background()

	if err := f.store.SetSetting(ctx, "weather", "units", "metric"); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).UnixMilli()
	srv.docs["weather"] = &settingsDoc{
		Settings: map[string]settingEntry{
			"units": {Value: "imperial", UpdatedAt: future},
		},
	}

	if err := sync.SyncSkill(ctx, "weather"); err != nil {
		t.Fatalf("SyncSkill() error = %v", err)
	}

	value, _, err := f.store.Setting(ctx, "weather", "units")
	if err != nil || value != "imperial" {
		t.Errorf("setting = %v, %v; want imperial (remote newer)", value, err)
	}
}

func TestSettingsSync_LocalNewerWins(t *testing.T) {
	sync, srv, f, _ := newSyncFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UnixMilli()
	srv.docs["weather"] = &settingsDoc{
		Settings: map[string]settingEntry{
			"units": {Value: "imperial", UpdatedAt: past},
		},
	}
	if err := f.store.SetSetting(ctx, "weather", "units", "metric"); err != nil {
		t.Fatal(err)
	}

	if err := sync.SyncSkill(ctx, "weather"); err != nil {
		t.Fatalf("SyncSkill() error = %v", err)
	}

	value, _, err := f.store.Setting(ctx, "weather", "units")
	if err != nil || value != "metric" {
		t.Errorf("setting = %v, %v; want metric (local newer)", value, err)
	}

	// The push carried the winning local value back to the remote.
	put := srv.lastPut("weather")
	if put == nil || put.Settings["units"].Value != "metric" {
		t.Errorf("pushed doc = %+v, want units=metric", put)
	}
}

func TestSettingsSync_RemoteDeletionPropagates(t *testing.T) {
	sync, srv, f, _ := newSyncFixture(t)
	ctx := context.Background()

	if err := f.store.SetSetting(ctx, "weather", "api_key", "old"); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour).UnixMilli()
	srv.docs["weather"] = &settingsDoc{
		Settings: map[string]settingEntry{},
		Deleted:  map[string]int64{"api_key": future},
	}

	if err := sync.SyncSkill(ctx, "weather"); err != nil {
		t.Fatalf("SyncSkill() error = %v", err)
	}

	settings, err := f.store.Settings(ctx, "weather")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := settings["api_key"]; ok {
		t.Errorf("deleted key survived sync: %v", settings)
	}
}

func TestSettingsSync_NoRemoteDocumentPushesLocal(t *testing.T) {
	sync, srv, f, _ := newSyncFixture(t)
	ctx := context.Background()

	if err := f.store.SetSetting(ctx, "weather", "units", "metric"); err != nil {
		t.Fatal(err)
	}

	if err := sync.SyncSkill(ctx, "weather"); err != nil {
		t.Fatalf("SyncSkill() error = %v", err)
	}

	put := srv.lastPut("weather")
	if put == nil || put.Settings["units"].Value != "metric" {
		t.Errorf("pushed doc = %+v", put)
	}
}

func TestSettingsSync_ConfigUpdateTriggersSync(t *testing.T) {
	sync, srv, f, _ := newSyncFixture(t)
	WithSyncInterval(time.Hour)(sync)

	if err := f.store.SetSetting(context.Background(), "weather", "units", "metric"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sync.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// The interval is an hour away, so only the configuration change
	// can cause the push. Republish until Run's subscription is up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.bus.Publish(bus.New(TopicConfigUpdated, nil)); err != nil {
			t.Fatal(err)
		}
		if put := srv.lastPut("weather"); put != nil && put.Settings["units"].Value == "metric" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("configuration change did not trigger a sync; last put = %+v", srv.lastPut("weather"))
}

func TestSettingsSync_DisabledWithoutEndpoint(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	m := newManager(t, f, root)

	sync := NewSettingsSync(zap.NewNop(), f.bus, f.store, m, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sync.Run(ctx); err != nil {
		t.Errorf("Run() with empty endpoint error = %v, want nil", err)
	}
}
