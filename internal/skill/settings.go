package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/skill/store"
)

// TopicConfigUpdated announces a configuration change; the sync service
// reconciles immediately instead of waiting out the interval.
const TopicConfigUpdated = bus.Topic("configuration.updated")

const syncOwner = "settings-sync"

// DefaultSyncInterval is how often skill settings are reconciled with
// the remote settings endpoint.
const DefaultSyncInterval = time.Minute

// settingsDoc is the wire shape exchanged with the settings endpoint.
// Timestamps are unix milliseconds; Deleted carries tombstones so
// remote deletions can win over stale local values.
type settingsDoc struct {
	Settings map[string]settingEntry `json:"settings"`
	Deleted  map[string]int64        `json:"deleted,omitempty"`
}

type settingEntry struct {
	Value     any   `json:"value"`
	UpdatedAt int64 `json:"updated_at"`
}

// SettingsSync reconciles each skill's settings with a remote endpoint
// on an interval. Conflicts resolve per key to the latest writer.
type SettingsSync struct {
	logger   *zap.Logger
	bus      bus.Bus
	store    *store.Store
	manager  *Manager
	endpoint string
	interval time.Duration
	client   *http.Client
}

// SyncOption configures a SettingsSync.
type SyncOption func(*SettingsSync)

// WithSyncInterval overrides the reconcile interval.
func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *SettingsSync) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSyncClient overrides the HTTP client, for tests.
func WithSyncClient(c *http.Client) SyncOption {
	return func(s *SettingsSync) { s.client = c }
}

// NewSettingsSync creates a sync service against endpoint. An empty
// endpoint disables syncing.
func NewSettingsSync(logger *zap.Logger, b bus.Bus, st *store.Store, manager *Manager, endpoint string, opts ...SyncOption) *SettingsSync {
	s := &SettingsSync{
		logger:   logger,
		bus:      b,
		store:    st,
		manager:  manager,
		endpoint: endpoint,
		interval: DefaultSyncInterval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reconciles on the interval, and immediately whenever the
// configuration changes, until ctx is cancelled.
func (s *SettingsSync) Run(ctx context.Context) error {
	if s.endpoint == "" {
		return nil
	}

	if _, err := s.bus.Subscribe(TopicConfigUpdated, func(hctx context.Context, msg *bus.Message) error {
		s.SyncAll(hctx)
		return nil
	}, bus.WithOwner(syncOwner)); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicConfigUpdated, err)
	}
	defer s.bus.UnsubscribeOwner(syncOwner)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll reconciles every known skill.
func (s *SettingsSync) SyncAll(ctx context.Context) {
	for name := range s.manager.States() {
		if err := s.SyncSkill(ctx, name); err != nil {
			s.logger.Warn("settings sync", zap.String("skill", name), zap.Error(err))
		}
	}
}

// SyncSkill pulls the remote document for one skill, applies remote
// wins, and pushes the merged local state back.
func (s *SettingsSync) SyncSkill(ctx context.Context, name string) error {
	remote, err := s.fetch(ctx, name)
	if err != nil {
		return err
	}

	if remote != nil {
		if err := s.applyRemote(ctx, name, remote); err != nil {
			return err
		}
	}
	return s.push(ctx, name)
}

func (s *SettingsSync) url(skill string) string {
	return s.endpoint + "/" + skill
}

// fetch returns nil without error when the endpoint has no document
// for the skill yet.
func (s *SettingsSync) fetch(ctx context.Context, skill string) (*settingsDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(skill), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch settings: %s", resp.Status)
	}

	var doc settingsDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &doc, nil
}

// applyRemote writes remote-newer keys into the store and honors
// remote tombstones newer than the local write.
func (s *SettingsSync) applyRemote(ctx context.Context, skill string, doc *settingsDoc) error {
	localTimes, err := s.store.SettingTimes(ctx, skill)
	if err != nil {
		return err
	}

	for key, entry := range doc.Settings {
		remoteAt := time.UnixMilli(entry.UpdatedAt)
		if localAt, ok := localTimes[key]; ok && !remoteAt.After(localAt) {
			continue
		}
		if err := s.store.SetSetting(ctx, skill, key, entry.Value); err != nil {
			return err
		}
	}

	for key, deletedAt := range doc.Deleted {
		localAt, ok := localTimes[key]
		if !ok {
			continue
		}
		if time.UnixMilli(deletedAt).After(localAt) {
			if err := s.store.DeleteSetting(ctx, skill, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// push uploads the skill's full local document.
func (s *SettingsSync) push(ctx context.Context, skill string) error {
	values, err := s.store.Settings(ctx, skill)
	if err != nil {
		return err
	}
	times, err := s.store.SettingTimes(ctx, skill)
	if err != nil {
		return err
	}

	doc := settingsDoc{Settings: make(map[string]settingEntry, len(values))}
	for key, value := range values {
		doc.Settings[key] = settingEntry{
			Value:     value,
			UpdatedAt: times[key].UnixMilli(),
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url(skill), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push settings: %s", resp.Status)
	}
	return nil
}
