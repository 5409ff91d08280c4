package intent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/fallback"
)

// Bus topics the dispatch service consumes and emits.
const (
	TopicUtterance     = bus.Topic("recognizer_loop.utterance")
	TopicIntentFailure = bus.Topic("complete_intent_failure")
	TopicSpeak         = bus.Topic("speak")
)

const serviceOwner = "intent-service"

// DefaultHandlerTimeout bounds one intent handler invocation.
const DefaultHandlerTimeout = 10 * time.Second

var ErrNotRunning = errors.New("intent: service not running")

// Service is the dispatch engine. For every utterance it consults, in
// order: the conversing skill (if the conversation context is live),
// the keyword and phrase matchers, the registered fallback chain, and
// finally the LLM fallback provider. Utterances nothing claims are
// reported as a complete intent failure.
type Service struct {
	logger   *zap.Logger
	bus      bus.Bus
	registry *Registry
	keyword  *KeywordMatcher
	phrase   *PhraseMatcher
	tracker  *Tracker
	provider fallback.Provider

	handlerTimeout time.Duration
	sub            bus.Subscription
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFallbackProvider attaches an LLM provider consulted after every
// registered fallback handler has declined.
func WithFallbackProvider(p fallback.Provider) ServiceOption {
	return func(s *Service) { s.provider = p }
}

// WithServiceHandlerTimeout bounds each intent handler invocation.
func WithServiceHandlerTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.handlerTimeout = d
		}
	}
}

// NewService creates the dispatch engine over the given bus, registry
// and conversation tracker.
func NewService(logger *zap.Logger, b bus.Bus, registry *Registry, tracker *Tracker, keywordThreshold, phraseThreshold float64, opts ...ServiceOption) *Service {
	s := &Service{
		logger:         logger,
		bus:            b,
		registry:       registry,
		keyword:        NewKeywordMatcher(registry, keywordThreshold),
		phrase:         NewPhraseMatcher(registry, phraseThreshold),
		tracker:        tracker,
		handlerTimeout: DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes the service to recognizer utterances.
func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(TopicUtterance, s.onUtterance, bus.WithOwner(serviceOwner))
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Stop removes the utterance subscription.
func (s *Service) Stop() error {
	if s.sub == nil {
		return ErrNotRunning
	}
	err := s.bus.Unsubscribe(s.sub)
	s.sub = nil
	return err
}

// Tracker exposes the conversation context, for skill teardown.
func (s *Service) Tracker() *Tracker { return s.tracker }

func (s *Service) onUtterance(ctx context.Context, msg *bus.Message) error {
	utterances := utterancesFrom(msg.Data)
	if len(utterances) == 0 {
		s.logger.Warn("utterance message carried no utterances", zap.String("ident", msg.Ident()))
		return nil
	}
	lang, _ := msg.Data["lang"].(string)
	if lang == "" {
		lang = "en-us"
	}
	s.HandleUtterance(ctx, utterances, lang)
	return nil
}

// HandleUtterance runs the full dispatch pipeline for one recognition
// result. Multiple utterances are alternative transcriptions of the
// same audio; the first one any stage claims wins.
func (s *Service) HandleUtterance(ctx context.Context, utterances []string, lang string) {
	for i := range utterances {
		utterances[i] = strings.TrimSpace(utterances[i])
	}

	if s.tryConverse(ctx, utterances, lang) {
		return
	}
	if s.tryMatch(ctx, utterances, lang) {
		return
	}
	if s.tryFallbacks(ctx, utterances) {
		return
	}
	if s.tryProvider(ctx, utterances) {
		return
	}

	s.logger.Info("no handler claimed utterance", zap.Strings("utterances", utterances))
	failure := bus.New(TopicIntentFailure, map[string]any{
		"utterances": toAny(utterances),
		"lang":       lang,
	})
	if err := s.bus.Publish(failure); err != nil {
		s.logger.Error("publish intent failure", zap.Error(err))
	}
}

// tryConverse gives the skill that owns the conversation first refusal.
// A decline or a failing hook releases the conversation, so the next
// utterance runs full dispatch instead of knocking on the same door.
func (s *Service) tryConverse(ctx context.Context, utterances []string, lang string) bool {
	owner, ok := s.tracker.Get()
	if !ok {
		return false
	}
	converse, ok := s.registry.Converse(owner)
	if !ok {
		return false
	}

	for _, utterance := range utterances {
		cctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
		handled, err := converse(cctx, utterance, lang)
		cancel()
		if err != nil {
			s.logger.Warn("converse handler failed",
				zap.String("skill", owner), zap.Error(err))
			s.tracker.ClearIfOwner(owner)
			return false
		}
		if handled {
			s.tracker.Touch()
			s.logger.Debug("utterance consumed by conversation",
				zap.String("skill", owner))
			return true
		}
	}
	s.tracker.ClearIfOwner(owner)
	return false
}

// tryMatch runs both matchers and invokes the best candidate.
func (s *Service) tryMatch(ctx context.Context, utterances []string, lang string) bool {
	for _, utterance := range utterances {
		candidates := s.keyword.Match(utterance)
		candidates = append(candidates, s.phrase.Match(utterance)...)
		if len(candidates) == 0 {
			continue
		}

		best := rank(candidates)
		s.invoke(ctx, best, utterance, lang)
		return true
	}
	return false
}

func (s *Service) invoke(ctx context.Context, c Candidate, utterance, lang string) {
	data := map[string]any{
		"utterance": utterance,
		"lang":      lang,
	}
	for entity, text := range c.Entities {
		data[entity] = text
	}

	hctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()

	if err := c.Handler(hctx, data); err != nil {
		s.logger.Error("intent handler failed",
			zap.String("skill", c.Skill),
			zap.String("intent", c.Name),
			zap.Error(err))
	} else {
		s.logger.Debug("intent handled",
			zap.String("skill", c.Skill),
			zap.String("intent", c.Name),
			zap.Float64("score", c.Score))
	}

	// The skill spoke (or failed audibly); either way it now owns the
	// conversation.
	s.tracker.Set(c.Skill)
}

// tryFallbacks walks the registered fallback chain in priority order.
func (s *Service) tryFallbacks(ctx context.Context, utterances []string) bool {
	for _, fb := range s.registry.Fallbacks() {
		for _, utterance := range utterances {
			fctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
			handled, err := fb.Handler(fctx, utterance)
			cancel()
			if err != nil {
				s.logger.Warn("fallback handler failed",
					zap.String("skill", fb.Skill),
					zap.String("name", fb.Name),
					zap.Error(err))
				continue
			}
			if handled {
				s.tracker.Set(fb.Skill)
				s.logger.Debug("utterance claimed by fallback",
					zap.String("skill", fb.Skill),
					zap.String("name", fb.Name))
				return true
			}
		}
	}
	return false
}

// tryProvider asks the LLM provider as the last resort, speaking its
// answer over the bus.
func (s *Service) tryProvider(ctx context.Context, utterances []string) bool {
	if s.provider == nil {
		return false
	}

	answer, err := s.provider.Answer(ctx, utterances[0])
	if err != nil {
		if !errors.Is(err, fallback.ErrNoAnswer) {
			s.logger.Warn("llm fallback failed",
				zap.String("provider", s.provider.Name()), zap.Error(err))
		}
		return false
	}

	speak := bus.New(TopicSpeak, map[string]any{
		"utterance": answer,
	})
	if err := s.bus.Publish(speak); err != nil {
		s.logger.Error("publish speak", zap.Error(err))
		return false
	}
	return true
}

// rank orders candidates by score, then declared priority, then how
// many required entities matched, then registration order, and returns
// the winner.
func rank(candidates []Candidate) Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RequiredMatched != b.RequiredMatched {
			return a.RequiredMatched > b.RequiredMatched
		}
		return a.order < b.order
	})
	return candidates[0]
}

func utterancesFrom(data map[string]any) []string {
	raw, ok := data["utterances"]
	if !ok {
		if single, ok := data["utterance"].(string); ok && single != "" {
			return []string{single}
		}
		return nil
	}

	var out []string
	switch vals := raw.(type) {
	case []string:
		out = append(out, vals...)
	case []any:
		for _, v := range vals {
			if str, ok := v.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

func toAny(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
