package intent

// PhraseMatcher scores utterances by token overlap with each intent's
// example sentences. The best-scoring example decides the intent's
// confidence.
type PhraseMatcher struct {
	registry  *Registry
	threshold float64
}

// NewPhraseMatcher creates a matcher over the registry. threshold is
// the minimum similarity in [0,1].
func NewPhraseMatcher(registry *Registry, threshold float64) *PhraseMatcher {
	return &PhraseMatcher{registry: registry, threshold: threshold}
}

// Match returns the candidates whose best example similarity meets the
// threshold.
func (m *PhraseMatcher) Match(utterance string) []Candidate {
	tokens := Tokenize(utterance)
	if len(tokens) == 0 {
		return nil
	}
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	var out []Candidate
	for _, in := range m.registry.Phrases() {
		best := 0.0
		for _, example := range in.Examples {
			if s := similarity(tokenSet, len(tokenSet), Tokenize(example)); s > best {
				best = s
			}
		}
		if best < m.threshold {
			continue
		}

		out = append(out, Candidate{
			Skill:    in.Skill,
			Name:     in.Name,
			Score:    best,
			Priority: in.Priority,
			Handler:  in.Handler,
			Entities: map[string]string{},
			order:    in.order,
		})
	}
	return out
}

// similarity is the shared-token count over the larger of the two
// token sets, so padding an example with filler words cannot inflate
// the score.
func similarity(utterance map[string]struct{}, utteranceLen int, example []string) float64 {
	if len(example) == 0 {
		return 0
	}

	exampleSet := make(map[string]struct{}, len(example))
	for _, t := range example {
		exampleSet[t] = struct{}{}
	}

	common := 0
	for t := range exampleSet {
		if _, ok := utterance[t]; ok {
			common++
		}
	}

	denom := utteranceLen
	if len(exampleSet) > denom {
		denom = len(exampleSet)
	}
	return float64(common) / float64(denom)
}
