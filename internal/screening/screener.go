package screening

import (
	"context"
	"fmt"

	"pubscreen/internal/domain"
	"pubscreen/internal/llm"
	"pubscreen/internal/logging"
	"pubscreen/internal/metrics"
)

// Screener screens one batch of articles through the LLM and returns a
// validated decision per article id.
type Screener struct {
	client    llm.Client
	threshold float64
	logger    logging.Logger
}

func NewScreener(client llm.Client, threshold float64) *Screener {
	return &Screener{
		client:    client,
		threshold: threshold,
		logger:    logging.NewComponentLogger("screener"),
	}
}

// Threshold returns the inclusion cutoff the screener enforces.
func (s *Screener) Threshold() float64 {
	return s.threshold
}

// Screen builds the prompt, runs the model and normalises the output.
// Ids the model invented are dropped; ids the model skipped are simply
// absent from the result, the caller decides whether to retry them.
func (s *Screener) Screen(ctx context.Context, articles []domain.Article, criteria, model string) (map[string]domain.Decision, error) {
	prompt := BuildPrompt(articles, criteria, s.threshold)
	s.logger.Debug("Screening batch of %d articles with model %s (prompt %d chars)",
		len(articles), model, len(prompt))

	raw, err := s.client.Generate(ctx, prompt, model)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	decisions, err := Normalize(raw, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("normalize response: %w", err)
	}

	requested := make(map[string]struct{}, len(articles))
	for _, a := range articles {
		requested[a.ArticleID] = struct{}{}
	}

	screened := make(map[string]domain.Decision, len(articles))
	for id, d := range decisions {
		if _, ok := requested[id]; !ok {
			s.logger.Warn("Dropping decision for unknown article id %q", id)
			continue
		}
		screened[id] = d
	}

	if missing := len(articles) - len(screened); missing > 0 {
		s.logger.Warn("Model skipped %d of %d articles in batch", missing, len(articles))
	}

	metrics.BatchesScreened.Inc()
	return screened, nil
}
