package resolver

import (
	"context"
	"sort"
	"strings"

	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/intent"
)

// Fuzzy match weights.
const (
	scoreExactText    = 1.0
	scoreAria         = 0.85
	scoreContainsText = 0.8
	scorePlaceholder  = 0.8
	scoreNameOrID     = 0.75
	scoreReverseText  = 0.7
)

// FuzzyScore rates how well d matches the normalized core text, from 0 to 1.
func FuzzyScore(d *dom.Descriptor, core string) float64 {
	if core == "" {
		return 0
	}
	var score float64
	if !d.InCodeContainer {
		text := normalize(d.Text)
		switch {
		case text == "":
		case text == core:
			score = scoreExactText
		case strings.Contains(text, core):
			score = scoreContainsText
		case len([]rune(text)) > 2 && strings.Contains(core, text):
			score = scoreReverseText
		}
	}
	bump := func(v string, w float64) {
		if v = normalize(v); v != "" && strings.Contains(v, core) && w > score {
			score = w
		}
	}
	bump(d.AriaLabel, scoreAria)
	bump(d.Placeholder, scorePlaceholder)
	bump(d.Name, scoreNameOrID)
	bump(d.ID, scoreNameOrID)
	return score
}

// fuzzyStrategy scores every displayed element and keeps those at or above
// the threshold, best first.
type fuzzyStrategy struct {
	threshold float64
}

func (fuzzyStrategy) ID() intent.Strategy { return intent.StrategyFuzzy }
func (fuzzyStrategy) Tier() Tier          { return TierDynamic }

func (f fuzzyStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	cands, err := f.FindScored(ctx, q)
	return descriptors(cands), err
}

func (f fuzzyStrategy) FindScored(ctx context.Context, q *Query) ([]Candidate, error) {
	var out []Candidate
	for _, d := range q.Index.Elements() {
		if !d.Displayed() {
			continue
		}
		if q.Request.Action != intent.ActionExtract && !d.IsInteractive() {
			continue
		}
		if s := FuzzyScore(d, q.Core); s >= f.threshold {
			out = append(out, Candidate{Descriptor: d, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, ctx.Err()
}

// MaxLLMCandidates bounds the element list sent to the LLM.
const MaxLLMCandidates = 50

// LLMOption is the compact description of one element offered to the LLM.
type LLMOption struct {
	Index int    `json:"index"`
	Tag   string `json:"tag"`
	Role  string `json:"role,omitempty"`
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
}

// LLMFallback picks the target among options. It returns the chosen
// option index, or -1 when none fits, and its confidence in [0,1].
type LLMFallback interface {
	Choose(ctx context.Context, req intent.Request, options []LLMOption) (int, float64, error)
}

type llmStrategy struct {
	llm LLMFallback
}

func (*llmStrategy) ID() intent.Strategy { return intent.StrategyLLM }
func (*llmStrategy) Tier() Tier          { return TierDynamic }

func (l *llmStrategy) Find(ctx context.Context, q *Query) ([]*dom.Descriptor, error) {
	cands, err := l.FindScored(ctx, q)
	return descriptors(cands), err
}

func (l *llmStrategy) FindScored(ctx context.Context, q *Query) ([]Candidate, error) {
	var (
		pool    []*dom.Descriptor
		options []LLMOption
	)
	for _, d := range q.Index.Elements() {
		if !d.Displayed() || !d.IsInteractive() {
			continue
		}
		text := d.Text
		if len([]rune(text)) > 50 {
			text = string([]rune(text)[:50])
		}
		options = append(options, LLMOption{
			Index: len(pool),
			Tag:   d.Tag,
			Role:  d.Role,
			Label: d.Label(),
			Text:  text,
		})
		pool = append(pool, d)
		if len(pool) == MaxLLMCandidates {
			break
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	idx, conf, err := l.llm.Choose(ctx, q.Request, options)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(pool) {
		return nil, nil
	}
	if conf <= 0 || conf > 1 {
		conf = intent.Confidence(intent.StrategyLLM)
	}
	return []Candidate{{Descriptor: pool[idx], Score: conf}}, nil
}
