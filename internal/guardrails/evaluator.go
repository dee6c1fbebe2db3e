package guardrails

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
)

// ErrBlocked marks text rejected by the keyword policy.
var ErrBlocked = errors.New("blocked by content policy")

// Stage names which text a rule applied to.
type Stage string

const (
	StagePrompt      Stage = "prompt"
	StageDescription Stage = "description"
)

// Violation reports the keyword that blocked a request.
type Violation struct {
	Stage   Stage
	Keyword string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s %s: %q", v.Stage, ErrBlocked.Error(), v.Keyword)
}

func (v *Violation) Unwrap() error { return ErrBlocked }

// Evaluator runs keyword rules against prompts before the chat call and
// descriptions before synthesis.
type Evaluator struct {
	enabled     bool
	prompt      []string
	description []string
}

func NewEvaluator(cfg config.GuardrailsConfig) *Evaluator {
	return &Evaluator{
		enabled:     cfg.Enabled,
		prompt:      normalize(cfg.BlockedPromptKeywords),
		description: normalize(cfg.BlockedDescriptionKeywords),
	}
}

// CheckPrompt returns a *Violation when prompt contains a blocked keyword.
func (e *Evaluator) CheckPrompt(prompt string) error {
	if e == nil || !e.enabled {
		return nil
	}
	return check(StagePrompt, e.prompt, prompt)
}

// CheckDescription applies the description rules to text about to be synthesized.
func (e *Evaluator) CheckDescription(text string) error {
	if e == nil || !e.enabled {
		return nil
	}
	return check(StageDescription, e.description, text)
}

func check(stage Stage, keywords []string, text string) error {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return &Violation{Stage: stage, Keyword: kw}
		}
	}
	return nil
}

func normalize(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		if kw == "" {
			continue
		}
		out = append(out, kw)
	}
	return out
}
