package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mapgen/internal/generation"
	"github.com/sells-group/mapgen/internal/model"
)

const generatorSystem = `You design counterfactual variants of assessment questions.
Propose minimal text substitutions: each substitution replaces one exact span of the
question (stem or options) so that the correct answer changes. The "original" field
must be copied verbatim from the question text. Prefer short spans. Never rewrite the
whole question.

Respond with JSON only, no prose, in this shape:
{"candidates":[{"original":"...","replacement":"...","context":"stem|options"}]}`

const validatorSystem = `You judge whether a proposed substitution turns an assessment
question into a coherent variant whose answer deviates from the recorded gold answer.
A substitution is valid when the modified question is still well-formed and answerable
and its correct answer differs from the gold answer.

Respond with JSON only, no prose, in this shape:
{"valid":true,"confidence":0.0,"deviation_score":0.0,"reasoning":"..."}
confidence and deviation_score are numbers in [0, 1].`

// strategyHints expands known strategies into generator instructions.
// Unknown strategies are passed through verbatim.
var strategyHints = map[string]string{
	"replacement": "Replace a key term, number, or entity with a plausible alternative.",
	"negation":    "Insert or remove a negation so the question asks the opposite.",
	"numeric":     "Change a quantity, unit, or date so the computed answer changes.",
}

func strategyHint(strategy string) string {
	if hint, ok := strategyHints[strategy]; ok {
		return hint
	}
	return strategy
}

func describeQuestion(b *strings.Builder, q model.Question) {
	fmt.Fprintf(b, "Question %s (%s):\n%s\n", q.Label(), nonEmpty(q.QuestionType, "unspecified type"), q.StemText)
	for i, opt := range q.Options {
		fmt.Fprintf(b, "  %c. %s\n", 'A'+rune(i%26), opt)
	}
	if q.HasGoldAnswer() {
		fmt.Fprintf(b, "Gold answer: %s\n", *q.GoldAnswer)
	} else {
		b.WriteString("Gold answer: (none recorded; use the answer the question implies)\n")
	}
}

func generationPrompt(q model.Question, k int, strategy string) string {
	var b strings.Builder
	describeQuestion(&b, q)
	fmt.Fprintf(&b, "\nStrategy: %s\n", strategyHint(strategy))
	fmt.Fprintf(&b, "Propose exactly %d candidate substitution(s), best first.\n", k)
	return b.String()
}

func validationPrompt(q model.Question, c model.MappingCandidate) string {
	var b strings.Builder
	describeQuestion(&b, q)
	fmt.Fprintf(&b, "\nProposed substitution (%s):\n  original: %q\n  replacement: %q\n",
		nonEmpty(c.Context, "stem"), c.Original, c.Replacement)
	return b.String()
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// extractJSON trims prose and code fences around the outermost JSON object.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

type candidatesPayload struct {
	Candidates []model.MappingCandidate `json:"candidates"`
}

func parseCandidates(text string) ([]model.MappingCandidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, generation.ErrNoCandidates
	}
	raw, ok := extractJSON(text)
	if !ok {
		return nil, eris.Wrap(generation.ErrMalformedResponse, "provider: no JSON object in generator output")
	}
	var p candidatesPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, eris.Wrapf(generation.ErrMalformedResponse, "provider: decode candidates: %v", err)
	}
	if len(p.Candidates) == 0 {
		return nil, generation.ErrNoCandidates
	}
	return p.Candidates, nil
}

type verdictPayload struct {
	Valid          *bool    `json:"valid"`
	Confidence     *float64 `json:"confidence"`
	DeviationScore *float64 `json:"deviation_score"`
	Reasoning      string   `json:"reasoning"`
}

// parseVerdict decodes a validator response. A verdict that the model marks
// valid is downgraded when its confidence is below minConfidence.
func parseVerdict(text string, minConfidence float64) (*generation.Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return nil, generation.ErrEmptyVerdict
	}
	raw, ok := extractJSON(text)
	if !ok {
		return nil, eris.Wrap(generation.ErrMalformedResponse, "provider: no JSON object in validator output")
	}
	var p verdictPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, eris.Wrapf(generation.ErrMalformedResponse, "provider: decode verdict: %v", err)
	}
	if p.Valid == nil || p.Confidence == nil {
		return nil, eris.Wrap(generation.ErrMalformedResponse, "provider: verdict missing valid or confidence")
	}
	v := &generation.Verdict{
		Valid:      *p.Valid,
		Confidence: *p.Confidence,
		Reasoning:  strings.TrimSpace(p.Reasoning),
	}
	if p.DeviationScore != nil {
		v.DeviationScore = *p.DeviationScore
	}
	if v.Confidence < 0 || v.Confidence > 1 || v.DeviationScore < 0 || v.DeviationScore > 1 {
		return nil, eris.Wrapf(generation.ErrMalformedResponse,
			"provider: verdict scores out of range (confidence=%g, deviation=%g)", v.Confidence, v.DeviationScore)
	}
	if v.Valid && v.Confidence < minConfidence {
		v.Valid = false
		if v.Reasoning == "" {
			v.Reasoning = fmt.Sprintf("confidence %.2f below threshold %.2f", v.Confidence, minConfidence)
		}
	}
	return v, nil
}
