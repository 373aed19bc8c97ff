package generation

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mapgen/internal/model"
)

// prepareCandidates normalizes candidates to NFC and drops any whose original
// text does not occur in the question, is blank, or is unchanged by the
// replacement. At most k candidates are kept, in generator order.
func prepareCandidates(q model.Question, cands []model.MappingCandidate, k int) ([]model.MappingCandidate, error) {
	if len(cands) == 0 {
		return nil, ErrNoCandidates
	}

	stem := norm.NFC.String(q.StemText)
	options := norm.NFC.String(strings.Join(q.Options, "\n"))

	kept := make([]model.MappingCandidate, 0, len(cands))
	for _, c := range cands {
		orig := norm.NFC.String(strings.TrimSpace(c.Original))
		repl := norm.NFC.String(strings.TrimSpace(c.Replacement))
		if orig == "" || repl == "" || orig == repl {
			continue
		}
		inStem := strings.Contains(stem, orig)
		if !inStem && !strings.Contains(options, orig) {
			continue
		}
		c.Original = orig
		c.Replacement = repl
		if c.Context == "" {
			c.Context = "options"
			if inStem {
				c.Context = "stem"
			}
		}
		kept = append(kept, c)
		if k > 0 && len(kept) == k {
			break
		}
	}

	if len(kept) == 0 {
		return nil, eris.Wrapf(ErrMalformedResponse, "none of %d candidates matched the question text", len(cands))
	}
	return kept, nil
}
