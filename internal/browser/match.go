package browser

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
)

// Match is the outcome of walking a matcher list.
type Match struct {
	schemas.Lookup
	// Selector is the matcher that found the element; empty when none did.
	Selector string
	// Rank is the zero-based position of Selector in the list, -1 when none matched.
	Rank int
}

// FirstMatch tries selectors in order and returns the first element found.
// Not finding anything is reported through Match.Found, not as an error; the
// error return is reserved for automation failures. The outcome is logged.
func FirstMatch(ctx context.Context, a schemas.Automation, selectors []string, purpose string, logger *zap.Logger) (Match, error) {
	for i, sel := range selectors {
		lookup, err := a.FindElement(ctx, sel)
		if err != nil {
			return Match{Rank: -1}, err
		}
		if lookup.Found {
			logger.Debug("Matcher hit.",
				zap.String("purpose", purpose),
				zap.String("selector", sel),
				zap.Int("rank", i),
			)
			return Match{Lookup: lookup, Selector: sel, Rank: i}, nil
		}
	}
	logger.Warn("No matcher found the element.",
		zap.String("purpose", purpose),
		zap.Strings("selectors", selectors),
	)
	return Match{Rank: -1}, nil
}
