package aggregation

import (
	"github.com/roach88/corral/internal/exchange"
)

// ColumnSelection decides which parts of an exchange are duplicated into
// human-readable text columns. It is resolved once when the repository is
// built.
type ColumnSelection struct {
	BodyText bool
	Headers  []string
}

// text renders the selected columns for ex. Values with no text form are
// left NULL.
func (c ColumnSelection) text(ex *exchange.Exchange) (*string, map[string]string) {
	var body *string
	if c.BodyText {
		if s, ok := exchange.TextOf(ex.Body); ok {
			body = &s
		}
	}

	var headers map[string]string
	if len(c.Headers) > 0 {
		headers = make(map[string]string, len(c.Headers))
		for _, name := range c.Headers {
			v, ok := ex.Header(name)
			if !ok {
				continue
			}
			if s, ok := exchange.TextOf(v); ok {
				headers[name] = s
			}
		}
	}
	return body, headers
}
