package aggregator

import (
	"github.com/roach88/corral/internal/exchange"
)

// Strategy merges an incoming exchange into the current aggregate. old is
// nil for the first exchange of a group. The returned exchange is stored
// as the new aggregate.
type Strategy interface {
	Aggregate(old, in *exchange.Exchange) *exchange.Exchange
}

// StrategyFunc adapts a function to a Strategy.
type StrategyFunc func(old, in *exchange.Exchange) *exchange.Exchange

// Aggregate calls f.
func (f StrategyFunc) Aggregate(old, in *exchange.Exchange) *exchange.Exchange {
	return f(old, in)
}

// StringConcat appends the text of each body to the aggregate, joined by
// separator. The aggregate keeps the id and headers of the first exchange.
func StringConcat(separator string) Strategy {
	return StrategyFunc(func(old, in *exchange.Exchange) *exchange.Exchange {
		if old == nil {
			text, _ := exchange.TextOf(in.Body)
			in.Body = text
			return in
		}
		prev, _ := exchange.TextOf(old.Body)
		next, _ := exchange.TextOf(in.Body)
		old.Body = prev + separator + next
		return old
	})
}
