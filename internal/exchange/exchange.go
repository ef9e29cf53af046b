package exchange

import "maps"

// Header names set by the recovery path and the aggregator.
const (
	// HeaderRedelivered is true on exchanges resubmitted by recovery.
	HeaderRedelivered = "Redelivered"

	// HeaderRedeliveryCounter carries the persisted delivery attempt count.
	HeaderRedeliveryCounter = "RedeliveryCounter"

	// HeaderRedeliveryMaxCounter carries the configured redelivery bound.
	HeaderRedeliveryMaxCounter = "RedeliveryMaxCounter"

	// HeaderAggregatedSize counts how many exchanges were merged into this one.
	// It is a header rather than a property so it survives persistence.
	HeaderAggregatedSize = "AggregatedSize"
)

// PropertyCorrelationKey is set on recovered exchanges to the key the group
// was aggregated under.
const PropertyCorrelationKey = "CorrelationKey"

// PropertyCompletedBy is set on completed aggregates to the trigger that
// completed them.
const PropertyCompletedBy = "CompletedBy"

// Exchange is one unit of in-flight work.
//
// Body and Headers are persisted by the Codec. Properties are process-local
// and never survive a reload. Version is repository metadata: it holds the
// in-progress row version the exchange was read at (0 when never stored) and
// is used for optimistic locking.
type Exchange struct {
	ID         string
	Body       any
	Headers    map[string]any
	Properties map[string]any
	Version    int64
}

// New creates an exchange with the given id and body.
func New(id string, body any) *Exchange {
	return &Exchange{
		ID:         id,
		Body:       body,
		Headers:    map[string]any{},
		Properties: map[string]any{},
	}
}

// Header returns the named header.
func (e *Exchange) Header(name string) (any, bool) {
	if e.Headers == nil {
		return nil, false
	}
	v, ok := e.Headers[name]
	return v, ok
}

// SetHeader sets the named header, allocating the map when needed.
func (e *Exchange) SetHeader(name string, value any) {
	if e.Headers == nil {
		e.Headers = map[string]any{}
	}
	e.Headers[name] = value
}

// Property returns the named property.
func (e *Exchange) Property(name string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[name]
	return v, ok
}

// SetProperty sets the named property, allocating the map when needed.
func (e *Exchange) SetProperty(name string, value any) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.Properties[name] = value
}

// Copy returns a shallow copy with independent header and property maps.
func (e *Exchange) Copy() *Exchange {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Headers = maps.Clone(e.Headers)
	cp.Properties = maps.Clone(e.Properties)
	if cp.Headers == nil {
		cp.Headers = map[string]any{}
	}
	if cp.Properties == nil {
		cp.Properties = map[string]any{}
	}
	return &cp
}
