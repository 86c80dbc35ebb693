// Package policy defines the typed governance rules consumed by the
// governance handlers: rate limiting, circuit breaking, bulkheads, retry,
// time limiting, fault injection, mapping, load balancing and caching, plus
// the traffic markers that decide which requests a rule applies to.
//
// Rules arrive as YAML documents stored under flat configuration keys of the
// form servicecomb.<kind>.<name>. Decode turns one document into an immutable
// policy value with defaults applied; Validate reports semantic problems so
// that a broken rule is rejected before any enforcement object is built from
// it. Policies are replaced wholesale when configuration changes and are never
// mutated after decoding.
package policy
