package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-governance/pkg/domain"
)

// RegoMatcherName is the customMatcherHandler value that selects RegoMatcher.
const RegoMatcherName = "rego"

// RegoOptions control RegoMatcher construction.
type RegoOptions struct {
	// Modules contains the Rego sources keyed by file name.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache. Zero selects the default
	// size; negative disables caching.
	CacheMaxEntries int
	// CacheTTL bounds how long a decision is reused. Zero selects one minute.
	CacheTTL time.Duration
}

// RegoMatcher is a CustomMatch that evaluates a Rego rule. The matcher
// parameters name the rule path, for example "governance/vip", which must
// evaluate to a boolean with the request as input.
type RegoMatcher struct {
	parsedModules map[string]*ast.Module
	moduleOrder   []string
	cache         *ttlcache.Cache[string, bool]

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultRegoCacheCapacity = 1024
	defaultRegoCacheTTL      = time.Minute
)

// NewRegoMatcher parses and compiles the supplied modules.
func NewRegoMatcher(opts RegoOptions) (*RegoMatcher, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego matcher requires at least one module")
	}

	order := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		order = append(order, name)
	}
	sort.Strings(order)

	parsed := make(map[string]*ast.Module, len(order))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	m := &RegoMatcher{
		parsedModules: parsed,
		moduleOrder:   order,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	capacity := opts.CacheMaxEntries
	if capacity == 0 {
		capacity = defaultRegoCacheCapacity
	}
	if capacity > 0 {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = defaultRegoCacheTTL
		}
		m.cache = ttlcache.New(
			ttlcache.WithTTL[string, bool](ttl),
			ttlcache.WithCapacity[string, bool](uint64(capacity)),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		)
	}
	return m, nil
}

// MatchRequest implements CustomMatch.
func (m *RegoMatcher) MatchRequest(ctx context.Context, req *domain.GovernanceRequest, parameters string) (bool, error) {
	entry := strings.Trim(strings.TrimSpace(parameters), "/")
	if entry == "" {
		return false, errors.New("rego matcher requires a rule path")
	}

	key := cacheKey(entry, req)
	if m.cache != nil {
		if item := m.cache.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	prepared, err := m.preparedQuery(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(requestInput(req)))
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", entry, err)
	}

	matched := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return false, fmt.Errorf("evaluate %s: expected boolean, got %T", entry, results[0].Expressions[0].Value)
		}
		matched = value
	}

	if m.cache != nil {
		m.cache.Set(key, matched, ttlcache.DefaultTTL)
	}
	return matched, nil
}

// Close drops cached decisions.
func (m *RegoMatcher) Close() {
	if m.cache != nil {
		m.cache.DeleteAll()
	}
}

func (m *RegoMatcher) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	m.mu.RLock()
	if prepared, ok := m.queries[entry]; ok {
		m.mu.RUnlock()
		return prepared, nil
	}
	m.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(m.moduleOrder)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range m.moduleOrder {
		opts = append(opts, rego.ParsedModule(m.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have prepared the query first.
	if existing, ok := m.queries[entry]; ok {
		return existing, nil
	}
	m.queries[entry] = &prepared
	return &prepared, nil
}

func requestInput(req *domain.GovernanceRequest) map[string]any {
	headers := make(map[string]any, len(req.Headers))
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}
	return map[string]any{
		"method":       req.Method,
		"api_path":     req.APIPath,
		"headers":      headers,
		"service_name": req.ServiceName,
		"schema_id":    req.SchemaID,
		"operation_id": req.OperationID,
		"service_id":   req.ServiceID,
		"instance_id":  req.InstanceID,
	}
}

// cacheKey hashes every request attribute visible to the rule.
func cacheKey(entry string, req *domain.GovernanceRequest) string {
	h := sha256.New()
	writeField(h, entry)
	writeField(h, req.Method)
	writeField(h, req.APIPath)
	writeField(h, req.ServiceName)
	writeField(h, req.SchemaID)
	writeField(h, req.OperationID)
	writeField(h, req.ServiceID)
	writeField(h, req.InstanceID)

	names := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		writeField(h, strings.ToLower(k))
		writeField(h, req.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes value followed by a null delimiter.
func writeField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}
