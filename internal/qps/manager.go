package qps

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/domain"
)

// Role selects which side of a call the manager governs.
type Role string

const (
	// Provider limits incoming calls per calling service.
	Provider Role = "Provider"
	// Consumer limits outgoing calls per target service.
	Consumer Role = "Consumer"
)

// StrategyKey selects the counting strategy for both roles.
const StrategyKey = "servicecomb.flowcontrol.strategy"

// GlobalControllerKey is the key reported by the global controller.
const GlobalControllerKey = "global"

var errNoSource = errors.New("qps: config source is required")

// Options configures a Manager.
type Options struct {
	Role   Role
	Source domain.ConfigSource
	// GlobalOverride makes a configured global limit win over every
	// per-level limit.
	GlobalOverride bool
	Clock          clock.PassiveClock
	Logger         *slog.Logger
}

// Manager resolves the controller governing a service.schema.operation.
type Manager struct {
	role           Role
	source         domain.ConfigSource
	clock          clock.PassiveClock
	logger         *slog.Logger
	globalOverride bool

	prefix string

	mu          sync.Mutex
	strategy    Strategy
	chains      map[chainKey][]string
	controllers map[string]*Controller
	global      *Controller
}

// NewManager builds a manager and subscribes it to opts.Source.
func NewManager(opts Options) (*Manager, error) {
	if opts.Source == nil {
		return nil, errNoSource
	}
	if opts.Role == "" {
		opts.Role = Provider
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		role:           opts.Role,
		source:         opts.Source,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "qps", "role", string(opts.Role)),
		globalOverride: opts.GlobalOverride,
		prefix:         "servicecomb.flowcontrol." + string(opts.Role) + ".qps.",
		chains:         make(map[chainKey][]string),
		controllers:    make(map[string]*Controller),
	}
	m.strategy = m.readStrategy()
	m.global = newController(GlobalControllerKey, m.clock, m.strategy,
		m.readInt(m.prefix+"global.limit"), m.readInt(m.prefix+"global.bucket"))

	opts.Source.Subscribe(m)
	return m, nil
}

// Role returns the governed side.
func (m *Manager) Role() Role { return m.role }

// Enabled reports whether flow control is switched on for the role. It
// defaults to true.
func (m *Manager) Enabled() bool {
	raw, ok := m.source.Property(m.prefix + "enabled")
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		m.logger.Warn("invalid qps enabled flag, keeping flow control on", "value", raw, "error", err)
		return true
	}
	return enabled
}

// GetOrCreate returns the controller governing the call. The candidate chain
// is cached per operation and re-walked on each call so configuration
// changes take effect without invalidation.
func (m *Manager) GetOrCreate(microserviceName string, meta domain.InvocationMeta) *Controller {
	if microserviceName == "" {
		microserviceName = "*"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chainLocked(microserviceName, meta)

	if m.globalOverride && m.hasLimit(m.global) {
		return m.global
	}
	for _, level := range chain {
		if c := m.levelLocked(level); c != nil && m.hasLimit(c) {
			return c
		}
	}
	if m.hasLimit(m.global) {
		return m.global
	}

	service := chain[len(chain)-1]
	c := m.controllers[service]
	if c == nil {
		c = newController(service, m.clock, m.strategy, nil, nil)
		m.controllers[service] = c
	}
	return c
}

// chainKey identifies an invocation by its parts. Names may contain dots,
// so the joined level string is not unique.
type chainKey struct {
	service, schemaID, operationID string
}

func (m *Manager) chainLocked(service string, meta domain.InvocationMeta) []string {
	ck := chainKey{service: service, schemaID: meta.SchemaID}
	if meta.SchemaID != "" {
		ck.operationID = meta.OperationID
	}
	if chain, ok := m.chains[ck]; ok {
		return chain
	}

	chain := make([]string, 0, 3)
	if meta.SchemaID != "" {
		if meta.OperationID != "" {
			chain = append(chain, service+"."+meta.SchemaQualifiedName())
		}
		chain = append(chain, service+"."+meta.SchemaID)
	}
	chain = append(chain, service)
	m.chains[ck] = chain
	return chain
}

// levelLocked returns the controller of a level, creating it only when the
// level has a configured limit.
func (m *Manager) levelLocked(level string) *Controller {
	if c, ok := m.controllers[level]; ok {
		return c
	}
	limit := m.readInt(m.prefix + "limit." + level)
	if limit == nil {
		return nil
	}
	c := newController(level, m.clock, m.strategy, limit, m.readInt(m.prefix+"bucket."+level))
	m.controllers[level] = c
	return c
}

func (m *Manager) hasLimit(c *Controller) bool {
	_, ok := c.Limit()
	return ok
}

// OnConfigurationChanged pushes new limits into existing controllers.
func (m *Manager) OnConfigurationChanged(event domain.ConfigurationChangedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := false
	levels := make(map[string]struct{})
	for _, key := range event.ChangedKeys {
		switch {
		case key == StrategyKey:
			m.strategy = m.readStrategy()
			all = true
		case key == m.prefix+"global.limit" || key == m.prefix+"global.bucket":
			levels[GlobalControllerKey] = struct{}{}
		case strings.HasPrefix(key, m.prefix+"limit."):
			levels[strings.TrimPrefix(key, m.prefix+"limit.")] = struct{}{}
		case strings.HasPrefix(key, m.prefix+"bucket."):
			levels[strings.TrimPrefix(key, m.prefix+"bucket.")] = struct{}{}
		}
	}

	if all {
		m.refreshLocked(m.global)
		for _, c := range m.controllers {
			m.refreshLocked(c)
		}
		return
	}
	for level := range levels {
		if level == GlobalControllerKey {
			m.refreshLocked(m.global)
			continue
		}
		if c, ok := m.controllers[level]; ok {
			m.refreshLocked(c)
		}
	}
}

func (m *Manager) refreshLocked(c *Controller) {
	if c == m.global {
		c.update(m.strategy, m.readInt(m.prefix+"global.limit"), m.readInt(m.prefix+"global.bucket"))
		return
	}
	c.update(m.strategy, m.readInt(m.prefix+"limit."+c.Key()), m.readInt(m.prefix+"bucket."+c.Key()))
	m.logger.Debug("qps limit updated", "level", c.Key())
}

func (m *Manager) readStrategy() Strategy {
	raw, _ := m.source.Property(StrategyKey)
	return ParseStrategy(strings.TrimSpace(raw))
}

func (m *Manager) readInt(key string) *int64 {
	raw, ok := m.source.Property(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		m.logger.Warn("ignoring invalid qps setting", "key", key, "value", raw)
		return nil
	}
	return &v
}
