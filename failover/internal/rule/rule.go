// Package rule manages the MASQUERADE rule used as a fallback while the
// delegated prefix is not routed upstream.
package rule

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"

	"github.com/yanet-platform/nat66-failover/common/go/xnetip"
)

var (
	// ErrConflict is returned when the chain already holds a MASQUERADE rule
	// for the same interface that excludes a different source.
	ErrConflict = errors.New("conflicting MASQUERADE rule")
	// ErrNotVerified is returned when the chain does not reflect a mutation
	// that the kernel reported as successful.
	ErrNotVerified = errors.New("rule state not verified")
)

// maxDuplicates bounds the number of identical rules removed by one call.
const maxDuplicates = 16

// Tables is the subset of iptables operations the manager relies on.
//
// It is satisfied by *iptables.IPTables.
type Tables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// Config describes where the rule lives.
type Config struct {
	// Table is the netfilter table, "nat" by default.
	Table string `yaml:"table"`
	// Chain is the chain within the table, "POSTROUTING" by default.
	Chain string `yaml:"chain"`
	// Position is the 1-based insert position.
	Position int `yaml:"position"`
	// Wait is the number of seconds to wait for the xtables lock.
	Wait int `yaml:"wait"`
}

// DefaultConfig returns the default rule placement.
func DefaultConfig() Config {
	return Config{
		Table:    "nat",
		Chain:    "POSTROUTING",
		Position: 1,
		Wait:     5,
	}
}

// Rule is a MASQUERADE rule on an egress interface that leaves traffic from
// one source address untouched.
type Rule struct {
	Interface string
	Exclude   netip.Addr
}

// Spec returns the iptables rule specification.
func (m Rule) Spec() []string {
	return []string{
		"-o", m.Interface,
		"!", "-s", xnetip.HostPrefix(m.Exclude).String(),
		"-j", "MASQUERADE",
	}
}

func (m Rule) String() string {
	return strings.Join(m.Spec(), " ")
}

type options struct {
	Log    *zap.SugaredLogger
	Tables Tables
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the rule manager.
type Option func(*options)

// WithLog configures the rule manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithTables replaces the iptables handle.
func WithTables(tables Tables) Option {
	return func(o *options) {
		o.Tables = tables
	}
}

// Manager applies and removes the MASQUERADE rule idempotently.
//
// At most one rule per interface is tracked.
type Manager struct {
	cfg    Config
	source netip.Addr
	tables Tables
	rules  map[string]Rule
	log    *zap.SugaredLogger
}

// NewManager creates a rule manager for the address family of source.
//
// ip6tables is used for IPv6 sources, iptables otherwise.
func NewManager(cfg Config, source netip.Addr, options ...Option) (*Manager, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	tables := opts.Tables
	if tables == nil {
		proto := iptables.ProtocolIPv6
		if source.Unmap().Is4() {
			proto = iptables.ProtocolIPv4
		}

		ipt, err := iptables.New(iptables.IPFamily(proto), iptables.Timeout(cfg.Wait))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize iptables handle: %w", err)
		}
		tables = ipt
	}

	return &Manager{
		cfg:    cfg,
		source: source,
		tables: tables,
		rules:  map[string]Rule{},
		log:    opts.Log,
	}, nil
}

// Apply ensures exactly one MASQUERADE rule exists on iface that excludes
// the given source from translation.
//
// Apply is a no-op when an equivalent rule is already present.
func (m *Manager) Apply(iface string, exclude netip.Addr) error {
	rule := Rule{Interface: iface, Exclude: exclude}

	present, err := m.discover(iface)
	if err != nil {
		return err
	}
	for _, r := range present {
		if r.Exclude != exclude {
			return fmt.Errorf("%w: %q", ErrConflict, r)
		}
	}

	exists, err := m.exists(rule)
	if err != nil {
		return err
	}
	if exists {
		m.log.Debugw("rule already present", zap.Stringer("rule", rule))
		m.rules[iface] = rule
		return nil
	}

	if err := m.tables.Insert(m.cfg.Table, m.cfg.Chain, m.cfg.Position, rule.Spec()...); err != nil {
		return fmt.Errorf("failed to insert rule %q: %w", rule, err)
	}

	exists, err = m.exists(rule)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q missing after insert", ErrNotVerified, rule)
	}

	m.rules[iface] = rule
	m.log.Infow("inserted rule",
		zap.String("table", m.cfg.Table),
		zap.String("chain", m.cfg.Chain),
		zap.Stringer("rule", rule),
	)
	return nil
}

// Remove ensures no MASQUERADE rule managed for iface exists.
//
// Rules left behind by a previous run are found by listing the chain. Only
// rules excluding the manager source or the tracked one are ours; rules
// excluding any other source are left alone. Remove is a no-op when nothing
// is present.
func (m *Manager) Remove(iface string) error {
	present, err := m.discover(iface)
	if err != nil {
		return err
	}

	tracked, ok := m.rules[iface]

	candidates := []Rule{}
	for _, rule := range present {
		if rule.Exclude == m.source || (ok && rule.Exclude == tracked.Exclude) {
			candidates = append(candidates, rule)
		}
	}
	if ok && !slices.Contains(candidates, tracked) {
		candidates = append(candidates, tracked)
	}

	for _, rule := range candidates {
		if err := m.delete(rule); err != nil {
			return err
		}
	}

	delete(m.rules, iface)
	return nil
}

// Present reports whether the rule for iface excluding source exists.
//
// A present rule becomes tracked.
func (m *Manager) Present(iface string, exclude netip.Addr) (bool, error) {
	rule := Rule{Interface: iface, Exclude: exclude}

	exists, err := m.exists(rule)
	if err != nil {
		return false, err
	}
	if exists {
		m.rules[iface] = rule
	}
	return exists, nil
}

// Tracked returns the rule tracked for iface, if any.
func (m *Manager) Tracked(iface string) (Rule, bool) {
	rule, ok := m.rules[iface]
	return rule, ok
}

func (m *Manager) delete(rule Rule) error {
	for range maxDuplicates {
		exists, err := m.exists(rule)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		if err := m.tables.Delete(m.cfg.Table, m.cfg.Chain, rule.Spec()...); err != nil {
			return fmt.Errorf("failed to delete rule %q: %w", rule, err)
		}
		m.log.Infow("deleted rule",
			zap.String("table", m.cfg.Table),
			zap.String("chain", m.cfg.Chain),
			zap.Stringer("rule", rule),
		)
	}

	return fmt.Errorf("%w: %q still present after %d deletions", ErrNotVerified, rule, maxDuplicates)
}

func (m *Manager) exists(rule Rule) (bool, error) {
	exists, err := m.tables.Exists(m.cfg.Table, m.cfg.Chain, rule.Spec()...)
	if err != nil {
		return false, fmt.Errorf("failed to check rule %q: %w", rule, err)
	}
	return exists, nil
}

// discover lists the chain and returns every source-excluding MASQUERADE
// rule on iface.
func (m *Manager) discover(iface string) ([]Rule, error) {
	lines, err := m.tables.List(m.cfg.Table, m.cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", m.cfg.Table, m.cfg.Chain, err)
	}

	rules := []Rule{}
	for _, line := range lines {
		rule, ok := parseRule(line)
		if !ok || rule.Interface != iface || slices.Contains(rules, rule) {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parseRule parses one line of "iptables -S" output, in any option order,
// e.g. "-A POSTROUTING ! -s 2001:db8::1/128 -o eth0 -j MASQUERADE".
func parseRule(line string) (Rule, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "-A" {
		return Rule{}, false
	}

	var (
		rule       Rule
		masquerade bool
		negate     bool
	)
	for idx := 2; idx < len(fields); idx++ {
		field := fields[idx]
		if field == "!" {
			negate = true
			continue
		}
		if idx+1 >= len(fields) {
			return Rule{}, false
		}
		value := fields[idx+1]
		idx++

		switch field {
		case "-o", "--out-interface":
			if negate {
				return Rule{}, false
			}
			rule.Interface = value
		case "-s", "--source":
			if !negate {
				return Rule{}, false
			}
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				addr, err := netip.ParseAddr(value)
				if err != nil {
					return Rule{}, false
				}
				prefix = xnetip.HostPrefix(addr)
			}
			if !prefix.IsSingleIP() {
				return Rule{}, false
			}
			rule.Exclude = prefix.Addr()
		case "-j", "--jump":
			masquerade = value == "MASQUERADE"
		default:
			// Any other match narrows the rule; it is not ours.
			return Rule{}, false
		}
		negate = false
	}

	if !masquerade || rule.Interface == "" || !rule.Exclude.IsValid() {
		return Rule{}, false
	}
	return rule, true
}
