package payout

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"quizfund/config"
	"quizfund/core/types"
)

// ErrPolicyNotFound indicates that no policy exists for the payout currency.
var ErrPolicyNotFound = errors.New("payout: policy not found")

// ErrDailyCapExceeded indicates that a payout would exceed the daily cap.
var ErrDailyCapExceeded = errors.New("payout: daily cap exceeded")

// ErrSoftBalanceExceeded reports that the tracked soft inventory would be exhausted.
var ErrSoftBalanceExceeded = errors.New("payout: insufficient soft inventory")

// Policy throttles payouts in one currency. Amounts are in the smallest unit. A nil
// SoftInventory disables inventory tracking.
type Policy struct {
	Currency      string
	DailyCap      *uint256.Int
	SoftInventory *uint256.Int
}

// PoliciesFromConfig converts whole-unit config amounts into policies.
func PoliciesFromConfig(entries []config.PolicyConfig) ([]Policy, error) {
	policies := make([]Policy, 0, len(entries))
	for _, entry := range entries {
		cur, ok := types.LookupCurrency(entry.Currency)
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownCurrency, entry.Currency)
		}
		dailyCap, err := types.ParseAmount(entry.DailyCap, cur)
		if err != nil {
			return nil, fmt.Errorf("policy %s daily_cap: %w", cur.Code, err)
		}
		policy := Policy{Currency: cur.Code, DailyCap: dailyCap}
		if strings.TrimSpace(entry.SoftInventory) != "" {
			if policy.SoftInventory, err = types.ParseAmount(entry.SoftInventory, cur); err != nil {
				return nil, fmt.Errorf("policy %s soft_inventory: %w", cur.Code, err)
			}
		}
		policies = append(policies, policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Currency < policies[j].Currency })
	return policies, nil
}

// PolicyEnforcer coordinates access to the configured payout caps.
type PolicyEnforcer struct {
	mu        sync.Mutex
	policies  map[string]Policy
	totals    map[string]map[string]*uint256.Int
	inventory map[string]*uint256.Int
}

// NewPolicyEnforcer constructs an enforcer for the supplied policies.
func NewPolicyEnforcer(policies []Policy) (*PolicyEnforcer, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("payout: at least one policy must be configured")
	}
	p := &PolicyEnforcer{
		policies:  make(map[string]Policy, len(policies)),
		totals:    make(map[string]map[string]*uint256.Int, len(policies)),
		inventory: make(map[string]*uint256.Int, len(policies)),
	}
	for _, policy := range policies {
		key := normaliseCurrency(policy.Currency)
		if key == "" {
			return nil, fmt.Errorf("payout: policy currency required")
		}
		if _, exists := p.policies[key]; exists {
			return nil, fmt.Errorf("payout: duplicate policy for %s", key)
		}
		entry := Policy{Currency: key, DailyCap: new(uint256.Int)}
		if policy.DailyCap != nil {
			entry.DailyCap.Set(policy.DailyCap)
		}
		if policy.SoftInventory != nil {
			entry.SoftInventory = new(uint256.Int).Set(policy.SoftInventory)
			p.inventory[key] = new(uint256.Int).Set(policy.SoftInventory)
		}
		p.policies[key] = entry
		p.totals[key] = make(map[string]*uint256.Int)
	}
	return p, nil
}

// Validate ensures a payout complies with the configured caps.
func (p *PolicyEnforcer) Validate(currency string, amount *uint256.Int, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseCurrency(currency)
	policy, ok := p.policies[key]
	if !ok {
		return ErrPolicyNotFound
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("payout: amount must be positive")
	}
	if inv := p.inventory[key]; inv != nil && inv.Lt(amount) {
		return ErrSoftBalanceExceeded
	}
	if p.remainingLocked(policy, now).Lt(amount) {
		return ErrDailyCapExceeded
	}
	return nil
}

// Record notes a successful payout against the caps.
func (p *PolicyEnforcer) Record(currency string, amount *uint256.Int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseCurrency(currency)
	if _, ok := p.policies[key]; !ok || amount == nil {
		return
	}
	day := dayBucket(now)
	spent, ok := p.totals[key][day]
	if !ok {
		spent = new(uint256.Int)
		p.totals[key][day] = spent
	}
	spent.Add(spent, amount)
	if inv := p.inventory[key]; inv != nil {
		if inv.Lt(amount) {
			inv.Clear()
		} else {
			inv.Sub(inv, amount)
		}
	}
}

// SetInventory overrides the tracked soft inventory for a currency.
func (p *PolicyEnforcer) SetInventory(currency string, balance *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normaliseCurrency(currency)
	if _, ok := p.policies[key]; !ok {
		return
	}
	if balance == nil {
		delete(p.inventory, key)
		return
	}
	p.inventory[key] = new(uint256.Int).Set(balance)
}

// RemainingCap reports the remaining allowance for the currency today.
func (p *PolicyEnforcer) RemainingCap(currency string, now time.Time) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[normaliseCurrency(currency)]
	if !ok {
		return new(uint256.Int)
	}
	return p.remainingLocked(policy, now)
}

func (p *PolicyEnforcer) remainingLocked(policy Policy, now time.Time) *uint256.Int {
	remaining := new(uint256.Int).Set(policy.DailyCap)
	spent := p.totals[policy.Currency][dayBucket(now)]
	if spent == nil {
		return remaining
	}
	if spent.Gt(remaining) {
		return remaining.Clear()
	}
	return remaining.Sub(remaining, spent)
}

// Snapshot returns the remaining cap per currency for status endpoints.
func (p *PolicyEnforcer) Snapshot(now time.Time) map[string]*uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*uint256.Int, len(p.policies))
	for key, policy := range p.policies {
		out[key] = p.remainingLocked(policy, now)
	}
	return out
}

func normaliseCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
