// Package policy implements the capability gate that authorizes and audits
// every access to location data, together with consent and collection
// policies.
package policy

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// Audit actions.
const (
	ActionEvaluate     = "evaluate"
	ActionTogglePolicy = "toggle_policy"
	ActionSetConsent   = "set_consent"
)

// Decision reasons recorded on audit entries.
const (
	ReasonRuleTable        = "rule_table"
	ReasonPublicProfile    = "public_profile"
	ReasonNoConsent        = "no_consent"
	ReasonUnknownTarget    = "unknown_target"
	ReasonRequired         = "required"
	ReasonNotFound         = "not_found"
	ReasonNotWithdrawable  = "not_withdrawable"
	ReasonPermissionDenied = "permission_denied"
)

// Allowed is the capability rule table: admins hold every capability and any
// actor may modify their own privacy settings. Everything else is denied.
func Allowed(c schema.Capability, actor schema.Actor, targetID string) bool {
	if !c.Valid() {
		return false
	}
	if actor.Role == schema.RoleAdmin {
		return true
	}
	if c == schema.CapModifyPrivacy && targetID != "" && targetID == actor.ID {
		return true
	}
	return false
}

// Gate evaluates capabilities against the rule table, tracks consent and
// collection policies, and appends every decision to its ledger.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*schema.PrivacyPolicy
	order    []string
	consents map[string]*schema.ConsentRecord

	ledger   *Ledger
	now      func() time.Time
	log      *zap.Logger
	onDecide func(c schema.Capability, allowed bool)
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source for audit and consent timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger used for decision diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithLedger replaces the default ledger, e.g. one with a mirroring sink.
func WithLedger(l *Ledger) Option {
	return func(g *Gate) { g.ledger = l }
}

// WithDecisionHook registers a callback for every capability decision.
func WithDecisionHook(fn func(c schema.Capability, allowed bool)) Option {
	return func(g *Gate) { g.onDecide = fn }
}

// NewGate builds a gate from the configured policies and consent records.
// A required policy must be active.
func NewGate(policies []schema.PrivacyPolicy, consents []schema.ConsentRecord, opts ...Option) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*schema.PrivacyPolicy, len(policies)),
		consents: make(map[string]*schema.ConsentRecord, len(consents)),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.ledger == nil {
		g.ledger = NewLedger(nil)
	}

	for _, p := range policies {
		if p.ID == "" {
			return nil, errors.Wrap(ErrInvalidPolicy, "policy without id")
		}
		if _, dup := g.policies[p.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidPolicy, "duplicate policy %s", p.ID)
		}
		if p.IsRequired && !p.IsActive {
			return nil, errors.Wrapf(ErrInvalidPolicy, "required policy %s must be active", p.ID)
		}
		cp := p
		cp.DataTypes = append([]string(nil), p.DataTypes...)
		g.policies[p.ID] = &cp
		g.order = append(g.order, p.ID)
	}
	for _, c := range consents {
		cp := c
		cp.DataTypes = append([]string(nil), c.DataTypes...)
		g.consents[c.UserID] = &cp
	}
	return g, nil
}

// Ledger exposes the audit trail.
func (g *Gate) Ledger() *Ledger {
	return g.ledger
}

// Evaluate consults the rule table for actor acting on targetID and audits
// the decision.
func (g *Gate) Evaluate(c schema.Capability, actor schema.Actor, targetID string) bool {
	allowed := Allowed(c, actor, targetID)
	g.record(c, actor, targetID, allowed, ReasonRuleTable)
	return allowed
}

// CheckPermission is Evaluate under the name used by collaborators.
func (g *Gate) CheckPermission(c schema.Capability, actor schema.Actor, targetID string) bool {
	return g.Evaluate(c, actor, targetID)
}

// Authorize decides whether actor may read target's data under capability c.
// Consent is checked first, then the rule table, then the public-profile
// exception, which only ever grants view_location.
//
// identity is nil when the target is unknown; the audited outcome is then a
// denial, indistinguishable to the caller from any other. Exactly one audit
// entry is appended.
func (g *Gate) Authorize(c schema.Capability, actor schema.Actor, targetID string, identity *schema.UserIdentity) bool {
	ruleAllows := Allowed(c, actor, targetID)

	var allowed bool
	var reason string
	switch {
	case identity == nil:
		reason = ReasonUnknownTarget
		if !ruleAllows {
			reason = ReasonRuleTable
		}
	case !g.HasConsent(identity):
		reason = ReasonNoConsent
	case ruleAllows:
		allowed, reason = true, ReasonRuleTable
	case c == schema.CapViewLocation && identity.PrivacyLevel == schema.PrivacyPublic:
		allowed, reason = true, ReasonPublicProfile
	default:
		reason = ReasonRuleTable
	}

	g.record(c, actor, targetID, allowed, reason)
	return allowed
}

func (g *Gate) record(c schema.Capability, actor schema.Actor, targetID string, allowed bool, reason string) {
	result := schema.ResultDeny
	if allowed {
		result = schema.ResultAllow
	}
	g.ledger.Append(schema.AuditLogEntry{
		Action:     ActionEvaluate,
		Actor:      actor.ID,
		Target:     targetID,
		Timestamp:  g.now(),
		Result:     result,
		Capability: c,
		Reason:     reason,
	})
	if !allowed {
		g.log.Debug("access_denied",
			zap.String("capability", string(c)),
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)),
			zap.String("reason", reason),
		)
	}
	if g.onDecide != nil {
		g.onDecide(c, allowed)
	}
}

// HasConsent reports whether identity's location data may be surfaced. A
// consent record, when present, overrides the directory flag.
func (g *Gate) HasConsent(identity *schema.UserIdentity) bool {
	if identity == nil {
		return false
	}
	g.mu.RLock()
	rec, ok := g.consents[identity.ID]
	g.mu.RUnlock()
	if ok {
		return rec.ConsentGiven
	}
	return identity.ConsentGiven
}

// SetPolicyActive activates or deactivates a policy. Required policies can
// never be toggled.
func (g *Gate) SetPolicyActive(actor schema.Actor, policyID string, active bool) error {
	entry := schema.AuditLogEntry{
		Action:     ActionTogglePolicy,
		Actor:      actor.ID,
		Target:     policyID,
		Capability: schema.CapModifyPrivacy,
		Result:     schema.ResultRejected,
	}

	if !Allowed(schema.CapModifyPrivacy, actor, "") {
		entry.Reason = ReasonPermissionDenied
		g.appendEntry(entry)
		return ErrPermissionDenied
	}

	g.mu.Lock()
	p, ok := g.policies[policyID]
	switch {
	case !ok:
		g.mu.Unlock()
		entry.Reason = ReasonNotFound
		g.appendEntry(entry)
		return errors.Wrapf(ErrPolicyNotFound, "policy %s", policyID)
	case p.IsRequired:
		g.mu.Unlock()
		entry.Reason = ReasonRequired
		g.appendEntry(entry)
		return errors.Wrapf(ErrPolicyImmutable, "policy %s", policyID)
	}
	p.IsActive = active
	g.mu.Unlock()

	entry.Result = schema.ResultSuccess
	if active {
		entry.Reason = "activated"
	} else {
		entry.Reason = "deactivated"
	}
	g.appendEntry(entry)
	g.log.Info("policy_toggled", zap.String("policy", policyID), zap.Bool("active", active), zap.String("actor_id", actor.ID))
	return nil
}

// SetConsent grants or withdraws a user's consent. Withdrawing a granted,
// non-withdrawable record fails and leaves it untouched.
func (g *Gate) SetConsent(actor schema.Actor, userID string, granted bool) error {
	entry := schema.AuditLogEntry{
		Action:     ActionSetConsent,
		Actor:      actor.ID,
		Target:     userID,
		Capability: schema.CapModifyPrivacy,
		Result:     schema.ResultRejected,
	}

	if !Allowed(schema.CapModifyPrivacy, actor, userID) {
		entry.Reason = ReasonPermissionDenied
		g.appendEntry(entry)
		return ErrPermissionDenied
	}

	now := g.now()
	g.mu.Lock()
	rec, ok := g.consents[userID]
	if ok && rec.ConsentGiven && !granted && !rec.CanWithdraw {
		g.mu.Unlock()
		entry.Reason = ReasonNotWithdrawable
		g.appendEntry(entry)
		return errors.Wrapf(ErrConsentNotWithdrawable, "user %s", userID)
	}
	if !ok {
		rec = &schema.ConsentRecord{
			UserID:      userID,
			DataTypes:   []string{schema.DataTypeLocation},
			CanWithdraw: true,
		}
		g.consents[userID] = rec
	}
	rec.ConsentGiven = granted
	rec.ConsentDate = &now
	g.mu.Unlock()

	entry.Result = schema.ResultSuccess
	if granted {
		entry.Reason = "granted"
	} else {
		entry.Reason = "withdrawn"
	}
	entry.Timestamp = now
	g.appendEntry(entry)
	return nil
}

func (g *Gate) appendEntry(e schema.AuditLogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = g.now()
	}
	g.ledger.Append(e)
}

// Consent returns a copy of the user's consent record.
func (g *Gate) Consent(userID string) (schema.ConsentRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.consents[userID]
	if !ok {
		return schema.ConsentRecord{}, false
	}
	return copyConsent(rec), true
}

// Policy returns a copy of a policy.
func (g *Gate) Policy(id string) (schema.PrivacyPolicy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.policies[id]
	if !ok {
		return schema.PrivacyPolicy{}, false
	}
	return copyPolicy(p), true
}

// Policies returns copies of every policy in declaration order.
func (g *Gate) Policies() []schema.PrivacyPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]schema.PrivacyPolicy, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyPolicy(g.policies[id]))
	}
	return out
}

// AllowsCollection reports whether dataType may be collected for userID: an
// active policy must cover the data type and be either required or opted
// into by the user's consent record.
func (g *Gate) AllowsCollection(userID, dataType string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec := g.consents[userID]
	for _, id := range g.order {
		p := g.policies[id]
		if !p.IsActive || !p.Covers(dataType) {
			continue
		}
		if p.IsRequired {
			return true
		}
		if rec != nil && rec.Covers(dataType) {
			return true
		}
	}
	return false
}

// AuditLog returns up to limit audit entries, newest first.
func (g *Gate) AuditLog(limit int) []schema.AuditLogEntry {
	return g.ledger.List(limit)
}

// Denials returns rule-table denials of data-access capabilities since t.
// Consent filtering and unknown targets are not counted.
func (g *Gate) Denials(since time.Time) []schema.AuditLogEntry {
	return g.ledger.Since(since, func(e schema.AuditLogEntry) bool {
		if e.Action != ActionEvaluate || e.Result != schema.ResultDeny || e.Reason != ReasonRuleTable {
			return false
		}
		switch e.Capability {
		case schema.CapViewLocation, schema.CapViewHistory, schema.CapExportData, schema.CapDeleteData:
			return true
		}
		return false
	})
}

func copyPolicy(p *schema.PrivacyPolicy) schema.PrivacyPolicy {
	cp := *p
	cp.DataTypes = append([]string(nil), p.DataTypes...)
	return cp
}

func copyConsent(c *schema.ConsentRecord) schema.ConsentRecord {
	cp := *c
	cp.DataTypes = append([]string(nil), c.DataTypes...)
	if c.ConsentDate != nil {
		d := *c.ConsentDate
		cp.ConsentDate = &d
	}
	return cp
}
