package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/dealerops/pkg/audit"
	"github.com/platinummonkey/dealerops/pkg/observability"
)

// Category is the coarse outcome a decision exposes to callers
type Category string

const (
	CategoryGranted     Category = "granted"
	CategoryDenied      Category = "denied"
	CategoryUnavailable Category = "unavailable"
)

// Request is one question put to the guard
type Request struct {
	Module     Module
	Permission Level

	// Resource scopes the check to a specific order
	Resource *Order

	// RequireDealerModule makes the dealer's activation of Module the whole
	// question; Permission is not consulted.
	RequireDealerModule bool

	// RequireSystemPermission limits the request to system administrators
	RequireSystemPermission bool
}

// Decision is the guard's answer. Reasons are for audit only and must not
// be shown to the subject.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Category       Category  `json:"category"`
	EffectiveLevel Level     `json:"effective_level"`
	Reasons        []string  `json:"-"`
	CheckedAt      time.Time `json:"checked_at"`
}

// DecisionRecord is what the audit hook receives for every decision
type DecisionRecord struct {
	Subject    Subject
	Module     Module
	Permission Level
	Resource   *Order
	Allowed    bool
	Category   Category
	Reasons    []string
	At         time.Time
}

// AuditHook is invoked synchronously after every decision
type AuditHook func(ctx context.Context, record DecisionRecord)

// SnapshotSource supplies policy snapshots to the guard
type SnapshotSource interface {
	Snapshot(ctx context.Context, dealerID, userID int64) (*Snapshot, error)
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithAuditHook emits every decision to hook
func WithAuditHook(hook AuditHook) GuardOption {
	return func(g *Guard) { g.hook = hook }
}

// WithGuardMetrics records decisions in metrics
func WithGuardMetrics(metrics *observability.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = metrics }
}

// WithGuardLogger sets the logger used for store failures
func WithGuardLogger(logger *observability.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// Guard is the single enforcement entry point. It composes the gate, the
// resolver and the order rule in a fixed order; the first definitive deny
// wins.
type Guard struct {
	snapshots SnapshotSource
	resolver  *Resolver
	orders    *OrderRule
	hook      AuditHook
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewGuard creates a guard reading snapshots from snapshots
func NewGuard(snapshots SnapshotSource, resolver *Resolver, opts ...GuardOption) *Guard {
	g := &Guard{
		snapshots: snapshots,
		resolver:  resolver,
		orders:    NewOrderRule(resolver),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates req for subject. A denial is an ordinary Decision; the
// error is non-nil only for malformed requests or an unavailable store, in
// which case the decision is a denial with CategoryUnavailable.
func (g *Guard) Check(ctx context.Context, subject Subject, req Request) (Decision, error) {
	start := time.Now()
	d, err := g.decide(ctx, subject, req)
	d.CheckedAt = g.resolver.Now()

	g.metrics.RecordDecision(string(req.Module), string(d.Category), time.Since(start))
	if g.hook != nil {
		g.hook(ctx, DecisionRecord{
			Subject:    subject,
			Module:     req.Module,
			Permission: req.Permission,
			Resource:   req.Resource,
			Allowed:    d.Allowed,
			Category:   d.Category,
			Reasons:    d.Reasons,
			At:         d.CheckedAt,
		})
	}
	return d, err
}

// Allowed is Check collapsed to a boolean that fails closed
func (g *Guard) Allowed(ctx context.Context, subject Subject, req Request) bool {
	d, err := g.Check(ctx, subject, req)
	return err == nil && d.Allowed
}

// Snapshot exposes the guard's snapshot source
func (g *Guard) Snapshot(ctx context.Context, subject Subject) (*Snapshot, error) {
	return g.snapshots.Snapshot(ctx, subject.DealerID, subject.ID)
}

func (g *Guard) decide(ctx context.Context, subject Subject, req Request) (Decision, error) {
	if !req.Module.Valid() {
		return unavailable("invalid_module"), fmt.Errorf("%w: %q", ErrInvalidModule, req.Module)
	}
	if !req.Permission.Valid() {
		return unavailable("invalid_level"), fmt.Errorf("%w: %d", ErrInvalidLevel, int(req.Permission))
	}

	if req.RequireSystemPermission {
		if subject.IsSystemAdmin {
			return granted(LevelAdmin, string(SourceSystemAdmin)), nil
		}
		return denied(LevelNone, "system_permission_required"), nil
	}

	// System admins bypass every check below, so no snapshot is needed.
	if subject.IsSystemAdmin {
		return granted(LevelAdmin, string(SourceSystemAdmin)), nil
	}

	snap, err := g.snapshots.Snapshot(ctx, subject.DealerID, subject.ID)
	if err != nil {
		g.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id":   subject.ID,
			"dealer_id": subject.DealerID,
			"module":    req.Module,
		}).Error("policy snapshot unavailable")
		if !errors.Is(err, ErrTransientStore) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTransientStore, err)
		}
		return unavailable("store_unavailable"), err
	}

	if !g.resolver.gate.IsModuleActive(snap, req.Module) {
		return denied(LevelNone, "module_inactive"), nil
	}
	if req.RequireDealerModule {
		return granted(LevelNone, "module_active"), nil
	}

	res, err := g.resolver.Resolve(snap, subject, req.Module, req.Permission, req.Resource)
	if err != nil {
		return unavailable("resolve_failed"), err
	}

	if req.Resource != nil {
		if action, ok := actionForLevel(req.Permission); ok {
			allowed, reasons, err := g.orders.evaluate(snap, subject, req.Module, *req.Resource, action)
			if err != nil {
				return unavailable("order_rule_failed"), err
			}
			effective := res.EffectiveLevel
			if allowed && !res.Granted {
				effective = MaxLevel(effective, LevelWrite)
			}
			if allowed {
				return granted(effective, reasons...), nil
			}
			return denied(effective, reasons...), nil
		}
		if req.Resource.DealerID != subject.DealerID {
			return denied(res.EffectiveLevel, "order_other_dealer"), nil
		}
	}

	if res.Granted {
		return granted(res.EffectiveLevel, sourceReasons(res.Sources)...), nil
	}
	return denied(res.EffectiveLevel, "insufficient_level"), nil
}

// actionForLevel maps a mutation level to the order action it implies
func actionForLevel(l Level) (OrderAction, bool) {
	switch l {
	case LevelWrite:
		return OrderActionEdit, true
	case LevelDelete:
		return OrderActionDelete, true
	default:
		return "", false
	}
}

func granted(level Level, reasons ...string) Decision {
	return Decision{Allowed: true, Category: CategoryGranted, EffectiveLevel: level, Reasons: reasons}
}

func denied(level Level, reasons ...string) Decision {
	return Decision{Category: CategoryDenied, EffectiveLevel: level, Reasons: reasons}
}

func unavailable(reasons ...string) Decision {
	return Decision{Category: CategoryUnavailable, Reasons: reasons}
}

// AuditLoggerHook adapts an audit sink into a decision hook. Sink failures
// never affect the decision; they are logged and counted.
func AuditLoggerHook(sink audit.Logger, logger *observability.Logger, metrics *observability.Metrics) AuditHook {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(ctx context.Context, rec DecisionRecord) {
		eventType := audit.EventTypeAuthzDecision
		status := audit.EventStatusSuccess
		switch rec.Category {
		case CategoryDenied:
			eventType = audit.EventTypeAuthzAccessDenied
			status = audit.EventStatusDenied
		case CategoryUnavailable:
			eventType = audit.EventTypeAuthzAccessDenied
			status = audit.EventStatusUnavailable
		}

		userID := rec.Subject.ID
		dealerID := rec.Subject.DealerID
		event := audit.NewEvent(ctx, eventType, status)
		event.Timestamp = rec.At.UTC()
		event.UserID = &userID
		event.DealerID = &dealerID
		event.ResourceType = audit.ResourceTypeModule
		event.ResourceID = string(rec.Module)
		event.Reasons = rec.Reasons
		event.Metadata["permission"] = rec.Permission.String()
		if rec.Resource != nil {
			event.Metadata["order_id"] = strconv.FormatInt(rec.Resource.ID, 10)
		}
		reportAuditFailure(logger, metrics, "guard", eventType, sink.Log(ctx, event))
	}
}

func reportAuditFailure(logger *observability.Logger, metrics *observability.Metrics, source string, eventType audit.EventType, err error) {
	if err == nil {
		return
	}
	logger.WithError(err).WithFields(map[string]interface{}{
		"source":     source,
		"event_type": string(eventType),
	}).Warn("failed to record audit event")
	metrics.RecordAuditFailure(source)
}
