package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/dealerops/pkg/observability"
)

const tracerName = "github.com/platinummonkey/dealerops/pkg/rbac"

// PolicyReader is the read side of the persistence collaborator
type PolicyReader interface {
	FetchRoles(ctx context.Context) ([]Role, error)
	FetchRolePermissions(ctx context.Context) ([]RolePermission, error)
	FetchUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
	FetchUserGroups(ctx context.Context, userID int64) ([]UserGroup, error)
	FetchModuleActivations(ctx context.Context, dealerID int64) ([]ModuleActivation, error)
}

// ProviderConfig configures snapshot caching
type ProviderConfig struct {
	// CacheSize is the maximum number of (dealer, user) snapshots kept
	CacheSize int

	// TTL bounds how stale a cached snapshot may get before it is reloaded
	TTL time.Duration

	// LoadTimeout bounds a single snapshot load
	LoadTimeout time.Duration

	// Now is the clock stamped on loaded snapshots
	Now func() time.Time

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DefaultProviderConfig returns default snapshot caching settings
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		CacheSize:   10000,
		TTL:         30 * time.Second,
		LoadTimeout: 5 * time.Second,
	}
}

type snapshotKey struct {
	dealerID int64
	userID   int64
}

// Provider hands out policy snapshots. Snapshots are cached per (dealer,
// user) and replaced wholesale, never patched: invalidation drops them and
// the next request loads a new one. A just-revoked grant may keep working
// on other instances until their TTL lapses or an invalidation arrives.
type Provider struct {
	reader  PolicyReader
	cache   *lru.LRU[snapshotKey, *Snapshot]
	loads   singleflight.Group
	config  ProviderConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	// mu orders cache inserts against invalidations. generation moves on
	// every invalidation so a load that began earlier is not cached.
	mu         sync.Mutex
	generation uint64
}

// NewProvider creates a snapshot provider over reader
func NewProvider(reader PolicyReader, config ProviderConfig) *Provider {
	defaults := DefaultProviderConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = defaults.LoadTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Provider{
		reader:  reader,
		cache:   lru.NewLRU[snapshotKey, *Snapshot](config.CacheSize, nil, config.TTL),
		config:  config,
		logger:  logger.WithField("component", "policy_provider"),
		metrics: config.Metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// Snapshot returns the cached snapshot for the user within the dealer,
// loading it on a miss
func (p *Provider) Snapshot(ctx context.Context, dealerID, userID int64) (*Snapshot, error) {
	key := snapshotKey{dealerID: dealerID, userID: userID}
	if snap, ok := p.cache.Get(key); ok {
		p.metrics.RecordSnapshotCache(true)
		return snap, nil
	}
	p.metrics.RecordSnapshotCache(false)
	return p.load(ctx, key)
}

// Refresh discards any cached snapshot for the user within the dealer and
// loads a new one
func (p *Provider) Refresh(ctx context.Context, dealerID, userID int64) (*Snapshot, error) {
	key := snapshotKey{dealerID: dealerID, userID: userID}
	p.invalidate("refresh", func(k snapshotKey) bool { return k == key })
	return p.load(ctx, key)
}

// InvalidateUser drops every cached snapshot of userID
func (p *Provider) InvalidateUser(userID int64) {
	p.invalidate("user", func(k snapshotKey) bool { return k.userID == userID })
}

// InvalidateDealer drops every cached snapshot within dealerID
func (p *Provider) InvalidateDealer(dealerID int64) {
	p.invalidate("dealer", func(k snapshotKey) bool { return k.dealerID == dealerID })
}

// InvalidateAll drops every cached snapshot
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	p.generation++
	p.cache.Purge()
	p.mu.Unlock()
	p.metrics.RecordInvalidation("all")
}

// Apply handles an invalidation received from another instance
func (p *Provider) Apply(inv Invalidation) {
	switch inv.Scope {
	case ScopeUser:
		p.InvalidateUser(inv.ID)
	case ScopeDealer:
		p.InvalidateDealer(inv.ID)
	default:
		p.InvalidateAll()
	}
}

// RefreshAll reloads every snapshot currently cached. Entries whose
// reload fails stay in place until their TTL expires.
func (p *Provider) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, key := range p.cache.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		gen := p.generation
		p.mu.Unlock()

		snap, err := p.fetch(ctx, key)
		if err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"dealer_id": key.dealerID,
				"user_id":   key.userID,
			}).Warn("snapshot refresh failed")
			errs = append(errs, err)
			continue
		}
		p.store(key, snap, gen)
	}
	return errors.Join(errs...)
}

// Len returns the number of cached snapshots
func (p *Provider) Len() int {
	return p.cache.Len()
}

func (p *Provider) invalidate(scope string, match func(snapshotKey) bool) {
	p.mu.Lock()
	p.generation++
	for _, k := range p.cache.Keys() {
		if match(k) {
			p.cache.Remove(k)
		}
	}
	p.mu.Unlock()
	p.metrics.RecordInvalidation(scope)
}

func (p *Provider) store(key snapshotKey, snap *Snapshot, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.generation {
		p.cache.Add(key, snap)
	}
}

func (p *Provider) load(ctx context.Context, key snapshotKey) (*Snapshot, error) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	// Waiters share one load per generation; it runs detached from the
	// first caller's cancellation so their own contexts decide.
	flightKey := fmt.Sprintf("%d/%d/%d", gen, key.dealerID, key.userID)
	ch := p.loads.DoChan(flightKey, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.LoadTimeout)
		defer cancel()

		snap, err := p.fetch(loadCtx, key)
		if err != nil {
			return nil, err
		}
		p.store(key, snap, gen)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (p *Provider) fetch(ctx context.Context, key snapshotKey) (*Snapshot, error) {
	ctx, span := p.tracer.Start(ctx, "rbac.LoadSnapshot", trace.WithAttributes(
		attribute.Int64("dealer_id", key.dealerID),
		attribute.Int64("user_id", key.userID),
	))
	defer span.End()
	start := time.Now()

	var (
		roles       []Role
		permissions []RolePermission
		userRoles   []UserRole
		userGroups  []UserGroup
		activations []ModuleActivation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		roles, err = p.reader.FetchRoles(gctx)
		return err
	})
	g.Go(func() (err error) {
		permissions, err = p.reader.FetchRolePermissions(gctx)
		return err
	})
	g.Go(func() (err error) {
		userRoles, err = p.reader.FetchUserRoles(gctx, key.userID)
		return err
	})
	g.Go(func() (err error) {
		userGroups, err = p.reader.FetchUserGroups(gctx, key.userID)
		return err
	})
	g.Go(func() (err error) {
		activations, err = p.reader.FetchModuleActivations(gctx, key.dealerID)
		return err
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot load failed")
		p.metrics.RecordSnapshotLoad("error", time.Since(start))
		return nil, fmt.Errorf("failed to load policy snapshot: %w", err)
	}

	snap := NewSnapshot(SnapshotData{
		DealerID:          key.dealerID,
		UserID:            key.userID,
		Roles:             roles,
		RolePermissions:   permissions,
		UserRoles:         userRoles,
		UserGroups:        userGroups,
		ModuleActivations: activations,
		LoadedAt:          p.config.Now(),
	})
	p.metrics.RecordSnapshotLoad("success", time.Since(start))
	return snap, nil
}
