// Package rbac is the dealership authorization engine.
//
// # Overview
//
// Every decision is made against a Snapshot: an immutable, point-in-time
// copy of the roles, groups and module activations that apply to one user
// within one dealership. The Provider caches snapshots and replaces them
// after assignment writes, on a refresh schedule, or on request.
//
// # Permission Levels
//
// Levels form a single ordered lattice:
//
//	none < read < write < delete < admin
//
// A subject's effective level on a module is the maximum over the roles it
// holds, the groups it belongs to (order-bearing modules only, filtered by
// the order's type when an order is in scope), and admin for system
// administrators. Grants only ever add; there is no explicit deny.
//
// # Enforcement
//
// Guard.Check composes the checks in a fixed order and the first definitive
// deny wins:
//
//  1. system permission, when requested
//  2. the dealer's module activation (Gate)
//  3. the effective level (Resolver)
//  4. order rules when an order is supplied (OrderRule): completed and
//     cancelled orders need admin, and creators or assignees may edit an
//     order they could not otherwise edit
//
// Callers must fail closed. Guard.Allowed does that for them.
//
//	guard := rbac.NewGuard(provider, rbac.NewResolver(nil))
//	if !guard.Allowed(ctx, subject, rbac.Request{Module: rbac.ModuleServiceOrders, Permission: rbac.LevelWrite}) {
//		// render access denied
//	}
//
// # Assignment
//
// RoleAssignmentService, GroupAssignmentService and ModuleActivationService
// write through a PolicyWriter, then invalidate cached snapshots locally and
// over the InvalidationBus. Other instances may keep serving a revoked grant
// until the invalidation reaches them or their snapshot TTL lapses.
package rbac
