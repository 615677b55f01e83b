package rbac

import "fmt"

// OrderRule layers resource-level exceptions over the resolver for
// mutations of a specific order
type OrderRule struct {
	resolver *Resolver
}

// NewOrderRule creates an order rule on top of resolver
func NewOrderRule(resolver *Resolver) *OrderRule {
	return &OrderRule{resolver: resolver}
}

// CanMutateOrder reports whether subject may perform action on order.
// Denial is a normal false; errors mean malformed input.
func (r *OrderRule) CanMutateOrder(snap *Snapshot, subject Subject, order Order, action OrderAction) (bool, error) {
	allowed, _, err := r.evaluate(snap, subject, order.Module(), order, action)
	return allowed, err
}

// evaluate applies the rule with module as the base module; the guard may
// ask about an order under a module other than the order's own.
func (r *OrderRule) evaluate(snap *Snapshot, subject Subject, module Module, order Order, action OrderAction) (bool, []string, error) {
	if action != OrderActionEdit && action != OrderActionDelete {
		return false, nil, fmt.Errorf("rbac: unsupported order action %q", action)
	}

	res, err := r.resolver.Resolve(snap, subject, module, action.Level(), &order)
	if err != nil {
		return false, nil, err
	}
	if subject.IsSystemAdmin {
		return true, []string{string(SourceSystemAdmin)}, nil
	}

	if order.DealerID != subject.DealerID {
		return false, []string{"order_other_dealer"}, nil
	}
	if res.ModuleInactive {
		return false, []string{"module_inactive"}, nil
	}

	// Completed and cancelled orders only yield to admins, owners included.
	if order.Status.Terminal() {
		if res.EffectiveLevel.Allows(LevelAdmin) {
			return true, sourceReasons(res.Sources), nil
		}
		return false, []string{"order_terminal"}, nil
	}

	if res.Granted {
		return true, sourceReasons(res.Sources), nil
	}

	if action == OrderActionEdit && order.involves(subject.ID) {
		return true, []string{GrantSource{Kind: SourceOwnership, Level: LevelWrite}.String()}, nil
	}

	return false, []string{"insufficient_level"}, nil
}

func sourceReasons(sources []GrantSource) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.String())
	}
	return out
}
