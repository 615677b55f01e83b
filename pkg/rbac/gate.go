package rbac

// Gate is the dealer-level kill switch for modules. It is consulted by the
// resolver for every non-admin resolution: a module switched off for the
// dealer voids every grant on it.
type Gate struct{}

// IsModuleActive reports whether module is enabled for the snapshot's dealer
func (Gate) IsModuleActive(snap *Snapshot, module Module) bool {
	if snap == nil {
		return false
	}
	return snap.ModuleEnabled(module)
}
