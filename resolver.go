package limitrate

// resolvePolicy implements spec.md 4.2: winner-takes-all lookup, never
// merged with defaults. It is a pure function of (policies, basePlan,
// plan, endpointKey) so that resolution is deterministic from a config
// snapshot (I1, property P5).
func resolvePolicy(policies map[string]PlanPolicy, basePlan, plan, endpointKey string) EndpointPolicy {
	pp, ok := policies[plan]
	if !ok {
		pp, ok = policies[basePlan]
		if !ok {
			return EndpointPolicy{}
		}
	}

	if ep, ok := pp.Endpoints[endpointKey]; ok {
		return ep
	}

	return pp.Defaults
}
