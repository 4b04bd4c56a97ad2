package bus

import (
	"github.com/cuemby/meshbus/pkg/processor"
	"github.com/cuemby/meshbus/pkg/types"
)

// ComponentHealth names the per-subsystem status folded into a
// CompositeHealth.
type ComponentHealth struct {
	Component string
	Status    types.TopicStatus // reused status vocabulary: HEALTHY/DEGRADED/UNAVAILABLE
	Detail    string
}

// CompositeHealth is the bus's overall health record: DEGRADED if any
// component is DEGRADED but none UNAVAILABLE, UNAVAILABLE if any is
// UNAVAILABLE, otherwise HEALTHY.
type CompositeHealth struct {
	Overall    types.TopicStatus
	Components []ComponentHealth
}

// evaluateHealth collates the processor's lifecycle state, the storage
// manager's per-topic health, and the router's endpoint availability into
// one composite record. Security has no explicit down state in this core
// (it holds no external connections to fail) and is reported HEALTHY
// whenever the bus itself is reachable enough to answer the call.
func (b *Bus) evaluateHealth() CompositeHealth {
	components := []ComponentHealth{
		b.processorHealth(),
		b.storageHealth(),
		b.routerHealth(),
		{Component: "security", Status: types.TopicHealthy},
	}

	overall := types.TopicHealthy
	for _, c := range components {
		switch c.Status {
		case types.TopicUnavailable:
			overall = types.TopicUnavailable
		case types.TopicDegraded:
			if overall != types.TopicUnavailable {
				overall = types.TopicDegraded
			}
		}
	}
	return CompositeHealth{Overall: overall, Components: components}
}

func (b *Bus) processorHealth() ComponentHealth {
	switch b.processor.State() {
	case processor.StateRunning:
		return ComponentHealth{Component: "processor", Status: types.TopicHealthy}
	case processor.StateStarting, processor.StateStopping:
		return ComponentHealth{Component: "processor", Status: types.TopicDegraded, Detail: string(b.processor.State())}
	default:
		return ComponentHealth{Component: "processor", Status: types.TopicUnavailable, Detail: string(b.processor.State())}
	}
}

func (b *Bus) storageHealth() ComponentHealth {
	names := b.topics.names()
	if len(names) == 0 {
		return ComponentHealth{Component: "storage", Status: types.TopicHealthy}
	}

	worst := types.TopicHealthy
	for _, name := range names {
		meta, err := b.storage.GetTopicMetadata(name)
		if err != nil || meta == nil {
			continue
		}
		switch meta.Status {
		case types.TopicUnavailable:
			worst = types.TopicUnavailable
		case types.TopicDegraded:
			if worst != types.TopicUnavailable {
				worst = types.TopicDegraded
			}
		}
	}
	return ComponentHealth{Component: "storage", Status: worst}
}

func (b *Bus) routerHealth() ComponentHealth {
	endpoints := b.router.Endpoints()
	if len(endpoints) == 0 {
		return ComponentHealth{Component: "router", Status: types.TopicHealthy}
	}

	available := 0
	openBreakers := 0
	for _, ep := range endpoints {
		if ep.Status == types.EndpointActive {
			available++
		}
		if ep.Breaker == types.BreakerOpen {
			openBreakers++
		}
	}
	if available == 0 {
		return ComponentHealth{Component: "router", Status: types.TopicUnavailable, Detail: "no endpoints available"}
	}
	if openBreakers > 0 {
		return ComponentHealth{Component: "router", Status: types.TopicDegraded, Detail: "one or more circuit breakers open"}
	}
	return ComponentHealth{Component: "router", Status: types.TopicHealthy}
}
