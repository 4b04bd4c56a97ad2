package router

import (
	"crypto/sha256"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cuemby/meshbus/pkg/rng"
	"github.com/cuemby/meshbus/pkg/types"
)

func sortedByID(snaps []snapshot) []snapshot {
	out := append([]snapshot(nil), snaps...)
	sort.Slice(out, func(i, j int) bool { return out[i].ep.ID < out[j].ep.ID })
	return out
}

// selectRoundRobin cycles a shared counter over the sorted endpoint ids.
func selectRoundRobin(counter *uint64, snaps []snapshot) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}
	ordered := sortedByID(snaps)
	n := atomic.AddUint64(counter, 1) - 1
	return ordered[int(n%uint64(len(ordered)))].ep
}

// selectWeightedRoundRobin runs the classic smooth-weighted algorithm: each
// endpoint accrues weight*health_score per call; the max-accrued endpoint is
// chosen then debited by the total weight.
func selectWeightedRoundRobin(snaps []snapshot) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}
	total := 0
	var best *Endpoint
	bestAccrued := -1

	for _, s := range snaps {
		ep := s.ep
		effective := int(float64(s.weight) * s.healthScore)
		if effective < 1 {
			effective = 1
		}
		total += s.weight

		ep.mu.Lock()
		ep.currentWRRWeight += effective
		accrued := ep.currentWRRWeight
		ep.mu.Unlock()

		if accrued > bestAccrued {
			bestAccrued = accrued
			best = ep
		}
	}

	if best != nil {
		best.mu.Lock()
		best.currentWRRWeight -= total
		best.mu.Unlock()
	}
	return best
}

// selectLeastConnections returns the endpoint with the fewest current
// connections.
func selectLeastConnections(snaps []snapshot) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}
	best := snaps[0]
	for _, s := range snaps[1:] {
		if s.currentConnections < best.currentConnections {
			best = s
		}
	}
	return best.ep
}

// hashKey produces the 128-bit-digest-derived index used by the hash-based
// strategy, truncating a SHA-256 digest the way a SHA-like 128-bit hash
// would be used.
func hashKey(key string, mod int) int {
	if mod <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(key))
	n := new(big.Int).SetBytes(sum[:16])
	m := big.NewInt(int64(mod))
	return int(new(big.Int).Mod(n, m).Int64())
}

// selectHashBased hashes field (topic, message id, or an attribute) modulo
// the number of available endpoints.
func selectHashBased(env *types.MessageEnvelope, field string, snaps []snapshot) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}
	ordered := sortedByID(snaps)

	var key string
	switch {
	case field == "topic":
		key = env.Topic
	case field == "message_id":
		key = env.ID
	case len(field) > len("attribute:") && field[:len("attribute:")] == "attribute:":
		key = env.Attributes[field[len("attribute:"):]]
	default:
		key = env.Topic
	}

	idx := hashKey(key, len(ordered))
	return ordered[idx].ep
}

// selectPriorityBased routes CRITICAL to the highest health_score, HIGH to
// the lowest load factor, and everything else uniformly at random.
func selectPriorityBased(env *types.MessageEnvelope, snaps []snapshot, source rng.Source) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}

	switch env.Priority {
	case types.PriorityCritical:
		best := snaps[0]
		for _, s := range snaps[1:] {
			if s.healthScore > best.healthScore {
				best = s
			}
		}
		return best.ep
	case types.PriorityHigh:
		best := snaps[0]
		bestLoad := loadFactor(best)
		for _, s := range snaps[1:] {
			lf := loadFactor(s)
			if lf < bestLoad {
				best = s
				bestLoad = lf
			}
		}
		return best.ep
	default:
		return randomEndpoint(snaps, source)
	}
}

func loadFactor(s snapshot) float64 {
	if s.maxConnections == 0 {
		return 0
	}
	return float64(s.currentConnections) / float64(s.maxConnections)
}

func randomEndpoint(snaps []snapshot, source rng.Source) *Endpoint {
	if len(snaps) == 0 {
		return nil
	}
	return snaps[source.Intn(len(snaps))].ep
}

// matchRule evaluates a single routing rule's conditions against env and an
// optional routing context.
func matchRule(rule types.RoutingRule, env *types.MessageEnvelope, ctx map[string]string) bool {
	if !rule.Enabled {
		return false
	}
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, env, ctx) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond types.RoutingCondition, env *types.MessageEnvelope, ctx map[string]string) bool {
	switch cond.Field {
	case "topic":
		matched, err := regexp.MatchString(cond.Value, env.Topic)
		return err == nil && matched
	case "attribute":
		val, ok := env.Attributes[cond.Key]
		if !ok {
			return false
		}
		return compareString(val, cond.Op, cond.Value)
	case "priority":
		target, err := strconv.Atoi(cond.Value)
		if err != nil {
			return false
		}
		return compareInt(int(env.Priority), cond.Op, target)
	case "size":
		target, err := strconv.Atoi(cond.Value)
		if err != nil {
			return false
		}
		return compareInt(len(env.Payload), cond.Op, target)
	default:
		if len(cond.Field) > len("context.") && cond.Field[:len("context.")] == "context." {
			key := cond.Field[len("context."):]
			val, ok := ctx[key]
			if !ok {
				return false
			}
			return compareString(val, cond.Op, cond.Value)
		}
		return false
	}
}

func compareString(actual, op, expected string) bool {
	switch op {
	case "eq", "":
		return actual == expected
	case "ne":
		return actual != expected
	case "regex":
		matched, err := regexp.MatchString(expected, actual)
		return err == nil && matched
	case "contains":
		return len(expected) > 0 && len(actual) >= len(expected) && regexp.MustCompile(regexp.QuoteMeta(expected)).MatchString(actual)
	default:
		return false
	}
}

func compareInt(actual int, op string, expected int) bool {
	switch op {
	case "eq", "":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return actual > expected
	case "gte":
		return actual >= expected
	case "lt":
		return actual < expected
	case "lte":
		return actual <= expected
	default:
		return false
	}
}

// selectContentBased evaluates rules sorted by priority desc; the first
// match restricts candidates to its route_to subset, from which one is
// chosen uniformly at random. If no rule matches, falls back to random over
// all available endpoints.
func selectContentBased(env *types.MessageEnvelope, ctx map[string]string, rules []types.RoutingRule, snaps []snapshot, source rng.Source) *Endpoint {
	ordered := append([]types.RoutingRule(nil), rules...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, rule := range ordered {
		if !matchRule(rule, env, ctx) {
			continue
		}
		candidates := restrictTo(snaps, rule.RouteTo)
		if len(candidates) == 0 {
			continue
		}
		return randomEndpoint(candidates, source)
	}
	return randomEndpoint(snaps, source)
}

func restrictTo(snaps []snapshot, ids []string) []snapshot {
	if len(ids) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	var out []snapshot
	for _, s := range snaps {
		if _, ok := allowed[s.ep.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}
