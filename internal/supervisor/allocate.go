// Package supervisor implements the manager's process supervisor: platform
// worker-slot allocation, queue bridging between the shared Redis store and
// in-process mailboxes, result collection, liveness monitoring, and respawn.
package supervisor

import "github.com/xjanova/postx-agent/internal/domain"

// allocate computes worker slots per platform. Base allocation is one share
// of numSlots per platform; the remainder goes to the high-traffic platforms
// in priority order, one extra slot each, cycling until depleted. maxPer
// caps any single platform when positive.
func allocate(numSlots, maxPer int) map[domain.Platform]int {
	platforms := domain.Platforms()
	out := make(map[domain.Platform]int, len(platforms))
	if numSlots <= 0 {
		numSlots = len(platforms)
	}
	base := numSlots / len(platforms)
	for _, p := range platforms {
		out[p] = base
	}
	remainder := numSlots - base*len(platforms)
	priority := domain.HighTrafficPlatforms()
	for i := 0; remainder > 0; i++ {
		out[priority[i%len(priority)]]++
		remainder--
	}
	if maxPer > 0 {
		for p, n := range out {
			if n > maxPer {
				out[p] = maxPer
			}
		}
	}
	return out
}
