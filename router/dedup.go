package router

import (
	"container/list"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"

	"github.com/malikkaraoui/tom/identity"
)

// dedupCapacity bounds the router's (from, id) suppression cache.
const dedupCapacity = 1024

// dedupCleanupTrigger, added to the half-capacity floor, sets the size
// past which the cache evicts its oldest entries: with 0.5 that is once it
// holds more than dedupCapacity entries, and eviction trims it back to
// dedupCapacity/2.
const dedupCleanupTrigger = 0.5

// dedupCache suppresses re-delivery of an envelope already seen from the
// same sender, bounded at dedupCapacity entries. Keys are derived through a
// blake3 multihash wrapped as a CID, which gives a fixed-width, collision-
// resistant key regardless of envelope id length.
type dedupCache struct {
	mu    sync.Mutex
	order *list.List
	seen  map[cid.Cid]*list.Element
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		order: list.New(),
		seen:  make(map[cid.Cid]*list.Element),
	}
}

func dedupKey(from identity.NodeId, msgID string) cid.Cid {
	sum := blake3.Sum256([]byte(string(from) + "|" + msgID))
	digest, err := mh.Encode(sum[:], mh.BLAKE3)
	if err != nil {
		// BLAKE3 is a registered multicodec; Encode only fails on a bad
		// code or length mismatch, neither of which can happen here.
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, digest)
}

// seenBefore reports whether (from, id) was already recorded, recording it
// if not. It evicts the oldest entries once the cache crosses the cleanup
// trigger, down to half capacity, keeping the structure bounded.
func (c *dedupCache) seenBefore(from identity.NodeId, msgID string) bool {
	key := dedupKey(from, msgID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok {
		c.order.MoveToFront(el)
		return true
	}

	el := c.order.PushFront(key)
	c.seen[key] = el

	if c.order.Len() > int(dedupCapacity*dedupCleanupTrigger)+dedupCapacity/2 {
		for c.order.Len() > dedupCapacity/2 {
			back := c.order.Back()
			if back == nil {
				break
			}
			c.order.Remove(back)
			delete(c.seen, back.Value.(cid.Cid))
		}
	}

	return false
}
