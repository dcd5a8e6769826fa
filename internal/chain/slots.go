package chain

import "time"

// SlotClock converts between wall time and slot numbers for one network.
// Post-Shelley both supported networks run one slot per second from a fixed
// anchor point.
type SlotClock struct {
	zeroTime time.Time // wall time of zeroSlot
	zeroSlot int64
}

// Network anchors: (zero slot, unix time of that slot).
var networkAnchors = map[string]struct {
	slot int64
	unix int64
}{
	"mainnet": {slot: 4492800, unix: 1596059091},
	"preprod": {slot: 86400, unix: 1655769600},
}

// NewSlotClock returns the clock for a known network, or a zero-anchored
// clock for anything else.
func NewSlotClock(network string) *SlotClock {
	if anchor, ok := networkAnchors[network]; ok {
		return &SlotClock{
			zeroTime: time.Unix(anchor.unix, 0).UTC(),
			zeroSlot: anchor.slot,
		}
	}
	return &SlotClock{zeroTime: time.Unix(0, 0).UTC()}
}

// SlotAt returns the slot number containing t.
func (c *SlotClock) SlotAt(t time.Time) int64 {
	return c.zeroSlot + int64(t.Sub(c.zeroTime)/time.Second)
}

// TimeAt returns the wall time at the start of slot.
func (c *SlotClock) TimeAt(slot int64) time.Time {
	return c.zeroTime.Add(time.Duration(slot-c.zeroSlot) * time.Second)
}

// ValidityWindowSlack bounds execution determinism of built transactions.
const ValidityWindowSlack = 150 * time.Second

// ValidityWindow returns the slot interval now±slack used on every built
// transaction.
func (c *SlotClock) ValidityWindow(now time.Time) (from, to int64) {
	return c.SlotAt(now.Add(-ValidityWindowSlack)), c.SlotAt(now.Add(ValidityWindowSlack))
}
