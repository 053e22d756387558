package signaling

import "github.com/pewpew/arena-backend/pkg/types"

// publishResult reports delivery for one lobby notice.
type publishResult struct {
	Sent    int
	Dropped []*peer
}

// fanout is the lobby's player subscription set for streamer notices.
// Owned by the room goroutine.
type fanout struct {
	subs map[string]*peer // conn id -> peer
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]*peer)}
}

func (f *fanout) subscribe(p *peer)   { f.subs[p.conn.ID()] = p }
func (f *fanout) unsubscribe(p *peer) { delete(f.subs, p.conn.ID()) }
func (f *fanout) len() int            { return len(f.subs) }

// publish sends env to every subscriber accepted by match (nil matches all).
// Subscribers that cannot take the message are returned in Dropped.
func (f *fanout) publish(env types.ServerEnvelope, match func(*peer) bool) publishResult {
	var res publishResult
	for _, p := range f.subs {
		if match != nil && !match(p) {
			continue
		}
		if p.conn.send(env) {
			res.Sent++
		} else {
			res.Dropped = append(res.Dropped, p)
		}
	}
	return res
}
