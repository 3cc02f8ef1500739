// Package queue implements the bridge's per-room outbound pipeline: an
// adjacent-event coalescing buffer (§4.B) that flushes through a strictly
// ordered, timeout-bounded serial runner (§4.C).
package queue

import "time"

// Event is one pending outbound Matrix event, matching the spec's Event
// record: {type, content, user_id?} where UserID is the puppet to send as
// (empty means the bridge bot itself).
type Event struct {
	Type   string
	UserID string

	MsgType       string
	Body          string
	FormattedBody string
	HasFormat     bool
	Format        string
	ExtraContent  map[string]any
}

// Content renders the event as the body of an m.room.message (or other
// event type) sent to the homeserver.
func (e *Event) Content() map[string]any {
	content := map[string]any{}
	for k, v := range e.ExtraContent {
		content[k] = v
	}
	if e.MsgType != "" {
		content["msgtype"] = e.MsgType
	}
	content["body"] = e.Body
	if e.HasFormat {
		content["format"] = e.Format
		content["formatted_body"] = e.FormattedBody
	}
	return content
}

// coalesceKey identifies events eligible to merge per §4.B: same event
// type, same sender, same msgtype, and matching presence of a format field.
func (e *Event) coalesceKey() (string, string, string, bool) {
	return e.Type, e.UserID, e.MsgType, e.HasFormat
}

func sameCoalesceGroup(a, b *Event) bool {
	at, au, am, af := a.coalesceKey()
	bt, bu, bm, bf := b.coalesceKey()
	return at == bt && au == bu && am == bm && af == bf
}

// merge appends next onto prev in place, per §4.B's coalescing rule.
func merge(prev, next *Event) {
	prev.Body += "\n" + next.Body
	if prev.HasFormat {
		prev.FormattedBody += "<br>" + next.FormattedBody
	}
}

const (
	coalesceWindow = 1 * time.Second
	debounceDelay  = 100 * time.Millisecond
)
