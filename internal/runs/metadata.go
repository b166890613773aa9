package runs

import "strings"

// Metadata is the run's nested aggregate blob, persisted as JSON.
//
// Layout (all keys optional until first written):
//
//	rows.total, rows.invalid
//	calls.total, calls.pending, calls.calling, calls.completed,
//	calls.failed, calls.voicemail, calls.connected, calls.converted
//	run.createdAt, run.startTime, run.lastPausedAt, run.endTime, run.duration, run.error
//
// Counter invariant (eventual): completed + failed + pending + calling == total.
// Temporary drift under concurrent updates is tolerated; the auditor corrects it.
type Metadata map[string]any

// Clone deep-copies the blob so read-modify-write never aliases stored state.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, vv := range t {
			c[k] = cloneValue(vv)
		}
		return c
	case Metadata:
		return map[string]any(t.Clone())
	case []any:
		c := make([]any, len(t))
		for i, vv := range t {
			c[i] = cloneValue(vv)
		}
		return c
	default:
		return v
	}
}

// GetInt walks a dot path ("calls.completed") and returns the counter value.
// Missing keys and non-numeric values read as 0.
func (m Metadata) GetInt(path string) int {
	cur := map[string]any(m)
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if cur == nil {
			return 0
		}
		v, ok := cur[p]
		if !ok {
			return 0
		}
		if i == len(parts)-1 {
			return toInt(v)
		}
		next, ok := asMap(v)
		if !ok {
			return 0
		}
		cur = next
	}
	return 0
}

// Get walks a dot path and returns the raw value, if present.
func (m Metadata) Get(path string) (any, bool) {
	cur := map[string]any(m)
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if cur == nil {
			return nil, false
		}
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Set walks/creates the dot path and stores v at the leaf.
func (m Metadata) Set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(m)
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = v
			return
		}
		next, ok := asMap(cur[p])
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

// Increment adds delta to the counter at path, defaulting missing keys to 0 and
// clamping the result at 0. Clamping keeps double-applied corrections from driving
// counters negative.
func (m Metadata) Increment(path string, delta int) int {
	n := m.GetInt(path) + delta
	if n < 0 {
		n = 0
	}
	m.Set(path, n)
	return n
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Metadata:
		return t, true
	default:
		return nil, false
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		// JSON round-trips numbers as float64.
		return int(t)
	case float32:
		return int(t)
	default:
		return 0
	}
}
