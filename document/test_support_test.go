package document

import (
	"encoding/json"
	"fmt"
	"sort"
)

// fakeEngine is a deliberately naive CRDT: a grow-only set of changes, each
// carrying a key/value write, merged last-writer-wins by (seq, actor). It
// exercises the full Engine surface without a real convergence algorithm.
type fakeEngine struct {
	changes map[string]fakeChange // Keyed by head ID.
	nextSeq map[string]uint64     // Per-actor.
}

type fakeChange struct {
	Actor string `json:"actor"`
	SeqNo uint64 `json:"seq"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		changes: make(map[string]fakeChange),
		nextSeq: make(map[string]uint64),
	}
}

func (c fakeChange) id() string      { return fmt.Sprintf("%s-%d", c.Actor, c.SeqNo) }
func (c fakeChange) ActorID() []byte { return []byte(c.Actor) }
func (c fakeChange) Seq() uint64     { return c.SeqNo }
func (c fakeChange) Raw() []byte     { var b, _ = json.Marshal(c); return b }

// put records a local mutation, producing one new change.
func (e *fakeEngine) put(actor, key, value string) {
	e.nextSeq[actor]++
	var c = fakeChange{Actor: actor, SeqNo: e.nextSeq[actor], Key: key, Value: value}
	e.changes[c.id()] = c
}

// get resolves key last-writer-wins.
func (e *fakeEngine) get(key string) (value string, ok bool) {
	var best fakeChange
	for _, c := range e.changes {
		if c.Key != key {
			continue
		}
		if !ok || c.SeqNo > best.SeqNo || (c.SeqNo == best.SeqNo && c.Actor > best.Actor) {
			best, ok = c, true
		}
	}
	return best.Value, ok
}

func (e *fakeEngine) LoadDocument(data []byte) error {
	var loaded []fakeChange
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	for _, c := range loaded {
		e.absorb(c)
	}
	return nil
}

func (e *fakeEngine) ApplyChanges(raw [][]byte) error {
	for _, data := range raw {
		var c fakeChange
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		e.absorb(c)
	}
	return nil
}

func (e *fakeEngine) absorb(c fakeChange) {
	e.changes[c.id()] = c
	if c.SeqNo > e.nextSeq[c.Actor] {
		e.nextSeq[c.Actor] = c.SeqNo
	}
}

func (e *fakeEngine) Heads() []Head {
	var heads = make([]Head, 0, len(e.changes))
	for id := range e.changes {
		heads = append(heads, Head(id))
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads
}

func (e *fakeEngine) ChangesSince(heads []Head) ([]Change, error) {
	var have = make(map[string]struct{}, len(heads))
	for _, h := range heads {
		have[string(h)] = struct{}{}
	}
	var out []Change
	for id, c := range e.changes {
		if _, ok := have[id]; !ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(fakeChange).id() < out[j].(fakeChange).id()
	})
	return out, nil
}

func (e *fakeEngine) SaveDocument() ([]byte, error) {
	var all = make([]fakeChange, 0, len(e.changes))
	for _, c := range e.changes {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id() < all[j].id() })
	return json.Marshal(all)
}

// fakeSyncState tracks which heads the peer is known to hold.
type fakeSyncState struct {
	Known map[string]bool `json:"known"`
}

func (s *fakeSyncState) Encode() []byte { var b, _ = json.Marshal(s); return b }

func (e *fakeEngine) NewSyncState() SyncState {
	return &fakeSyncState{Known: make(map[string]bool)}
}

func (e *fakeEngine) DecodeSyncState(data []byte) (SyncState, error) {
	var s = new(fakeSyncState)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Known == nil {
		s.Known = make(map[string]bool)
	}
	return s, nil
}

// GenerateSyncMessage sends every change the peer isn't known to hold, and
// optimistically marks them as held.
func (e *fakeEngine) GenerateSyncMessage(state SyncState) ([]byte, bool) {
	var s = state.(*fakeSyncState)
	var send []fakeChange
	for id, c := range e.changes {
		if !s.Known[id] {
			send = append(send, c)
			s.Known[id] = true
		}
	}
	if len(send) == 0 {
		return nil, false
	}
	sort.Slice(send, func(i, j int) bool { return send[i].id() < send[j].id() })
	var msg, _ = json.Marshal(send)
	return msg, true
}

func (e *fakeEngine) ReceiveSyncMessage(state SyncState, msg []byte) error {
	var s = state.(*fakeSyncState)
	var recv []fakeChange
	if err := json.Unmarshal(msg, &recv); err != nil {
		return err
	}
	for _, c := range recv {
		e.absorb(c)
		s.Known[c.id()] = true
	}
	return nil
}

var _ Engine = &fakeEngine{}
