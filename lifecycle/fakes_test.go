package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/stream-herald/ledger"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/twitchapi"
)

// opLog records the order of side effects across the fakes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type key struct{ ch, sess int64 }

// memLedger applies the same forward-only rules as the Postgres store.
type memLedger struct {
	log    *opLog
	mu     sync.Mutex
	rows   map[key]*ledger.Session
	writes int
}

func newMemLedger(log *opLog) *memLedger {
	return &memLedger{log: log, rows: make(map[key]*ledger.Session)}
}

func (m *memLedger) Insert(_ context.Context, s ledger.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{s.ChannelID, s.SessionID}
	if _, ok := m.rows[k]; ok {
		return fmt.Errorf("duplicate key %v", k)
	}
	for _, r := range m.rows {
		if r.ChannelID == s.ChannelID && r.EndedAt == nil {
			t := s.StartedAt
			r.EndedAt = &t
		}
	}
	row := s
	m.rows[k] = &row
	m.writes++
	m.log.add("insert")
	return nil
}

func (m *memLedger) Get(_ context.Context, ch, sess int64) (*ledger.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[key{ch, sess}]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

func (m *memLedger) Current(_ context.Context, ch int64) (*ledger.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur *ledger.Session
	for _, r := range m.rows {
		if r.ChannelID == ch && r.EndedAt == nil && (cur == nil || r.StartedAt.After(cur.StartedAt)) {
			cur = r
		}
	}
	if cur == nil {
		return nil, nil
	}
	c := *cur
	return &c, nil
}

func (m *memLedger) MarkEnded(_ context.Context, ch, sess int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[key{ch, sess}]; ok && r.EndedAt == nil {
		t := at
		r.EndedAt = &t
		m.writes++
		m.log.add("mark_ended")
	}
	return nil
}

func (m *memLedger) Unmatched(_ context.Context, endedAfter time.Time) ([]ledger.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Session
	for _, r := range m.rows {
		if r.EndedAt != nil && r.VideoID == nil && (endedAfter.IsZero() || r.EndedAt.After(endedAfter)) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (m *memLedger) SetVideo(_ context.Context, ch, sess, video int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{ch, sess}]
	if !ok || r.EndedAt == nil || r.VideoID != nil {
		return false, nil
	}
	v := video
	r.VideoID = &v
	m.writes++
	m.log.add("set_video")
	return true, nil
}

func (m *memLedger) row(ch, sess int64) *ledger.Session {
	s, _ := m.Get(context.Background(), ch, sess)
	return s
}

func (m *memLedger) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type sinkCall struct {
	op  string
	id  string
	msg notify.Message
}

type fakeSink struct {
	log     *opLog
	mu      sync.Mutex
	calls   []sinkCall
	next    int
	sendErr error
	editErr error
}

func (f *fakeSink) Send(_ context.Context, msg notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("send")
	f.calls = append(f.calls, sinkCall{op: "send", msg: msg})
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.next++
	return fmt.Sprintf("msg-%d", f.next), nil
}

func (f *fakeSink) Edit(_ context.Context, id string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("edit")
	f.calls = append(f.calls, sinkCall{op: "edit", id: id, msg: msg})
	return f.editErr
}

func (f *fakeSink) callList() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

type fakePlatform struct {
	log       *opLog
	mu        sync.Mutex
	streams   map[string]*twitchapi.Stream
	videos    map[string][]twitchapi.Video
	listErr   map[string]error
	listCalls map[string]int
	listSince map[string]time.Time
}

func newFakePlatform(log *opLog) *fakePlatform {
	return &fakePlatform{log: log, streams: map[string]*twitchapi.Stream{}, videos: map[string][]twitchapi.Video{}, listErr: map[string]error{}, listCalls: map[string]int{}, listSince: map[string]time.Time{}}
}

func (f *fakePlatform) GetUserByID(_ context.Context, id string) (*twitchapi.User, error) {
	return &twitchapi.User{ID: id, Login: "user" + id, DisplayName: "User" + id, ProfileImageURL: "https://img/" + id + ".png"}, nil
}

func (f *fakePlatform) GetStream(_ context.Context, userID string) (*twitchapi.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("get_stream")
	if s, ok := f.streams[userID]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (f *fakePlatform) ListArchiveVideos(_ context.Context, userID string, _ int, since time.Time) ([]twitchapi.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[userID]++
	f.listSince[userID] = since
	if err := f.listErr[userID]; err != nil {
		return nil, err
	}
	return f.videos[userID], nil
}

type harness struct {
	log      *opLog
	ledger   *memLedger
	sink     *fakeSink
	platform *fakePlatform
	tracker  *Tracker
	recon    *Reconciler
	now      time.Time
}

func newHarness() *harness {
	h := &harness{log: &opLog{}, now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	h.ledger = newMemLedger(h.log)
	h.sink = &fakeSink{log: h.log}
	h.platform = newFakePlatform(h.log)
	locks := NewChannelLocks()
	clock := func() time.Time { return h.now }
	h.tracker = NewTracker(h.ledger, h.sink, h.platform, "@everyone %username% is live!", locks)
	h.tracker.Now = clock
	h.recon = NewReconciler(h.ledger, h.sink, h.platform, 0, locks)
	h.recon.Now = clock
	return h
}
