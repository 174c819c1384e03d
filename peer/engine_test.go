package peer

import (
	"fmt"
	"sync"

	"github.com/spiretalk/spiretalk/types"
)

// fakeEngine records every connection it hands out so tests can inspect the
// calls a session made on it.
type fakeEngine struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (e *fakeEngine) NewPeerConn(events EngineEvents) (PeerConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &fakeConn{events: events, id: len(e.conns)}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *fakeEngine) conn(i int) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

type fakeConn struct {
	mu         sync.Mutex
	events     EngineEvents
	id         int
	offers     int
	answered   []types.SignalPayload
	applied    []types.SignalPayload
	candidates []string
	video      int
	closed     bool
}

func (c *fakeConn) CreateOffer() (types.SignalPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return types.SignalPayload{Sdp: fmt.Sprintf("offer-%d-%d", c.id, c.offers), SdpType: "offer"}, nil
}

func (c *fakeConn) CreateAnswer(offer types.SignalPayload) (types.SignalPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = append(c.answered, offer)
	return types.SignalPayload{Sdp: fmt.Sprintf("answer-%d", c.id), SdpType: "answer"}, nil
}

func (c *fakeConn) ApplyAnswer(answer types.SignalPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, answer)
	return nil
}

func (c *fakeConn) AddICECandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) EnableVideo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) addedCandidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// envSink collects envelopes a session or manager puts on the wire.
type envSink struct {
	mu   sync.Mutex
	envs []*types.Envelope
}

func (s *envSink) send(env *types.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *envSink) byType(msgType string) []*types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*types.Envelope{}
	for _, env := range s.envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// take removes and returns everything collected so far.
func (s *envSink) take() []*types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.envs
	s.envs = nil
	return out
}
