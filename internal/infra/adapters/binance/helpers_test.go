package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/meltica-md/internal/domain/schema"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type recordingSink struct {
	mu     sync.Mutex
	events []*schema.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, evt *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) snapshot() []*schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) sequences() []uint64 {
	events := s.snapshot()
	out := make([]uint64, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Sequence)
	}
	return out
}

// fakeTransport records control traffic instead of writing to a socket.
type fakeTransport struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
	subErr       error
	waitErr      error
}

func (f *fakeTransport) subscribe(_ context.Context, streams []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed = append(f.subscribed, append([]string(nil), streams...))
	return nil
}

func (f *fakeTransport) unsubscribe(_ context.Context, streams []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	f.unsubscribed = append(f.unsubscribed, append([]string(nil), streams...))
	return nil
}

func (f *fakeTransport) waitConnected(ctx context.Context) error {
	if f.waitErr != nil {
		return f.waitErr
	}
	return ctx.Err()
}

func (f *fakeTransport) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.subscribed {
		out = append(out, batch...)
	}
	return out
}

func (f *fakeTransport) unsubscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.unsubscribed {
		out = append(out, batch...)
	}
	return out
}

// gatedFetcher serves queued depth responses. When gate is set each call signals started and
// then blocks until gate yields.
type gatedFetcher struct {
	mu        sync.Mutex
	responses []depthResponse
	errs      []error
	calls     []int
	started   chan struct{}
	gate      chan struct{}
}

func (f *gatedFetcher) fetchDepth(ctx context.Context, _ VenueSymbol, limit int) (depthResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, limit)
	idx := len(f.calls) - 1
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return depthResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return depthResponse{}, err
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *gatedFetcher) limits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

// newTestClient builds a client against a local REST server with a fake websocket transport.
func newTestClient(t *testing.T, handler http.Handler) (*DataClient, *recordingSink, *fakeTransport) {
	t.Helper()
	restURL := "http://127.0.0.1:1"
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		restURL = srv.URL
	}
	sink := &recordingSink{}
	client, err := NewDataClient(Options{
		Config: Config{RESTBaseURL: restURL, RequestsPerSecond: 1000},
		Sink:   sink,
		Clock:  testClock,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tr := &fakeTransport{}
	client.transport = tr
	client.books.transport = tr
	t.Cleanup(func() { _ = client.Close() })
	return client, sink, tr
}

func intPtr(v int) *int { return &v }
