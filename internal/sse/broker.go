// Package sse streams document change notifications to browser clients as
// Server-Sent Events.
//
// Every frame carries a sequence id. A reconnecting client that sends
// Last-Event-ID is first replayed whatever it missed from a bounded history.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Document event kinds.
const (
	KindCreated   = "created"
	KindUpdated   = "updated"
	KindDeleted   = "deleted"
	KindCommitted = "committed"
)

// DocumentEvent is the payload of every document.* event.
type DocumentEvent struct {
	Path       string `json:"path"`
	ProposalID string `json:"proposal_id,omitempty"`
	CommitRef  string `json:"commit_ref,omitempty"`
}

const (
	clientBuffer     = 64
	defaultHistory   = 128
	defaultKeepAlive = 25 * time.Second
	retryMillis      = 3000
)

type frame struct {
	id  uint64
	raw []byte
}

type docEventReq struct {
	kind string
	data DocumentEvent
}

type subscribeReq struct {
	ch    chan []byte
	after uint64 // replay frames with a greater id; 0 replays nothing
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory sets how many frames are kept for Last-Event-ID replay.
func WithHistory(n int) Option {
	return func(b *Broker) { b.history = n }
}

// WithKeepAlive sets the interval of comment frames that keep idle
// connections open through proxies.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) { b.keepAlive = d }
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop goroutine owns the client set, the sequence counter,
// the replay history and the throttle timestamp; public methods talk to it
// over channels.
type Broker struct {
	indexMin  time.Duration
	history   int
	keepAlive time.Duration

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	docEventCh    chan docEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker. indexThrottle bounds how often the aggregate
// index.updated event is sent.
func NewBroker(indexThrottle time.Duration, opts ...Option) *Broker {
	if indexThrottle <= 0 {
		indexThrottle = 2 * time.Second
	}

	b := &Broker{
		indexMin:      indexThrottle,
		history:       defaultHistory,
		keepAlive:     defaultKeepAlive,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		docEventCh:    make(chan docEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastIndex time.Time
		seq       uint64
		history   []frame
	)

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Client buffer full; skip to avoid blocking broker loop.
		}
	}

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		f := frame{id: seq, raw: []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))}
		if b.history > 0 {
			history = append(history, f)
			if len(history) > b.history {
				history = history[len(history)-b.history:]
			}
		}
		for ch := range clients {
			send(ch, f.raw)
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			clients[req.ch] = struct{}{}
			if req.after > 0 {
				for _, f := range history {
					if f.id > req.after {
						send(req.ch, f.raw)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.docEventCh:
			switch req.kind {
			case KindCreated, KindUpdated, KindDeleted, KindCommitted:
				broadcast(Event{Type: "document." + req.kind, Data: req.data})
			default:
				continue
			}

			now := time.Now()
			if now.Sub(lastIndex) >= b.indexMin {
				lastIndex = now
				broadcast(Event{Type: "index.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	return b.SubscribeAfter(0)
}

// SubscribeAfter adds a new client whose channel first receives the retained
// frames with an id greater than lastID.
func (b *Broker) SubscribeAfter(lastID uint64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscribeReq{ch: ch, after: lastID}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishDocumentEvent publishes document.<kind> followed, at most once per
// throttle interval, by index.updated. Unknown kinds are dropped.
func (b *Broker) PublishDocumentEvent(kind string, ev DocumentEvent) {
	if b.closed.Load() {
		return
	}
	select {
	case b.docEventCh <- docEventReq{kind: kind, data: ev}:
	case <-b.stopped:
	}
}

// Watcher adapts the broker to the index watcher callback.
func (b *Broker) Watcher(kind, path string) {
	b.PublishDocumentEvent(kind, DocumentEvent{Path: path})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// An unparsable Last-Event-ID means no replay.
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	ch := b.SubscribeAfter(lastID)
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.keepAlive > 0 {
		ticker := time.NewTicker(b.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
