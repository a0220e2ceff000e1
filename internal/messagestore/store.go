// Package messagestore implements the single-writer, multi-reader
// append-only log with a broadcast tail: a history-then-live subscription
// with slow-client drop-by-close discipline, covering the five record
// kinds an execution process produces and filtered subscriptions over one
// underlying stream.
package messagestore

import (
	"encoding/json"
	"sync"
)

// RecordKind distinguishes the five kinds of record a Store carries.
type RecordKind string

const (
	RecordStdout     RecordKind = "stdout"
	RecordStderr     RecordKind = "stderr"
	RecordSessionID  RecordKind = "session_id"
	RecordJSONPatch  RecordKind = "json_patch"
	RecordFinished   RecordKind = "finished"
)

// Record is one entry in the log. Content carries the payload appropriate
// to Kind: raw text for stdout/stderr, the session id string for
// RecordSessionID, a marshaled JSON Patch document for RecordJSONPatch,
// and the empty string for RecordFinished.
type Record struct {
	Kind    RecordKind
	Content string
}

// Filter reports whether a record should pass through a filtered
// subscription. Finished records always pass regardless of Filter, so
// every subscriber observes stream completion.
type Filter func(Record) bool

// StdoutStderr matches raw process output, for terminal-style consumers.
func StdoutStderr(r Record) bool {
	return r.Kind == RecordStdout || r.Kind == RecordStderr
}

// JSONPatches matches normalized JSON Patch records, for SSE/UI consumers.
func JSONPatches(r Record) bool {
	return r.Kind == RecordJSONPatch
}

// Store is a single-writer, multi-reader append-only log of Records with a
// seamless history-then-live join, mirroring
// internal/server.Broadcaster's history/clients/doneCh shape.
type Store struct {
	mu        sync.Mutex
	history   []Record
	clients   map[uint64]*subscriber
	nextID    uint64
	finished  bool
	doneCh    chan struct{}
}

type subscriber struct {
	ch     chan Record
	filter Filter
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		clients: make(map[uint64]*subscriber),
		doneCh:  make(chan struct{}),
	}
}

// Push appends a record and fans it out to live subscribers whose filter
// accepts it. Finished is appended exactly once; further pushes after
// Finished are ignored.
func (s *Store) Push(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.history = append(s.history, r)
	for id, sub := range s.clients {
		if sub.filter != nil && !sub.filter(r) && r.Kind != RecordFinished {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			close(sub.ch)
			delete(s.clients, id)
		}
	}
	if r.Kind == RecordFinished {
		s.finished = true
		close(s.doneCh)
		for id, sub := range s.clients {
			close(sub.ch)
			delete(s.clients, id)
		}
	}
}

// PushStdout/PushStderr/PushSessionID/PushJSONPatch/PushFinished are
// convenience wrappers over Push for the five record kinds.
func (s *Store) PushStdout(line string)  { s.Push(Record{Kind: RecordStdout, Content: line}) }
func (s *Store) PushStderr(line string)  { s.Push(Record{Kind: RecordStderr, Content: line}) }
func (s *Store) PushSessionID(id string) { s.Push(Record{Kind: RecordSessionID, Content: id}) }
func (s *Store) PushFinished()           { s.Push(Record{Kind: RecordFinished}) }

// PushJSONPatch marshals patch and pushes it as a RecordJSONPatch.
func (s *Store) PushJSONPatch(patch any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	s.Push(Record{Kind: RecordJSONPatch, Content: string(b)})
	return nil
}

// HistoryAndTail returns a channel yielding the complete current history
// followed by all future records accepted by filter (or all records, if
// filter is nil) until Finished is appended or the store is dropped — the
// join point is seamless: no duplicates, no gaps.
// The done channel closes only when the store itself finishes, not when
// this particular subscriber is dropped for being slow.
func (s *Store) HistoryAndTail(filter Filter) (<-chan Record, <-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Record, len(s.history)+256)
	for _, r := range s.history {
		if filter == nil || filter(r) || r.Kind == RecordFinished {
			ch <- r
		}
	}

	if s.finished {
		close(ch)
		return ch, s.doneCh, func() {}
	}

	id := s.nextID
	s.nextID++
	sub := &subscriber{ch: ch, filter: filter}
	s.clients[id] = sub
	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.clients[id]; ok {
			delete(s.clients, id)
			close(ch)
		}
	}
	return ch, s.doneCh, unsub
}

// History returns a copy of every record appended so far.
func (s *Store) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Finished reports whether the store has received its terminal record.
func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
