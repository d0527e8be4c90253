package calibration

import "sync"

// serializer runs posted jobs one at a time, in order, to completion.
//
// The goroutine that posts into an idle serializer drains it. Jobs posted from
// inside a running job are queued behind it rather than run re-entrantly. A
// panicking job does not cost the jobs queued behind it: the queue is drained
// and the first panic is then re-raised on the draining goroutine.
type serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serializer) post(job func()) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	var panicked any
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			break
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if r := runJob(next); r != nil && panicked == nil {
			panicked = r
		}
	}
	if panicked != nil {
		panic(panicked)
	}
}

func runJob(job func()) (r any) {
	defer func() { r = recover() }()
	job()
	return nil
}
