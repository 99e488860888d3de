package store

import "sync"

// ticketLocks hands out one mutex per ticket. Entries are dropped once no
// goroutine holds or waits on them.
type ticketLocks struct {
	mu    sync.Mutex
	locks map[string]*ticketLock
}

type ticketLock struct {
	sync.Mutex
	refs int
}

func newTicketLocks() *ticketLocks {
	return &ticketLocks{locks: make(map[string]*ticketLock)}
}

// lock blocks until the ticket is free and returns the matching unlock.
func (t *ticketLocks) lock(ticket string) func() {
	t.mu.Lock()
	l, ok := t.locks[ticket]
	if !ok {
		l = &ticketLock{}
		t.locks[ticket] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, ticket)
		}
		t.mu.Unlock()
	}
}
