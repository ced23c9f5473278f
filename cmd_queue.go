package tcmu

import "sync"

// cmdQueue counts the commands handed to the handler goroutines that have not
// been completed yet.
type cmdQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
}

func newCmdQueue() *cmdQueue {
	q := &cmdQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *cmdQueue) add() {
	q.mu.Lock()
	q.outstanding++
	q.mu.Unlock()
}

func (q *cmdQueue) done() {
	q.mu.Lock()
	q.outstanding--
	if q.outstanding <= 0 {
		q.outstanding = 0
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *cmdQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// WaitEmpty blocks until every command added has been completed.
func (q *cmdQueue) WaitEmpty() {
	q.mu.Lock()
	for q.outstanding > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}
