package tcmu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCmdQueueWaitEmpty(t *testing.T) {
	q := newCmdQueue()
	q.WaitEmpty()

	q.add()
	q.add()
	assert.Equal(t, 2, q.Len())

	drained := make(chan struct{})
	go func() {
		q.WaitEmpty()
		close(drained)
	}()

	q.done()
	select {
	case <-drained:
		t.Fatal("WaitEmpty returned with a command outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	q.done()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitEmpty did not return")
	}
	assert.Zero(t, q.Len())
}
