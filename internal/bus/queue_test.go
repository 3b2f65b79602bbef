package bus

import (
	"testing"

	"inboxrelay/internal/logging"

	"github.com/stretchr/testify/assert"
)

func TestFileQueueRefusesWhenFull(t *testing.T) {
	q := NewFileQueue(2, logging.Discard())

	assert.True(t, q.TryPublish("a.pdf"))
	assert.True(t, q.TryPublish("b.pdf"))
	assert.False(t, q.TryPublish("c.pdf"))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "a.pdf", <-q.Subscribe())
	assert.True(t, q.TryPublish("c.pdf"))
}

func TestFileQueueClose(t *testing.T) {
	q := NewFileQueue(4, logging.Discard())
	assert.True(t, q.TryPublish("a.pdf"))
	q.Close()
	q.Close()

	assert.False(t, q.TryPublish("b.pdf"))

	var drained []string
	for p := range q.Subscribe() {
		drained = append(drained, p)
	}
	assert.Equal(t, []string{"a.pdf"}, drained)
}
