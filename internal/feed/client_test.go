package feed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unibook/chatsync/pkg/logger"
)

func TestStatusFuncRegisteredAfterConnect(t *testing.T) {
	c := &Client{logger: logger.NewNop()}
	c.online.Store(true)

	var mu sync.Mutex
	var transitions []bool
	c.SetStatusFunc(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, online)
	})

	c.setOnline(false)
	c.setOnline(false) // no callback for an unchanged state
	c.setOnline(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, transitions)
}

func TestStatusTransitionsWithoutCallback(t *testing.T) {
	c := &Client{logger: logger.NewNop()}
	c.online.Store(true)

	// Disconnects before the callback is registered must not panic.
	c.setOnline(false)
	c.setOnline(true)
	assert.True(t, c.online.Load())
}
