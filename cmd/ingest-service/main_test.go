package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitDrainReturnsOnConsumerExit(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.True(t, waitDrain(done, time.Second))
}

func TestWaitDrainDeadline(t *testing.T) {
	assert.False(t, waitDrain(make(chan struct{}), 10*time.Millisecond))
}
