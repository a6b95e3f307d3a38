package util

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRecoverSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	ph := NewPanicHandler(logger)

	func() {
		defer ph.Recover("test_component", logrus.Fields{"call_id": "RT-1"})
		panic("boom")
	}()

	assert.Contains(t, buf.String(), "Panic recovered")
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "test_component")
	assert.Contains(t, buf.String(), "RT-1")
}

func TestGoSurvivesPanickingGoroutine(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	ph := NewPanicHandler(logger)

	var wg sync.WaitGroup
	wg.Add(2)

	ph.Go("panicking", nil, func() {
		defer wg.Done()
		panic("goroutine boom")
	})
	ph.Go("healthy", nil, func() {
		defer wg.Done()
	})

	// Both goroutines must finish; the panic must not escape.
	wg.Wait()
}

func TestRunContinuesLoopAfterPanic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	ph := NewPanicHandler(logger)

	handled := 0
	for i := 0; i < 3; i++ {
		ph.Run("dispatch", nil, func() {
			if i == 1 {
				panic("bad message")
			}
			handled++
		})
	}

	assert.Equal(t, 2, handled)
}
