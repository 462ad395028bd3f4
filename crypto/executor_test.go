package crypto

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsSubmittedWork(t *testing.T) {
	ctx := context.Background()
	exec := NewExecutor()
	t.Cleanup(exec.Close)

	ran := false
	require.NoError(t, exec.Do(ctx, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	sentinel := errors.New("boom")
	assert.ErrorIs(t, exec.Do(ctx, func() error { return sentinel }), sentinel)
}

func TestExecutorDoAfterClose(t *testing.T) {
	exec := NewExecutor()
	exec.Close()

	err := exec.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestExecutorCloseIsIdempotent(t *testing.T) {
	exec := NewExecutor()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Close()
		}()
	}
	wg.Wait()
	exec.Close()
}
