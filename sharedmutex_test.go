package corert

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMutex_ExclusiveUnderContention(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	m := NewSharedMutex(shard, DefaultGroup)

	var active atomic.Int32
	var maxActive atomic.Int32
	var counter int
	const fibers = 10

	var wg sync.WaitGroup
	wg.Add(fibers)
	for i := 0; i < fibers; i++ {
		require.NoError(t, shard.Schedule(NewTask(DefaultGroup, func() {
			fut := WithLock(m, func() (struct{}, error) {
				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				counter++
				active.Add(-1)
				return struct{}{}, nil
			})
			attach(fut, func(struct{}, error) { wg.Done() })
		})))
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fibers never finished")
	}

	assert.Equal(t, fibers, counter)
	assert.LessOrEqual(t, maxActive.Load(), int32(1))
}

func TestSharedMutex_MultipleReadersConcurrent(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	m := NewSharedMutex(shard, DefaultGroup)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)

	for i := 0; i < 2; i++ {
		require.NoError(t, shard.Schedule(NewTask(DefaultGroup, func() {
			attach(m.LockShared(), func(struct{}, error) {
				entered <- struct{}{}
				go func() {
					<-release
					shard.Schedule(NewTask(DefaultGroup, func() { m.UnlockShared() }))
				}()
			})
		})))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("both readers never entered concurrently")
		}
	}
	close(release)
}

func TestRWLock_WriterExcludesReader(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	rw := NewRWLock(shard, DefaultGroup)

	writerIn := make(chan struct{})
	writerOut := make(chan struct{})
	writeFut := ForWrite(rw, func() (struct{}, error) {
		close(writerIn)
		<-writerOut
		return struct{}{}, nil
	})

	<-writerIn

	readStarted := make(chan struct{})
	readFut := ForRead(rw, func() (struct{}, error) {
		close(readStarted)
		return struct{}{}, nil
	})

	select {
	case <-readStarted:
		t.Fatal("reader entered while writer was active")
	case <-time.After(50 * time.Millisecond):
	}

	close(writerOut)
	_, err := writeFut.Get(context.Background())
	require.NoError(t, err)

	_, err = readFut.Get(context.Background())
	require.NoError(t, err)
}
