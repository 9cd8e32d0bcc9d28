package crawlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueTask(i int) models.CrawlTask {
	return models.CrawlTask{ID: fmt.Sprint(i), Page: i, URL: fmt.Sprintf("https://shop.test/browse/x?page=%d", i)}
}

func TestTaskQueueFIFO(t *testing.T) {
	q := NewTaskQueue()
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(queueTask(i)))
	}
	assert.Equal(t, 3, q.PendingCount())

	for i := 1; i <= 3; i++ {
		task, ok := q.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, task.Page)
	}
	pushed, popped := q.Counts()
	assert.Equal(t, 3, pushed)
	assert.Equal(t, 3, popped)
}

func TestTaskQueueRejectsInvalid(t *testing.T) {
	q := NewTaskQueue()
	assert.Error(t, q.Push(models.CrawlTask{URL: "ftp://shop.test/x"}))
	assert.Error(t, q.Push(models.CrawlTask{URL: "://bad"}))

	q.Close()
	assert.ErrorIs(t, q.Push(queueTask(1)), ErrQueueClosed)
}

func TestTaskQueuePopBlocksUntilPush(t *testing.T) {
	q := NewTaskQueue()
	got := make(chan models.CrawlTask, 1)
	go func() {
		task, ok := q.Pop(context.Background())
		if ok {
			got <- task
		}
	}()

	select {
	case <-got:
		t.Fatal("空队列不应返回任务")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, q.Push(queueTask(7)))
	select {
	case task := <-got:
		assert.Equal(t, 7, task.Page)
	case <-time.After(time.Second):
		t.Fatal("Push后等待者应被唤醒")
	}
}

func TestTaskQueueCloseAndCancel(t *testing.T) {
	q := NewTaskQueue()
	require.NoError(t, q.Push(queueTask(1)))
	q.Close()

	// 关闭后仍可取完剩余任务
	_, ok := q.Pop(context.Background())
	assert.True(t, ok)
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = NewTaskQueue().Pop(ctx)
	assert.False(t, ok)
}

func TestTaskQueueConcurrentConsumers(t *testing.T) {
	q := NewTaskQueue()
	const n = 500

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := q.Pop(context.Background())
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(queueTask(i)))
	}
	assert.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, time.Millisecond)
	q.Close()
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}
