package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// ErrQueueClosed 队列已关闭
var ErrQueueClosed = errors.New("任务队列已关闭")

// TaskQueue 抓取任务队列
// 职责: 无上限的FIFO队列,支持并发Push/Pop;worker在翻页时自己也会Push,因此不能用定长channel
type TaskQueue struct {
	mu     sync.Mutex
	items  []models.CrawlTask
	closed bool

	// 有新任务时唤醒一个等待者
	notify chan struct{}
	done   chan struct{}

	pushed int
	popped int
}

// NewTaskQueue 创建任务队列
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push 添加任务,URL必须是http/https
func (q *TaskQueue) Push(task models.CrawlTask) error {
	u, err := url.Parse(task.URL)
	if err != nil {
		return fmt.Errorf("任务URL格式无效: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("不支持的协议: %s", u.Scheme)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, task)
	q.pushed++
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *TaskQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop 取出下一个任务,队列为空时阻塞;队列关闭或ctx取消时返回false
func (q *TaskQueue) Pop(ctx context.Context) (models.CrawlTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = models.CrawlTask{}
			q.items = q.items[1:]
			q.popped++
			remaining := len(q.items)
			q.mu.Unlock()
			// 通知合并过,还有任务时继续唤醒其他等待者
			if remaining > 0 {
				q.signal()
			}
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return models.CrawlTask{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.CrawlTask{}, false
		case <-q.done:
		case <-q.notify:
		}
	}
}

// PendingCount 待处理任务数
func (q *TaskQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Counts 累计入队与出队数
func (q *TaskQueue) Counts() (pushed, popped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.popped
}

// Close 关闭队列,等待中的Pop在取完剩余任务后返回false
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
