package bot

import (
	"context"
	"time"

	"futuresbot/internal/models"
)

// tryEnqueue кладёт v в канал без блокировки бара.
// При переполнении событие теряется и учитывается в метриках буфера.
func tryEnqueue[T any](ch chan<- *T, v *T, buffer string) bool {
	if ch == nil || v == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		RecordBufferOverflow(buffer)
		RecordBufferBacklog(buffer, cap(ch), len(ch))
		return false
	}
}

// enqueueWithin кладёт v в канал, ожидая читателя не дольше timeout
// или до отмены ctx. timeout <= 0 - только попытка без ожидания.
func enqueueWithin[T any](ctx context.Context, ch chan<- *T, v *T, timeout time.Duration, buffer string) bool {
	if ch == nil || v == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
	}
	RecordBufferBacklog(buffer, cap(ch), len(ch))

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ch <- v:
			return true
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	RecordBufferOverflow(buffer)
	return false
}

func tryEnqueueNotification(ch chan<- *models.Notification, n *models.Notification) bool {
	return tryEnqueue(ch, n, "notification")
}
