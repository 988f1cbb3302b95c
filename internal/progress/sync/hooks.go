package sync

import (
	"time"

	"github.com/koinelab/trilha/internal/progress/queue"
)

func chainDone(first, then func(queue.Task, time.Time)) func(queue.Task, time.Time) {
	if then == nil {
		return first
	}
	return func(t queue.Task, at time.Time) {
		first(t, at)
		then(t, at)
	}
}

func chainErr(first, then func(queue.Task, error)) func(queue.Task, error) {
	if then == nil {
		return first
	}
	return func(t queue.Task, err error) {
		first(t, err)
		then(t, err)
	}
}
