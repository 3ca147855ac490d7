package dfs

type task struct {
	taskFunc func() error
	done     chan struct{}
	errs     chan error
}

// BatchTasks collects tasks to be executed concurrently by a Scheduler.
type BatchTasks struct {
	tasks []*task
}

func NewBatchTasks() *BatchTasks {
	return &BatchTasks{}
}

func (b *BatchTasks) AppendTask(f func() error) {
	b.tasks = append(b.tasks, &task{
		taskFunc: f,
	})
}

// Scheduler runs batches of tasks on a bounded set of workers, failing
// the whole batch fast on the first error.
type Scheduler struct {
	tasks   chan *task
	workers chan struct{}
}

func NewScheduler(numWorkers int) *Scheduler {
	return &Scheduler{
		tasks:   make(chan *task),
		workers: make(chan struct{}, numWorkers),
	}
}

// BatchSchedule blocks until all tasks of the batch finished, or returns
// the first error.
func (s *Scheduler) BatchSchedule(b *BatchTasks) error {
	done := make(chan struct{}, len(b.tasks))
	errs := make(chan error, len(b.tasks))
	for i := range b.tasks {
		t := b.tasks[i]
		t.done = done
		t.errs = errs
		select {
		case err := <-errs:
			return err
		case s.tasks <- t:
		case s.workers <- struct{}{}:
			go s.worker(t)
		}
	}
	for i := 0; i < len(b.tasks); i++ {
		select {
		case err := <-errs:
			return err
		case <-done:
		}
	}
	if len(errs) > 0 {
		return <-errs
	}
	return nil
}

func (s *Scheduler) worker(t *task) {
	for {
		err := t.taskFunc()
		if err != nil {
			t.errs <- err
		}
		t.done <- struct{}{}
		select {
		case t = <-s.tasks:
		default:
			<-s.workers
			return
		}
	}
}
