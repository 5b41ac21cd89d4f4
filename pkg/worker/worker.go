package worker

import "github.com/varkey/ferryman/pkg/logger"

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// WorkerTask is the unit of work a pool worker runs repeatedly. The
	// boolean return indicates whether any work was performed; a worker
	// whose task reports no work goes back to sleep until woken.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTask
		wakeupChan    WorkerWakeupChan
		currentStatus WorkerStatus
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop. Each time the task reports that
// no work was available (or errored), the worker sleeps until another
// goroutine signals its wakeup channel. Closing the wakeup channel
// terminates the loop.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.currentStatus = WORKING

	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s task reported error (%T): %v\n", worker.label, err, err)
		}

		if didWork && err == nil {
			continue
		}

		if isAlive := worker.Sleep(); !isAlive {
			return
		}
	}
}

func (worker *taskWorker) Status() WorkerStatus {
	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Close closes the worker by closing the wakeup channel. Note that this
// does not interrupt a task that is currently executing.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Sleep blocks until the workers wakeup channel is signalled from another
// goroutine. Returns false if the channel was closed, indicating the
// worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker %s has been closed - worker is exiting\n", worker.label)
		worker.currentStatus = FINISHED
	}

	return isAlive
}
