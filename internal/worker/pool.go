package worker

import (
	"fmt"
	"log/slog"
)

// spawnWorkerPool starts n processors pulling from the priority lanes
func (w *Worker) spawnWorkerPool(n int) {
	w.logger.Info("Spawning worker pool", slog.Int("concurrency", n))

	for i := 0; i < n; i++ {
		w.poolWG.Add(1)
		go w.workerLoop(i)
	}
}

// workerLoop processes one message at a time until Stop
func (w *Worker) workerLoop(workerNum int) {
	defer w.poolWG.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		msg, ok := w.lanes.pop(w.stop)
		if !ok {
			w.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		}
		w.processMessage(msg)
	}
}
