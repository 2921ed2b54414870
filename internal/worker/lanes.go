package worker

import (
	"sync"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// LaneWeights sets how many picks each priority gets per round
type LaneWeights struct {
	High   int
	Normal int
	Low    int
}

// DefaultLaneWeights serves high four times and normal twice for every low pick
var DefaultLaneWeights = LaneWeights{High: 4, Normal: 2, Low: 1}

const (
	laneHigh = iota
	laneNormal
	laneLow
	laneCount
)

func laneOf(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return laneHigh
	case domain.PriorityLow:
		return laneLow
	default:
		return laneNormal
	}
}

// message is a decoded delivery waiting for a processor
type message struct {
	delivery amqp.Delivery
	job      *domain.Job
	received time.Time
}

// lanes holds prefetched messages per priority. Picks use smooth weighted
// round-robin over the non-empty lanes, so a waiting lane is served at least
// once every sum(weights) picks.
type lanes struct {
	mu      sync.Mutex
	queues  [laneCount][]*message
	weights [laneCount]int
	current [laneCount]int
	// one token per queued message
	ready chan struct{}
}

func newLanes(w LaneWeights) *lanes {
	if w.High <= 0 && w.Normal <= 0 && w.Low <= 0 {
		w = DefaultLaneWeights
	}
	return &lanes{
		weights: [laneCount]int{max(w.High, 1), max(w.Normal, 1), max(w.Low, 1)},
		ready:   make(chan struct{}, 1024),
	}
}

// push queues msg. It blocks while the lanes are full and gives up when stop
// closes, leaving msg queued for drain.
func (l *lanes) push(msg *message, stop <-chan struct{}) bool {
	lane := laneOf(msg.job.EffectivePriority())

	l.mu.Lock()
	l.queues[lane] = append(l.queues[lane], msg)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
		return true
	case <-stop:
		return false
	}
}

// pop waits for a message. It returns false once stop is closed.
func (l *lanes) pop(stop <-chan struct{}) (*message, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		default:
		}

		select {
		case <-stop:
			return nil, false
		case <-l.ready:
			if msg := l.next(); msg != nil {
				return msg, true
			}
		}
	}
}

func (l *lanes) next() *message {
	l.mu.Lock()
	defer l.mu.Unlock()

	best, total := -1, 0
	for i := range l.queues {
		if len(l.queues[i]) == 0 {
			continue
		}
		l.current[i] += l.weights[i]
		total += l.weights[i]
		if best < 0 || l.current[i] > l.current[best] {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	l.current[best] -= total

	msg := l.queues[best][0]
	l.queues[best][0] = nil
	l.queues[best] = l.queues[best][1:]
	return msg
}

// drain removes every queued message
func (l *lanes) drain() []*message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*message
	for i := range l.queues {
		out = append(out, l.queues[i]...)
		l.queues[i] = nil
	}
	return out
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[laneHigh]) + len(l.queues[laneNormal]) + len(l.queues[laneLow])
}
