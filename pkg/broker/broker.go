package broker

// Broker is a minimal in-process pub/sub fan-out. Subscribers receive
// every message published after their subscription; publishing never
// blocks the broker loop on a single slow subscriber because delivery
// happens on the Start goroutine sequentially per message.
type Broker[T any] struct {
	stopChan    chan struct{}
	publishChan chan T
	subChan     chan chan T
	unsubChan   chan chan T
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		stopChan:    make(chan struct{}),
		publishChan: make(chan T, 1),
		subChan:     make(chan chan T, 1),
		unsubChan:   make(chan chan T, 1),
	}
}

// Start runs the broker loop; it returns only once Stop is called.
// Intended to be run in its own goroutine.
func (broker *Broker[T]) Start() {
	subscribers := map[chan T]struct{}{}
	for {
		select {
		case <-broker.stopChan:
			for ch := range subscribers {
				close(ch)
			}
			return
		case ch := <-broker.subChan:
			subscribers[ch] = struct{}{}
		case ch := <-broker.unsubChan:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case msg := <-broker.publishChan:
			for ch := range subscribers {
				ch <- msg
			}
		}
	}
}

func (broker *Broker[T]) Stop() {
	close(broker.stopChan)
}

func (broker *Broker[T]) Subscribe() chan T {
	ch := make(chan T, 5)
	broker.subChan <- ch
	return ch
}

func (broker *Broker[T]) Unsubscribe(ch chan T) {
	broker.unsubChan <- ch
}

func (broker *Broker[T]) Publish(msg T) {
	broker.publishChan <- msg
}
