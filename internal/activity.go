package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/varkey/ferryman/internal/event"
	"github.com/varkey/ferryman/internal/pipeline"
	"github.com/varkey/ferryman/pkg/logger"
)

const (
	debounceDuration time.Duration = time.Second * 2
	maxTimerDuration time.Duration = time.Second * 5

	rapidEventDebounceDuration time.Duration = time.Millisecond * 500
	rapidEventMaxTimerDuration time.Duration = time.Second * 2
)

type (
	announcement func(uuid.UUID)

	itemProvider interface {
		Item(uuid.UUID) *pipeline.Item
	}

	eventKey struct {
		ev event.Event
		id uuid.UUID
	}

	// activityReporter mirrors pipeline events into the operator log.
	// Bursts of updates for the same item are debounced so that a rapid
	// stage sequence produces one line, not one per transition.
	activityReporter struct {
		*sync.Mutex
		items          itemProvider
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
	}
)

func newActivityReporter(items itemProvider, eventBus event.EventHandler) *activityReporter {
	return &activityReporter{
		Mutex:          &sync.Mutex{},
		items:          items,
		eventBus:       eventBus,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
	}
}

func (reporter *activityReporter) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	reporter.eventBus.RegisterHandlerChannel(messageChan,
		event.ItemUpdateEvent, event.ItemCompleteEvent, event.TransferProgressEvent)

	log.Emit(logger.NEW, "Activity reporter started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := reporter.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity reporter closed\n")
			return nil
		}
	}
}

func (reporter *activityReporter) handleEvent(ev event.HandlerEvent) error {
	itemID, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	resourceKey := eventKey{id: itemID, ev: ev.Event}

	switch ev.Event {
	case event.ItemUpdateEvent:
		reporter.scheduleAnnouncement(resourceKey, reporter.announceItemState)
	case event.ItemCompleteEvent:
		reporter.scheduleAnnouncement(resourceKey, reporter.announceItemComplete)
	case event.TransferProgressEvent:
		reporter.scheduleRapidAnnouncement(resourceKey, reporter.announceTransferProgress)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

func (reporter *activityReporter) announceItemState(itemID uuid.UUID) {
	item := reporter.items.Item(itemID)
	if item == nil {
		return
	}

	if item.Trouble != nil {
		log.Emit(logger.WARNING, "Item %s needs intervention: %v\n", itemID, item.Trouble)
		return
	}

	log.Emit(logger.INFO, "Item %s is now %s\n", itemID, item.State)
}

func (reporter *activityReporter) announceItemComplete(itemID uuid.UUID) {
	log.Emit(logger.SUCCESS, "Item %s has finished processing\n", itemID)
}

func (reporter *activityReporter) announceTransferProgress(itemID uuid.UUID) {
	log.Emit(logger.DEBUG, "Item %s transfer checkpoint recorded\n", itemID)
}

func (reporter *activityReporter) scheduleAnnouncement(resourceKey eventKey, handler announcement) {
	reporter._scheduleAnnouncement(resourceKey, handler, debounceDuration, maxTimerDuration)
}

func (reporter *activityReporter) scheduleRapidAnnouncement(resourceKey eventKey, handler announcement) {
	reporter._scheduleAnnouncement(resourceKey, handler, rapidEventDebounceDuration, rapidEventMaxTimerDuration)
}

func (reporter *activityReporter) _scheduleAnnouncement(resourceKey eventKey, handler announcement, debounceTime time.Duration, maxTime time.Duration) {
	reporter.Lock()
	defer reporter.Unlock()

	announce := func() { reporter.announce(resourceKey, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := reporter.debounceTimers[resourceKey]; ok {
		t.Stop()
	}
	reporter.debounceTimers[resourceKey] = time.AfterFunc(debounceTime, announce)

	// Set a max timer if not already set
	if _, ok := reporter.maxTimers[resourceKey]; !ok {
		reporter.maxTimers[resourceKey] = time.AfterFunc(maxTime, announce)
	}
}

func (reporter *activityReporter) announce(resourceKey eventKey, handler announcement) {
	reporter.Lock()

	if t, ok := reporter.debounceTimers[resourceKey]; ok {
		t.Stop()
		delete(reporter.debounceTimers, resourceKey)
	}

	if t, ok := reporter.maxTimers[resourceKey]; ok {
		t.Stop()
		delete(reporter.maxTimers, resourceKey)
	}
	reporter.Unlock()

	handler(resourceKey.id)
}
