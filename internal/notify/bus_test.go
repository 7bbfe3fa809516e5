package notify

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/web3chat/internal/logger"
)

func TestPublishFiltersByKind(t *testing.T) {
	bus := NewBus(logger.Discard())
	var all, failed atomic.Int32
	bus.Subscribe("", func(Notification) { all.Add(1) })
	bus.Subscribe(KindTransactionFailed, func(Notification) { failed.Add(1) })

	bus.Publish(Notification{Kind: KindTransactionQueued})
	bus.Publish(Notification{Kind: KindTransactionFailed})
	bus.Wait()

	if all.Load() != 2 || failed.Load() != 1 {
		t.Fatalf("unexpected delivery counts all=%d failed=%d", all.Load(), failed.Load())
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(logger.Discard())
	var got atomic.Int32
	bus.Subscribe("", func(Notification) { panic("boom") })
	bus.Subscribe("", func(Notification) { got.Add(1) })

	bus.Publish(Notification{Kind: KindCallExecuted})
	bus.Wait()
	if got.Load() != 1 {
		t.Fatalf("expected healthy handler to run, got %d", got.Load())
	}
}

func TestPublishDoesNotWaitForSlowHandlers(t *testing.T) {
	bus := NewBus(logger.Discard())
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("", func(Notification) {
		defer wg.Done()
		<-release
	})

	start := time.Now()
	bus.Publish(Notification{Kind: KindTransactionSuccess})
	if time.Since(start) > time.Second {
		t.Fatal("publish blocked on handler")
	}
	close(release)
	wg.Wait()
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(logger.Discard())
	var got atomic.Int32
	unsub := bus.Subscribe("", func(Notification) { got.Add(1) })
	unsub()
	bus.Publish(Notification{Kind: KindCallPending})
	bus.Close()
	bus.Publish(Notification{Kind: KindCallPending})
	bus.Wait()
	if got.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", got.Load())
	}
}
