package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/envelope"
)

func mustEnvelope(t *testing.T, payloadType envelope.PayloadType) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("agent-a", "agent-b", payloadType, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func TestRegistry_DispatchUnknownPayloadType(t *testing.T) {
	reg := NewRegistry()
	pool := NewWorkerPool(context.Background(), 1)
	defer pool.Close()

	env := mustEnvelope(t, envelope.TypeMessageSend)
	_, err := reg.Dispatch(context.Background(), pool, env)
	if err == nil {
		t.Fatal("expected error for unregistered payload type")
	}
	aerr, ok := err.(*asaperr.Error)
	if !ok || aerr.Code != asaperr.CodeSkillNotFound {
		t.Fatalf("expected skill_not_found, got %v", err)
	}
}

func TestRegistry_DispatchSyncGoesThroughPool(t *testing.T) {
	reg := NewRegistry()
	pool := NewWorkerPool(context.Background(), 2)
	defer pool.Close()

	reg.Register(envelope.TypeMessageSend, HandlerSync, func(ctx context.Context, env envelope.Envelope) (any, error) {
		return "sync-result", nil
	})

	result, err := reg.Dispatch(context.Background(), pool, mustEnvelope(t, envelope.TypeMessageSend))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "sync-result" {
		t.Fatalf("expected sync-result, got %v", result)
	}
}

func TestRegistry_DispatchAsyncBypassesPool(t *testing.T) {
	reg := NewRegistry()
	// A sync dispatch on a closed pool would panic sending on its closed
	// job channel; async must never touch it at all.
	pool := NewWorkerPool(context.Background(), 1)
	pool.Close()

	reg.Register(envelope.TypeMessageSend, HandlerAsync, func(ctx context.Context, env envelope.Envelope) (any, error) {
		return "async-result", nil
	})

	result, err := reg.Dispatch(context.Background(), pool, mustEnvelope(t, envelope.TypeMessageSend))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "async-result" {
		t.Fatalf("expected async-result, got %v", result)
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewWorkerPool(context.Background(), workers)
	defer pool.Close()

	var inFlight, maxInFlight int32
	start := make(chan struct{})
	done := make(chan struct{})

	for i := 0; i < workers*4; i++ {
		go func() {
			_, _ = pool.Submit(context.Background(), func() (any, error) {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
						break
					}
				}
				<-start
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxInFlight); got > workers {
		t.Fatalf("expected at most %d concurrent jobs, observed %d", workers, got)
	}
	close(start)
	for i := 0; i < workers*4; i++ {
		<-done
	}
}

func TestWorkerPool_SubmitRespectsContextCancellation(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 0) // clamps to 1
	defer pool.Close()

	block := make(chan struct{})
	go func() {
		_, _ = pool.Submit(context.Background(), func() (any, error) {
			<-block
			return nil, nil
		})
	}()
	time.Sleep(20 * time.Millisecond) // ensure the single worker is occupied

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := pool.Submit(ctx, func() (any, error) { return nil, nil })
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded waiting for a busy pool, got %v", err)
	}
	close(block)
}
