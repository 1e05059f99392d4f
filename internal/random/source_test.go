package random

import (
	"context"
	"errors"
	"testing"
)

func TestSyncSource_Request(t *testing.T) {
	ctx := context.Background()
	src := NewSyncSource(QueueEntropy(7, 8))

	res, err := src.Request(ctx, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.Immediate || res.Value != 7 {
		t.Errorf("unexpected result: %+v", res)
	}

	res, _ = src.Request(ctx, 2)
	if res.Value != 8 {
		t.Errorf("expected queued value 8, got %d", res.Value)
	}

	if _, err := src.Request(ctx, 3); err == nil {
		t.Error("expected error once entropy queue exhausted")
	}
}

func TestSyncSource_DefaultEntropy(t *testing.T) {
	src := NewSyncSource(nil)
	res, err := src.Request(context.Background(), 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !res.Immediate {
		t.Error("sync source must return immediate results")
	}
}

func TestAsyncSource_RequestAndFulfill(t *testing.T) {
	ctx := context.Background()
	src := NewAsyncSource()

	var gotID string
	var gotValue uint64
	src.OnFulfilled(func(ctx context.Context, requestID string, value uint64) error {
		gotID = requestID
		gotValue = value
		return nil
	})

	res, err := src.Request(ctx, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Immediate || res.RequestID == "" {
		t.Fatalf("async request must defer: %+v", res)
	}

	if err := src.Fulfill(ctx, res.RequestID, 99); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if gotID != res.RequestID || gotValue != 99 {
		t.Errorf("handler got (%s, %d), want (%s, 99)", gotID, gotValue, res.RequestID)
	}
	if src.Outstanding() != "" {
		t.Error("fulfilled request must clear the outstanding token")
	}
}

func TestAsyncSource_SingleOutstanding(t *testing.T) {
	ctx := context.Background()
	src := NewAsyncSource()

	if _, err := src.Request(ctx, 1); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := src.Request(ctx, 1); !errors.Is(err, ErrRequestOutstanding) {
		t.Errorf("expected ErrRequestOutstanding, got %v", err)
	}
}

func TestAsyncSource_UncorrelatedFulfillmentRejected(t *testing.T) {
	ctx := context.Background()
	src := NewAsyncSource()
	src.OnFulfilled(func(ctx context.Context, requestID string, value uint64) error {
		t.Fatal("handler must not run for an uncorrelated fulfillment")
		return nil
	})

	res, _ := src.Request(ctx, 1)
	if err := src.Fulfill(ctx, "bogus-token", 1); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	if src.Outstanding() != res.RequestID {
		t.Error("rejected fulfillment must keep the pending request")
	}
}

func TestAsyncSource_HandlerFailureKeepsRequest(t *testing.T) {
	ctx := context.Background()
	src := NewAsyncSource()

	attempts := 0
	src.OnFulfilled(func(ctx context.Context, requestID string, value uint64) error {
		attempts++
		if attempts == 1 {
			return errors.New("downstream draw failed")
		}
		return nil
	})

	res, _ := src.Request(ctx, 1)
	if err := src.Fulfill(ctx, res.RequestID, 7); err == nil {
		t.Fatal("expected the handler error to surface")
	}
	if src.Outstanding() != res.RequestID {
		t.Fatal("failed delivery must keep the request outstanding")
	}

	// The same token can be redelivered once the downstream recovers.
	if err := src.Fulfill(ctx, res.RequestID, 7); err != nil {
		t.Fatalf("retried fulfill: %v", err)
	}
	if src.Outstanding() != "" {
		t.Error("successful delivery must clear the outstanding token")
	}
}

func TestAsyncSource_Cancel(t *testing.T) {
	ctx := context.Background()
	src := NewAsyncSource()

	res, _ := src.Request(ctx, 1)
	if !src.Cancel(res.RequestID) {
		t.Fatal("cancel of the outstanding request should succeed")
	}
	if src.Cancel(res.RequestID) {
		t.Error("second cancel should report no match")
	}
	if _, err := src.Request(ctx, 2); err != nil {
		t.Errorf("request after cancel should succeed: %v", err)
	}
}
