package janus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestClients_GetOrInsertDialsOnce(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewClients(dialer, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Transport, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := c.GetOrInsert(ctx, "janus-1", "ws://janus-1")
			if err != nil {
				t.Errorf("get or insert: %v", err)
				return
			}
			results[i] = tr
		}(i)
	}
	wg.Wait()

	for _, tr := range results[1:] {
		if tr != results[0] {
			t.Fatalf("expected every caller to get the registered transport")
		}
	}
	if ids := c.IDs(); len(ids) != 1 || ids[0] != "janus-1" {
		t.Fatalf("ids = %v", ids)
	}

	if _, err := c.GetOrInsert(ctx, "janus-1", "ws://janus-1"); err != nil {
		t.Fatalf("get existing: %v", err)
	}
	before := dialer.dialCount()
	if _, err := c.GetOrInsert(ctx, "janus-1", "ws://janus-1"); err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if dialer.dialCount() != before {
		t.Fatalf("existing client was redialed")
	}
}

func TestClients_DialFailureIsClientCreationError(t *testing.T) {
	c := NewClients(&fakeDialer{err: errors.New("refused")}, discardLogger())
	_, err := c.GetOrInsert(context.Background(), "janus-1", "ws://janus-1")
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrBackendClientCreation {
		t.Fatalf("expected client creation error, got %v", err)
	}
}

func TestClients_SendAndRemove(t *testing.T) {
	c := NewClients(nil, discardLogger())
	tr := newFakeTransport()
	c.Insert("janus-1", tr)

	if err := c.Send(context.Background(), "janus-1", Request{Janus: "keepalive"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}

	c.Remove("janus-1")
	if !tr.isClosed() {
		t.Fatalf("removed transport was not closed")
	}
	err := c.Send(context.Background(), "janus-1", Request{Janus: "keepalive"})
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrBackendClientCreation {
		t.Fatalf("expected missing client error, got %v", err)
	}
}

func TestClients_InsertReplacesAndClosesOld(t *testing.T) {
	c := NewClients(nil, discardLogger())
	old, fresh := newFakeTransport(), newFakeTransport()
	c.Insert("janus-1", old)
	c.Insert("janus-1", fresh)
	if !old.isClosed() || fresh.isClosed() {
		t.Fatalf("expected only the replaced transport to be closed")
	}
	c.Close()
	if !fresh.isClosed() || len(c.IDs()) != 0 {
		t.Fatalf("close left clients behind")
	}
}
