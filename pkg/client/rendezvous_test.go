package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/transport"
)

func TestPortSlotPublishBeforeTake(t *testing.T) {
	var p portSlot
	p.Publish(4000)
	p.Publish(4001)
	port, err := p.Take(context.Background(), nil)
	if err != nil || port != 4001 {
		t.Fatalf("take = %d, %v", port, err)
	}
}

func TestPortSlotTakeWaits(t *testing.T) {
	var p portSlot
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Publish(5000)
	}()
	port, err := p.Take(context.Background(), nil)
	if err != nil || port != 5000 {
		t.Fatalf("take = %d, %v", port, err)
	}
}

func TestPortSlotTimeout(t *testing.T) {
	var p portSlot
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Take(ctx, nil)
	if !errors.Is(err, filetransfer.ErrNoPort) || !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestPortSlotDisconnect(t *testing.T) {
	var p portSlot
	gone := make(chan struct{})
	close(gone)
	_, err := p.Take(context.Background(), gone)
	if !errors.Is(err, transport.ErrConnReset) {
		t.Fatalf("err = %v", err)
	}
}

func TestPortSlotReset(t *testing.T) {
	var p portSlot
	p.Publish(6000)
	p.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Take(ctx, nil); err == nil {
		t.Fatalf("stale port survived reset")
	}
}
