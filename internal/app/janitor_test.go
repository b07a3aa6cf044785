package app

import (
	"context"
	"testing"
	"time"
)

func TestJanitorSweepsUntilCancelled(t *testing.T) {
	d := NewDirectory()
	if _, _, err := d.Open("idle"); err != nil {
		t.Fatal(err)
	}
	d.Join("c1", "busy", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j := &Janitor{Directory: d, Interval: 5 * time.Millisecond, MaxAge: time.Millisecond}
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Room("idle"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle room was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := d.Room("busy"); !ok {
		t.Fatal("occupied room swept")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestJanitorZeroIntervalDoesNotPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j := &Janitor{Directory: NewDirectory(), MaxAge: time.Hour}
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
