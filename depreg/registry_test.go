package depreg

import (
	"context"
	"errors"
	"testing"
	"time"
)

type clock interface{ Now() int }

type fixedClock struct{ n int }

func (c *fixedClock) Now() int { return c.n }

type otherClock struct{}

func (otherClock) Now() int { return 0 }

func TestGetConcreteAndInterface(t *testing.T) {
	t.Parallel()

	r := New()
	r.Set(&fixedClock{n: 7})

	var concrete *fixedClock
	var iface clock
	if err := r.Get(&concrete, &iface); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if concrete.n != 7 || iface.Now() != 7 {
		t.Fatalf("unexpected values: %v %v", concrete.n, iface.Now())
	}
}

func TestGetErrors(t *testing.T) {
	t.Parallel()

	r := New()
	var c clock
	if err := r.Get(&c); !errors.Is(err, ErrDependencyNotFound) {
		t.Fatalf("expected ErrDependencyNotFound, got %v", err)
	}
	if err := r.Get(c); !errors.Is(err, ErrInvalidTargetType) {
		t.Fatalf("expected ErrInvalidTargetType, got %v", err)
	}

	r.Set(&fixedClock{}, otherClock{})
	if err := r.Get(&c); !errors.Is(err, ErrAmbiguousInterface) {
		t.Fatalf("expected ErrAmbiguousInterface, got %v", err)
	}
}

func TestGetWait(t *testing.T) {
	t.Parallel()

	r := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Set(&fixedClock{n: 3})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var c clock
	if err := r.GetWait(ctx, &c); err != nil {
		t.Fatalf("GetWait: %v", err)
	}
	if c.Now() != 3 {
		t.Fatalf("got %d", c.Now())
	}
}

func TestGetWaitTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var c clock
	err := New().GetWait(ctx, &c)
	if !errors.Is(err, ErrDependencyNotFound) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}
