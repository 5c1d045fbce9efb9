package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, PlayerKey("p1"))
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if n := l.held(); n != 0 {
		t.Errorf("expected no tracked keys after release, got %d", n)
	}
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock1, err := l.Lock(ctx, PlayerKey("p1"))
	if err != nil {
		t.Fatalf("lock p1: %v", err)
	}
	defer unlock1()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := l.Lock(ctx2, PlayerKey("p2"))
	if err != nil {
		t.Fatalf("lock p2 should not block on p1: %v", err)
	}
	unlock2()
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), GameKey("g1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, GameKey("g1"))
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if n := l.held(); n != 0 {
		t.Errorf("expected waiter to be cleaned up, got %d tracked keys", n)
	}
}

func TestRedis_AcquireAfterContention(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedis(db, time.Second)
	l.newToken = func() string { return "tok" }
	l.retry = time.Millisecond

	mock.ExpectSetNX("lock:player:p1", "tok", time.Second).SetVal(false)
	mock.ExpectSetNX("lock:player:p1", "tok", time.Second).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{"lock:player:p1"}, "tok").SetVal(int64(1))

	unlock, err := l.Lock(context.Background(), PlayerKey("p1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedis_ErrorIsNotAcquired(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedis(db, time.Second)
	l.newToken = func() string { return "tok" }

	mock.ExpectSetNX("lock:game:g1", "tok", time.Second).SetErr(errors.New("connection refused"))

	_, err := l.Lock(context.Background(), GameKey("g1"))
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}
