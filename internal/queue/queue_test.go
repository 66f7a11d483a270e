package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/dispatchd/internal/storage"
)

func brokers(t *testing.T) map[string]Broker {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Broker{
		BackendMemory: NewMemory(),
		BackendSQLite: NewSQLite(db),
		BackendRedis:  NewRedis(rdb, "test:"),
	}
}

func TestBrokerFIFOPerQueue(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				if err := b.Publish(ctx, "fast.node1", id); err != nil {
					t.Fatalf("Publish: %v", err)
				}
			}
			if err := b.Publish(ctx, "mgmt", "m"); err != nil {
				t.Fatalf("Publish: %v", err)
			}

			n, err := b.Depth(ctx, "fast.node1")
			if err != nil || n != 3 {
				t.Fatalf("Depth = %d, %v; want 3", n, err)
			}

			for _, want := range []string{"a", "b", "c"} {
				got, ok, err := b.Pop(ctx, "fast.node1")
				if err != nil || !ok || got != want {
					t.Fatalf("Pop = %q, %v, %v; want %q", got, ok, err, want)
				}
			}
			if _, ok, err := b.Pop(ctx, "fast.node1"); err != nil || ok {
				t.Fatalf("Pop on empty = %v, %v; want false, nil", ok, err)
			}

			got, ok, err := b.Pop(ctx, "mgmt")
			if err != nil || !ok || got != "m" {
				t.Fatalf("mgmt Pop = %q, %v, %v", got, ok, err)
			}
		})
	}
}

func TestBrokerQueuesListed(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = b.Publish(ctx, "slow.n2", "x")
			_ = b.Publish(ctx, "fast.n1", "y")
			names, err := b.Queues(ctx)
			if err != nil {
				t.Fatalf("Queues: %v", err)
			}
			if len(names) != 2 || names[0] != "fast.n1" || names[1] != "slow.n2" {
				t.Fatalf("Queues = %v", names)
			}
		})
	}
}

func TestBrokerConcurrentPopDeliversOnce(t *testing.T) {
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 40
			for i := 0; i < n; i++ {
				if err := b.Publish(ctx, "q", fmt.Sprintf("t%d", i)); err != nil {
					t.Fatalf("Publish: %v", err)
				}
			}

			var mu sync.Mutex
			seen := map[string]int{}
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						id, ok, err := b.Pop(ctx, "q")
						if err != nil {
							t.Errorf("Pop: %v", err)
							return
						}
						if !ok {
							return
						}
						mu.Lock()
						seen[id]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != n {
				t.Fatalf("delivered %d distinct ids, want %d", len(seen), n)
			}
			for id, c := range seen {
				if c != 1 {
					t.Fatalf("id %s delivered %d times", id, c)
				}
			}
		})
	}
}

func TestRedisReadyKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewRedis(rdb, "dispatchd:")
	if err := b.Publish(ctx, "backup.n3", "t1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	list, err := mr.List("dispatchd:queue:backup.n3:ready")
	if err != nil || len(list) != 1 || list[0] != "t1" {
		t.Fatalf("ready list = %v, %v", list, err)
	}
}

func TestDurableBrokersReportContents(t *testing.T) {
	ctx := context.Background()
	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			d, ok := b.(Durable)
			if name == BackendMemory {
				if ok {
					t.Fatalf("memory broker claims to be durable")
				}
				return
			}
			if !ok {
				t.Fatalf("%s broker is not durable", name)
			}
			if err := b.Publish(ctx, "fast.n1", "t1"); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if found, err := d.Contains(ctx, "fast.n1", "t1"); err != nil || !found {
				t.Fatalf("Contains(t1) = %v, %v", found, err)
			}
			if found, _ := d.Contains(ctx, "fast.n2", "t1"); found {
				t.Fatalf("Contains matched another queue")
			}
			if _, _, err := b.Pop(ctx, "fast.n1"); err != nil {
				t.Fatalf("Pop: %v", err)
			}
			if found, _ := d.Contains(ctx, "fast.n1", "t1"); found {
				t.Fatalf("Contains(t1) after pop")
			}
		})
	}
}

func TestParseBackend(t *testing.T) {
	if b, err := ParseBackend(""); err != nil || b != BackendSQLite {
		t.Fatalf("ParseBackend(\"\") = %q, %v", b, err)
	}
	if _, err := ParseBackend("kafka"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
