package queue_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/malscan/internal/dbopen"
	"github.com/hazyhaar/malscan/internal/queue"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts queue.Options) *queue.Q {
	t.Helper()
	q := queue.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: time.Second})

	ctx := context.Background()

	if err := q.Publish(ctx, "j1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "j1" {
		t.Fatalf("got id %q, want j1", job.ID)
	}
	if string(job.Payload) != "hello" {
		t.Fatalf("got payload %q, want hello", string(job.Payload))
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestAck(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty after ack, got %d", n)
	}
}

func TestNack(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 10 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "j1", []byte("retry-me"))
	job, _ := q.Claim(ctx)

	// Nack makes it visible again immediately.
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("expected job after nack")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, queue.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, "j1", nil)
	q.Claim(ctx) // claimed, invisible for 50ms

	// Immediately invisible.
	job, _ := q.Claim(ctx)
	if job != nil {
		t.Fatal("job should be invisible")
	}

	// Wait for visibility to expire.
	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestMultipleQueues(t *testing.T) {
	db := openDB(t)
	q1 := newQ(t, db, queue.Options{Queue: "alpha", Visibility: time.Second})
	q2 := newQ(t, db, queue.Options{Queue: "beta", Visibility: time.Second})
	ctx := context.Background()

	q1.Publish(ctx, "a1", []byte("alpha"))
	q2.Publish(ctx, "b1", []byte("beta"))

	j1, _ := q1.Claim(ctx)
	j2, _ := q2.Claim(ctx)

	if j1 == nil || j1.ID != "a1" {
		t.Fatal("q1 should get a1")
	}
	if j2 == nil || j2.ID != "b1" {
		t.Fatal("q2 should get b1")
	}

	// q1 should not see q2's job.
	j, _ := q1.Claim(ctx)
	if j != nil {
		t.Fatal("q1 should have no more jobs")
	}
}

func TestLeaderElection(t *testing.T) {
	// Demonstrates leader election: 1 row, 2 contenders.
	db := openDB(t)
	q := newQ(t, db, queue.Options{
		Queue:      "leader",
		Visibility: 100 * time.Millisecond,
	})
	ctx := context.Background()

	// The "leadership token" — a single permanent row.
	q.Publish(ctx, "leader-token", nil)

	// Instance A claims leadership.
	jobA, _ := q.Claim(ctx)
	if jobA == nil {
		t.Fatal("instance A should become leader")
	}

	// Instance B cannot claim — leader is active.
	jobB, _ := q.Claim(ctx)
	if jobB != nil {
		t.Fatal("instance B should NOT get leadership while A holds it")
	}

	// A crashes (simulated by letting visibility expire).
	time.Sleep(120 * time.Millisecond)

	// B takes over.
	jobB, _ = q.Claim(ctx)
	if jobB == nil {
		t.Fatal("instance B should take over after A's timeout")
	}
}

func TestDeadLetter(t *testing.T) {
	db := openDB(t)
	main := newQ(t, db, queue.Options{Queue: "malscan.jobs", Visibility: time.Second})
	dlq := newQ(t, db, queue.Options{Queue: "malscan-dlq", Visibility: time.Second})
	ctx := context.Background()

	main.Publish(ctx, "j1", []byte("not-json"))
	msg, err := main.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}

	if err := main.DeadLetter(ctx, dlq, msg.ID, msg.Payload); err != nil {
		t.Fatal(err)
	}

	if n, _ := main.Len(ctx); n != 0 {
		t.Fatalf("main queue should be empty, got %d", n)
	}
	if n, _ := dlq.Len(ctx); n != 1 {
		t.Fatalf("dlq should have 1 message, got %d", n)
	}

	dead, err := dlq.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dead == nil || dead.ID != "j1" {
		t.Fatal("expected j1 to land in the dlq")
	}
	if string(dead.Payload) != "not-json" {
		t.Fatalf("payload = %q, want not-json", string(dead.Payload))
	}
}
