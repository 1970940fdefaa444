package executor

import (
	"context"
	"sync"
	"testing"

	stderrors "errors"
)

func TestSerial_RunsInOrder(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Release()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if len(order) != 50 {
		t.Fatalf("ran %d operations, want 50", len(order))
	}
}

func TestSerial_PropagatesError(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Release()

	boom := stderrors.New("boom")
	if err := s.Do(func() error { return boom }); !stderrors.Is(err, boom) {
		t.Fatalf("Do: got %v, want boom", err)
	}
}

func TestSerial_Batch(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Release()

	var producers []func() (any, error)
	for i := 0; i < 20; i++ {
		i := i
		producers = append(producers, func() (any, error) { return i, nil })
	}

	var mu sync.Mutex
	sum := 0
	err = s.Batch(context.Background(), producers, func(item any) error {
		mu.Lock()
		sum += item.(int)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if sum != 190 {
		t.Fatalf("sum: got %d, want 190", sum)
	}
}
