package vaultfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func testOptions() Options {
	return Options{NoSync: true}
}

func TestVault_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	v, err := Setup(path, testSecret, uuid.New(), testOptions())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err := v.Mkdir("/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	contents := make(map[string][]byte)
	files := make(map[string]func() ([]byte, error))
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/docs/file-%02d", i)
		data := make([]byte, 10000+rng.Intn(50000))
		rng.Read(data)
		contents[p] = data
		body := data
		files[p] = func() ([]byte, error) { return body, nil }
	}
	if err := v.WriteFiles(context.Background(), files); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	list, err := v.List("/docs")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 10 {
		t.Fatalf("listed %d entries, want 10", len(list))
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	v, err = Open(path, testSecret, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	for p, want := range contents {
		got, err := v.ReadFile(p)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", p, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("content mismatch for %s", p)
		}
	}

	stats, err := v.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 12 { // root, /docs and ten files
		t.Fatalf("entries: got %d, want 12", stats.Entries)
	}
	if stats.Streams != 10 {
		t.Fatalf("streams: got %d, want 10", stats.Streams)
	}
}

func TestVault_OpenReadsByteRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	v, err := Setup(path, testSecret, uuid.New(), testOptions())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer v.Close()

	data := make([]byte, 100000)
	rand.New(rand.NewSource(9)).Read(data)
	if err := v.Mkfile("/blob", data); err != nil {
		t.Fatalf("Mkfile: %v", err)
	}

	f, err := v.Open("/blob")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if size, err := f.Size(); err != nil || size != uint64(len(data)) {
		t.Fatalf("Size: got %d %v, want %d", size, err, len(data))
	}

	if pos, err := f.Seek(50000, io.SeekStart); err != nil || pos != 50000 {
		t.Fatalf("Seek: got %d %v", pos, err)
	}
	buf := make([]byte, 1000)
	if _, err := io.ReadFull(f, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, data[50000:51000]) {
		t.Fatal("ranged read diverged from content")
	}

	if pos, err := f.Seek(10, io.SeekEnd); err != nil || pos != int64(len(data)) {
		t.Fatalf("Seek past end: got %d %v, want clamp to %d", pos, err, len(data))
	}
	if _, err := f.Read(buf); err != io.EOF {
		t.Fatalf("Read at end: got %v, want io.EOF", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := v.Open("/missing"); err == nil {
		t.Fatal("Open of absent path: want error")
	}
}

func TestVault_ConcurrentUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	v, err := Setup(path, testSecret, uuid.New(), testOptions())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer v.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				p := fmt.Sprintf("/w%d-%d", g, i)
				if err := v.Mkfile(p, []byte(p)); err != nil {
					errs <- fmt.Errorf("%s: %w", p, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Mkfile: %v", err)
	}

	list, err := v.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 64 {
		t.Fatalf("listed %d entries, want 64", len(list))
	}
}
