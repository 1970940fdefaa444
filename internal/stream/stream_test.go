package stream

import (
	"bytes"
	"crypto/sha1"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	stderrors "errors"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.WAL.FsyncOnCommit = false
	return cfg
}

func randomData(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func TestStream_ExtendAndNavigate(t *testing.T) {
	pager := page.NewMemPager(512)
	s := New(pager, uuid.New())

	for i := 0; i < 5; i++ {
		if err := s.Extend(); err != nil {
			t.Fatalf("Extend %d: %v", i, err)
		}
		s.Current().Data[0] = byte(i)
		s.Current().Length = 1
		s.MarkDirty()
	}
	if s.BlockCount() != 5 {
		t.Fatalf("block count: got %d, want 5", s.BlockCount())
	}

	if err := s.Wind(0); err != nil {
		t.Fatalf("Wind(0): %v", err)
	}
	for i := 0; i < 5; i++ {
		if got := s.Current().Data[0]; got != byte(i) {
			t.Fatalf("block %d: got %d", i, got)
		}
		if i < 4 {
			ok, err := s.Next()
			if !ok || err != nil {
				t.Fatalf("Next at %d: %v %v", i, ok, err)
			}
		}
	}
	if ok, _ := s.Next(); ok {
		t.Fatal("Next past the tail: want false")
	}

	ok, err := s.Previous()
	if !ok || err != nil {
		t.Fatalf("Previous: %v %v", ok, err)
	}
	if s.Current().Position != 3 {
		t.Fatalf("position after Previous: got %d", s.Current().Position)
	}

	if err := s.Wind(99); !stderrors.Is(err, errors.ErrStreamRange) {
		t.Fatalf("Wind out of range: got %v, want ErrStreamRange", err)
	}
}

func TestStream_PushPop(t *testing.T) {
	pager := page.NewMemPager(512)
	s := New(pager, uuid.New())

	for i := 0; i < 4; i++ {
		if err := s.Push([]byte{byte(i), byte(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if s.Length() != 8 || s.BlockCount() != 4 {
		t.Fatalf("after pushes: length=%d count=%d", s.Length(), s.BlockCount())
	}

	if err := s.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if s.Length() != 6 || s.BlockCount() != 3 {
		t.Fatalf("after pop: length=%d count=%d", s.Length(), s.BlockCount())
	}

	// A freed tail page is handed out again on the next extension.
	freedPage := uint64(3)
	if err := s.Extend(); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if s.Current().Page != freedPage {
		t.Fatalf("extension ignored recycled page: got %d, want %d", s.Current().Page, freedPage)
	}

	for s.BlockCount() > 0 {
		if err := s.Pop(); err != nil {
			t.Fatalf("Pop: %v", err)
		}
	}
	if err := s.Pop(); !stderrors.Is(err, errors.ErrStreamRange) {
		t.Fatalf("Pop of empty stream: got %v, want ErrStreamRange", err)
	}
}

func TestFile_RoundTripHollow(t *testing.T) {
	mgr, err := NewHollowStreamManager(4068, 1)
	if err != nil {
		t.Fatalf("NewHollowStreamManager: %v", err)
	}
	defer mgr.Close()

	s, err := mgr.SpecialStream(0)
	if err != nil {
		t.Fatalf("SpecialStream: %v", err)
	}

	data := randomData(1, 1<<20)
	w := NewFileWriter(s, "test")
	if n, err := w.Write(data); n != len(data) || err != nil {
		t.Fatalf("Write: %d %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewFile(s, "test")
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if sha1.Sum(got) != sha1.Sum(data) {
		t.Fatal("round trip digest mismatch")
	}
}

func TestFile_FuzzAgainstMirror(t *testing.T) {
	mgr, err := NewHollowStreamManager(4068, 1)
	if err != nil {
		t.Fatalf("NewHollowStreamManager: %v", err)
	}
	defer mgr.Close()
	s, _ := mgr.SpecialStream(0)

	const size = 1 << 20
	mirror := randomData(2, size)
	f := NewFileWriter(s, "fuzz")
	if _, err := f.Write(mirror); err != nil {
		t.Fatalf("initial Write: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	for op := 0; op < 10000; op++ {
		length := 1<<10 + rng.Intn(1<<13-1<<10)
		offset := rng.Intn(size - length)
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			t.Fatalf("op %d: Seek: %v", op, err)
		}
		if rng.Intn(2) == 0 {
			buf := make([]byte, length)
			if _, err := io.ReadFull(f, buf); err != nil {
				t.Fatalf("op %d: Read: %v", op, err)
			}
			if !bytes.Equal(buf, mirror[offset:offset+length]) {
				t.Fatalf("op %d: read diverged from mirror at %d+%d", op, offset, length)
			}
		} else {
			chunk := make([]byte, length)
			rng.Read(chunk)
			if _, err := f.Write(chunk); err != nil {
				t.Fatalf("op %d: Write: %v", op, err)
			}
			copy(mirror[offset:], chunk)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, mirror) {
		t.Fatal("final content diverged from mirror")
	}
}

func TestFile_SeekAndTruncate(t *testing.T) {
	mgr, _ := NewHollowStreamManager(4068, 1)
	defer mgr.Close()
	s, _ := mgr.SpecialStream(0)

	data := randomData(4, 1<<19)
	f := NewFileWriter(s, "trunc")
	f.Write(data)

	if pos, err := f.Seek(1, io.SeekEnd); err != nil || pos != int64(f.Size()) {
		t.Fatalf("Seek past end: got %d %v, want clamp to %d", pos, err, f.Size())
	}

	cut := int64(1 << 18)
	if _, err := f.Seek(cut, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := f.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.Size() != uint64(cut) {
		t.Fatalf("size after truncate: got %d, want %d", f.Size(), cut)
	}

	f.Seek(0, io.SeekStart)
	got, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data[:cut]) {
		t.Fatal("content after truncate diverged")
	}
}

func TestFile_SeekClampsToBounds(t *testing.T) {
	mgr, _ := NewHollowStreamManager(4068, 1)
	defer mgr.Close()
	s, _ := mgr.SpecialStream(0)

	f := NewFileWriter(s, "clamp")
	if _, err := f.Write(make([]byte, 100)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if pos, err := f.Seek(1000, io.SeekStart); err != nil || pos != 100 {
		t.Fatalf("Seek far past end: got %d %v, want 100", pos, err)
	}
	if pos, err := f.Seek(-60, io.SeekCurrent); err != nil || pos != 40 {
		t.Fatalf("Seek back from clamped position: got %d %v, want 40", pos, err)
	}
	if pos, err := f.Seek(-1000, io.SeekEnd); err != nil || pos != 0 {
		t.Fatalf("Seek far before start: got %d %v, want 0", pos, err)
	}
	if _, err := f.Seek(0, 99); !stderrors.Is(err, errors.ErrStreamRange) {
		t.Fatalf("Seek with bad whence: got %v, want ErrStreamRange", err)
	}
}

func TestSingleStreamManager_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	data := randomData(5, 1<<18)

	mgr, err := NewSingleStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("NewSingleStreamManager: %v", err)
	}
	s, err := mgr.SpecialStream(StreamData)
	if err != nil {
		t.Fatalf("SpecialStream: %v", err)
	}
	f := NewFileWriter(s, "data")
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr, err = NewSingleStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mgr.Close()
	s, _ = mgr.SpecialStream(StreamData)
	got, err := NewFile(s, "data").ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if sha1.Sum(got) != sha1.Sum(data) {
		t.Fatal("digest mismatch after reopen")
	}
}

func TestDynamicManager_StreamsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	data := randomData(6, 1<<18)

	mgr, err := NewDynamicMultiStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("NewDynamicMultiStreamManager: %v", err)
	}
	s, err := mgr.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	identity := s.Identity()
	f := NewFileWriter(s, "blob")
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr, err = NewDynamicMultiStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mgr.Close()

	s, err = mgr.OpenStream(identity)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	got, err := NewFile(s, "blob").ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if sha1.Sum(got) != sha1.Sum(data) {
		t.Fatal("digest mismatch after reopen")
	}

	if _, err := mgr.OpenStream(uuid.New()); !stderrors.Is(err, errors.ErrRegistryInconsistent) {
		t.Fatalf("OpenStream of unknown identity: got %v", err)
	}
}

func TestDynamicManager_DelStreamRecyclesPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	data := randomData(7, 1<<18)

	mgr, err := NewDynamicMultiStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("NewDynamicMultiStreamManager: %v", err)
	}
	defer mgr.Close()

	s, _ := mgr.NewStream()
	identity := s.Identity()
	f := NewFileWriter(s, "a")
	f.Write(data)
	f.Close()
	if err := mgr.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	pagesBefore := mgr.Store().PageCount()

	if err := mgr.DelStream(identity); err != nil {
		t.Fatalf("DelStream: %v", err)
	}
	if _, err := mgr.OpenStream(identity); err == nil {
		t.Fatal("OpenStream after DelStream: want error")
	}

	s2, _ := mgr.NewStream()
	f2 := NewFileWriter(s2, "b")
	f2.Write(data)
	f2.Close()
	if err := mgr.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// The second stream must live in the first one's recycled pages.
	if got := mgr.Store().PageCount(); got > pagesBefore+2 {
		t.Fatalf("container grew after recycle: %d -> %d pages", pagesBefore, got)
	}
}

func TestDynamicManager_RepairRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")

	mgr, err := NewDynamicMultiStreamManager(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("NewDynamicMultiStreamManager: %v", err)
	}
	defer mgr.Close()

	want := make(map[uuid.UUID][]byte)
	for i := 0; i < 3; i++ {
		s, err := mgr.NewStream()
		if err != nil {
			t.Fatalf("NewStream: %v", err)
		}
		f := NewFileWriter(s, "x")
		f.Write(randomData(int64(20+i), 12345*(i+1)))
		f.Close()
		if err := mgr.CloseStream(s); err != nil {
			t.Fatalf("CloseStream: %v", err)
		}
		rec, err := mgr.Registry().Get(s.Identity())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		want[s.Identity()] = rec
	}

	n, err := mgr.RepairRegistry()
	if err != nil {
		t.Fatalf("RepairRegistry: %v", err)
	}
	if n != len(want) {
		t.Fatalf("repaired %d streams, want %d", n, len(want))
	}
	for identity, rec := range want {
		got, err := mgr.Registry().Get(identity)
		if err != nil {
			t.Fatalf("Get after repair: %v", err)
		}
		if !bytes.Equal(got, rec) {
			t.Fatalf("record for %s diverged after repair", identity)
		}
	}
}
