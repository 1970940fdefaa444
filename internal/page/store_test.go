package page

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	stderrors "errors"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.WAL.FsyncOnCommit = false
	return cfg
}

func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vault")
	header := NewHeader(4096, 1, 0, 0, uuid.New())
	s, err := Create(path, testSecret, header, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s, path
}

func TestStore_WriteReadAcrossReopen(t *testing.T) {
	s, path := createTestStore(t)

	id, err := s.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	want := []byte("hello pages")
	if err := s.WritePage(id, want); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got[:len(want)], want) {
		t.Fatalf("page content: got %q, want %q", got[:len(want)], want)
	}
}

func TestStore_WrongSecret(t *testing.T) {
	s, path := createTestStore(t)
	s.Close()

	bad := bytes.Repeat([]byte{0x13}, 32)
	if _, err := Open(path, bad, testConfig(), logger.Nop()); !stderrors.Is(err, errors.ErrDecrypt) {
		t.Fatalf("Open with wrong secret: got %v, want ErrDecrypt", err)
	}
}

func TestStore_HeaderSurvivesReopen(t *testing.T) {
	s, path := createTestStore(t)
	wantID := s.Header().ID
	wantCreated := s.Header().Created
	s.Close()

	s, err := Open(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Header().ID != wantID {
		t.Fatalf("header ID: got %s, want %s", s.Header().ID, wantID)
	}
	if s.Header().Created != wantCreated {
		t.Fatalf("header Created: got %d, want %d", s.Header().Created, wantCreated)
	}
	if s.Header().Boots < 2 {
		t.Fatalf("boot counter not bumped: %d", s.Header().Boots)
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	// Settle a page so we can verify it is untouched by the rollback.
	settled, _ := s.AllocatePage()
	if err := s.WritePage(settled, []byte("settled")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	countBefore := s.PageCount()
	freeBefore := s.free.Len()

	boom := stderrors.New("boom")
	err := s.WriteTransaction(func(tx *Tx) error {
		id, err := tx.AllocatePage()
		if err != nil {
			return err
		}
		if err := tx.WritePage(id, []byte("doomed")); err != nil {
			return err
		}
		if err := tx.WritePage(settled, []byte("clobbered")); err != nil {
			return err
		}
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("WriteTransaction: got %v, want boom", err)
	}
	if !stderrors.Is(err, errors.ErrTxAborted) {
		t.Fatalf("rollback error not marked as aborted: %v", err)
	}

	if s.PageCount() != countBefore {
		t.Fatalf("page count after rollback: got %d, want %d", s.PageCount(), countBefore)
	}
	if s.free.Len() != freeBefore {
		t.Fatalf("free list after rollback: got %d, want %d", s.free.Len(), freeBefore)
	}
	got, err := s.ReadPage(settled)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got[:7], []byte("settled")) {
		t.Fatalf("settled page was clobbered: %q", got[:9])
	}
}

func TestStore_AllocationExhaustedAtPageLimit(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	orig := s.pageCount
	s.pageCount = s.maxPages()
	if _, err := s.AllocatePage(); !stderrors.Is(err, errors.ErrPageExhausted) {
		t.Fatalf("AllocatePage at the id limit: got %v, want ErrPageExhausted", err)
	}
	s.pageCount = orig
}

func TestStore_MetadataRollsBackOnCommitFailure(t *testing.T) {
	s, _ := createTestStore(t)

	if err := s.SetMetadata("keep", []byte{1}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	// Kill the log so the implicit commit fails mid-flight.
	s.wal.Close()

	if err := s.SetMetadata("lost", []byte{2}); err == nil {
		t.Fatal("SetMetadata with a dead log: want error, got nil")
	}
	if _, ok := s.GetMetadata("lost"); ok {
		t.Fatal("failed commit left the new key in memory")
	}
	if v, ok := s.GetMetadata("keep"); !ok || !bytes.Equal(v, []byte{1}) {
		t.Fatal("rollback clobbered committed metadata")
	}

	if err := s.DelMetadata("keep"); err == nil {
		t.Fatal("DelMetadata with a dead log: want error, got nil")
	}
	if _, ok := s.GetMetadata("keep"); !ok {
		t.Fatal("failed delete removed the key from memory")
	}
}

func TestStore_ReadTransactionRejectsWrites(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	err := s.ReadTransaction(func(tx *Tx) error {
		return tx.WritePage(MetaPageID, []byte("nope"))
	})
	if !stderrors.Is(err, errors.ErrTxReadOnly) {
		t.Fatalf("write in read transaction: got %v, want ErrTxReadOnly", err)
	}
}

func TestStore_CommittedButUncheckpointedSurvivesCrash(t *testing.T) {
	s, path := createTestStore(t)
	cfg := testConfig()
	cfg.WAL.CheckpointEveryFrames = 1 << 20 // keep everything in the log

	id, _ := s.AllocatePage()
	if err := s.WritePage(id, []byte("durable")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := s.wal.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// Abandon the store without Close to simulate a crash. The page only
	// exists in the log at this point.

	s2, err := Open(path, testSecret, cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	defer s2.Close()

	got, err := s2.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage after replay: %v", err)
	}
	if !bytes.Equal(got[:7], []byte("durable")) {
		t.Fatalf("replayed page: got %q", got[:7])
	}
}

func TestStore_FreePageReuse(t *testing.T) {
	s, path := createTestStore(t)
	defer s.Close()

	a, _ := s.AllocatePage()
	b, _ := s.AllocatePage()
	s.WritePage(a, []byte("a"))
	s.WritePage(b, []byte("b"))
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	sizeBefore := fileSize(t, path)

	if err := s.FreePage(b); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if _, err := s.ReadPage(b); err == nil {
		t.Fatal("ReadPage of freed page: want error, got nil")
	}

	// LIFO: the page freed last comes back first, the file must not grow.
	c, err := s.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if c != b {
		t.Fatalf("reallocated page: got %d, want %d", c, b)
	}
	s.WritePage(c, []byte("c"))
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got := fileSize(t, path); got != sizeBefore {
		t.Fatalf("container grew on reuse: %d -> %d", sizeBefore, got)
	}
}

func TestStore_FreeListSurvivesReopen(t *testing.T) {
	s, path := createTestStore(t)

	var ids []uint64
	for i := 0; i < 8; i++ {
		id, _ := s.AllocatePage()
		s.WritePage(id, []byte{byte(i)})
		ids = append(ids, id)
	}
	for _, id := range ids[4:] {
		if err := s.FreePage(id); err != nil {
			t.Fatalf("FreePage: %v", err)
		}
	}
	freeBefore := s.free.Len()
	s.Close()

	s, err := Open(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.free.Len() != freeBefore {
		t.Fatalf("free list after reopen: got %d, want %d", s.free.Len(), freeBefore)
	}
	id, _ := s.AllocatePage()
	if !contains(ids[4:], id) {
		t.Fatalf("allocation ignored persisted free list: got page %d", id)
	}
}

func TestStore_Metadata(t *testing.T) {
	s, path := createTestStore(t)

	if err := s.SetMetadata("tree.entries", []byte{0, 0, 0, 7}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata("tree.paths", []byte{0, 0, 0, 9}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.DelMetadata("tree.paths"); err != nil {
		t.Fatalf("DelMetadata: %v", err)
	}
	s.Close()

	s, err := Open(path, testSecret, testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	v, ok := s.GetMetadata("tree.entries")
	if !ok || !bytes.Equal(v, []byte{0, 0, 0, 7}) {
		t.Fatalf("metadata after reopen: got %v ok=%v", v, ok)
	}
	if _, ok := s.GetMetadata("tree.paths"); ok {
		t.Fatal("deleted metadata key resurfaced")
	}
}

func TestStore_AutoCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	cfg := testConfig()
	cfg.WAL.CheckpointEveryFrames = 4

	header := NewHeader(4096, 1, 0, 0, uuid.New())
	s, err := Create(path, testSecret, header, cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	for i := 0; i < 16; i++ {
		id, _ := s.AllocatePage()
		if err := s.WritePage(id, []byte{byte(i)}); err != nil {
			t.Fatalf("WritePage: %v", err)
		}
	}
	if s.wal.Frames() >= cfg.WAL.CheckpointEveryFrames {
		t.Fatalf("log never checkpointed: %d frames", s.wal.Frames())
	}
}

func TestMemPager_RoundTrip(t *testing.T) {
	m := NewMemPager(4068)

	id, err := m.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if err := m.WritePage(id, []byte("mem")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := m.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got[:3], []byte("mem")) {
		t.Fatalf("page content: %q", got[:3])
	}

	m.FreePage(id)
	if _, err := m.ReadPage(id); err == nil {
		t.Fatal("ReadPage of freed page: want error, got nil")
	}
	again, _ := m.AllocatePage()
	if again != id {
		t.Fatalf("reuse: got %d, want %d", again, id)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	return info.Size()
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
