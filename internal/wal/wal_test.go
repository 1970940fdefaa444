package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/vaultfile/internal/logger"
)

func TestFrame_EncodeDecode(t *testing.T) {
	payload := []byte("encrypted page image")
	buf, err := EncodeFrame(FramePage, 7, 42, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	frame, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Kind != FramePage || frame.TxID != 7 || frame.PageID != 42 {
		t.Fatalf("decoded header mismatch: %+v", frame)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestFrame_CRCDetectsCorruption(t *testing.T) {
	buf, _ := EncodeFrame(FramePage, 1, 1, []byte("data"))
	buf[FrameOverhead-1] ^= 0x01
	if _, err := DecodeFrame(buf); err == nil {
		t.Fatal("DecodeFrame of corrupted frame: want error, got nil")
	}
}

func TestReplay_OnlyCommittedFramesApply(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "t.wal")
	log := logger.Nop()

	w := NewWriter(path, false, log)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Committed transaction.
	if err := w.WritePage(1, 10, []byte("ten")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := w.WritePage(1, 11, []byte("eleven")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := w.WriteCommit(1); err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}

	// Uncommitted transaction must be discarded.
	if err := w.WritePage(2, 12, []byte("twelve")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	w.Close()

	var pages []uint64
	rec := NewRecovery(path, log)
	applied, err := rec.Replay(func(f *Frame) error {
		pages = append(pages, f.PageID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied: got %d, want 2", applied)
	}
	if len(pages) != 2 || pages[0] != 10 || pages[1] != 11 {
		t.Fatalf("replayed pages: got %v, want [10 11]", pages)
	}
}

func TestReplay_TornTailTruncated(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "t.wal")
	log := logger.Nop()

	w := NewWriter(path, false, log)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.WritePage(1, 5, []byte("five")); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := w.WriteCommit(1); err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	goodSize := int64(w.Size())
	w.Close()

	// Append garbage simulating a torn write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte{0x30, 0x00, 0x00, 0x00, 0x01, 0xde, 0xad})
	f.Close()

	rec := NewRecovery(path, log)
	applied, err := rec.Replay(nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied: got %d, want 1", applied)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != goodSize {
		t.Fatalf("log size after truncation: got %d, want %d", info.Size(), goodSize)
	}
}

func TestReplay_MissingFile(t *testing.T) {
	rec := NewRecovery(filepath.Join(t.TempDir(), "missing.wal"), logger.Nop())
	applied, err := rec.Replay(nil)
	if err != nil {
		t.Fatalf("Replay of missing log: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied: got %d, want 0", applied)
	}
}

func TestWriter_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.wal")
	w := NewWriter(path, false, logger.Nop())
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	w.WritePage(1, 1, []byte("x"))
	w.WriteCommit(1)
	if w.Size() == 0 || w.Frames() != 2 {
		t.Fatalf("pre-reset state: size=%d frames=%d", w.Size(), w.Frames())
	}

	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if w.Size() != 0 || w.Frames() != 0 {
		t.Fatalf("post-reset state: size=%d frames=%d", w.Size(), w.Frames())
	}
}
