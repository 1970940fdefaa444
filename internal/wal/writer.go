package wal

import (
	"os"

	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
)

// Writer appends frames to the container's companion log.
//
// It is responsible for:
//   - Encoding frames using the canonical on-disk format (see format.go)
//   - Optional fsync-after-commit semantics
//   - Tracking current log size
//
// All page mutations reach disk through this log first; the main container
// file is only touched at checkpoint time.
type Writer struct {
	file       *os.File
	path       string
	size       uint64
	fsync      bool
	frames     int
	logger     *logger.Logger
	classifier *errors.Classifier
}

// NewWriter creates a log writer. fsync controls whether commit markers
// force a sync before returning.
func NewWriter(path string, fsync bool, log *logger.Logger) *Writer {
	return &Writer{
		path:       path,
		fsync:      fsync,
		logger:     log,
		classifier: errors.NewClassifier(),
	}
}

func (w *Writer) Open() error {
	return errors.Retry(func() error {
		file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return errors.ErrFileOpen
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return errors.ErrFileOpen
		}

		w.file = file
		w.size = uint64(info.Size())
		return nil
	}, w.classifier)
}

// WritePage appends the new encrypted image of a page.
func (w *Writer) WritePage(txID, pageID uint64, image []byte) error {
	return w.append(FramePage, txID, pageID, image)
}

// WriteFree appends a page-release frame.
func (w *Writer) WriteFree(txID, pageID uint64) error {
	return w.append(FrameFree, txID, pageID, nil)
}

// WriteCommit appends the commit marker that makes the transaction's
// frames durable, then syncs when configured to.
func (w *Writer) WriteCommit(txID uint64) error {
	if err := w.append(FrameCommit, txID, 0, nil); err != nil {
		return err
	}
	if w.fsync {
		if err := w.Sync(); err != nil {
			return err
		}
	}
	w.logger.Debug("commit marker written: tx=%d size=%d", txID, w.size)
	return nil
}

func (w *Writer) append(kind FrameKind, txID, pageID uint64, payload []byte) error {
	return errors.Retry(func() error {
		if w.file == nil {
			return errors.ErrFileWrite
		}

		frame, err := EncodeFrame(kind, txID, pageID, payload)
		if err != nil {
			return err
		}

		if _, err := w.file.Write(frame); err != nil {
			return errors.ErrFileWrite
		}

		w.size += uint64(len(frame))
		w.frames++
		return nil
	}, w.classifier)
}

func (w *Writer) Sync() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return errors.ErrFileSync
	}
	return nil
}

// Reset truncates the log to zero length after a checkpoint.
func (w *Writer) Reset() error {
	if w.file == nil {
		return errors.ErrFileWrite
	}
	if err := w.file.Truncate(0); err != nil {
		return errors.ErrFileWrite
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return errors.ErrFileWrite
	}
	w.size = 0
	w.frames = 0
	return nil
}

// Size returns the current log length in bytes.
func (w *Writer) Size() uint64 {
	return w.size
}

// Frames returns the number of frames appended since the last reset.
func (w *Writer) Frames() int {
	return w.frames
}

func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return errors.ErrFileSync
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return errors.ErrFileWrite
	}
	return nil
}
