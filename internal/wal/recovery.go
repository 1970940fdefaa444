package wal

import (
	"os"

	"github.com/kartikbazzad/vaultfile/internal/logger"
)

// Recovery replays the committed portion of the log at open time.
//
// Frames are buffered per transaction and only handed to the handler when
// the transaction's commit marker is reached, in original write order.
// Frames of a transaction that never committed are discarded. A torn or
// corrupt tail stops replay at the last valid frame and truncates the log
// there, so a crashed write never partially applies.
type Recovery struct {
	path   string
	logger *logger.Logger
}

func NewRecovery(path string, log *logger.Logger) *Recovery {
	return &Recovery{
		path:   path,
		logger: log,
	}
}

// RecoveryHandler receives every frame of each committed transaction.
type RecoveryHandler func(frame *Frame) error

// Replay scans the log and delivers committed frames. Returns the number
// of frames applied.
func (r *Recovery) Replay(handler RecoveryHandler) (int, error) {
	reader := NewReader(r.path, r.logger)
	if err := reader.Open(); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer reader.Close()

	pending := make(map[uint64][]*Frame)
	applied := 0
	goodOffset := int64(0)
	torn := false

	for {
		frame, err := reader.Next()
		if err != nil {
			// Torn tail: keep everything up to the last commit marker.
			r.logger.Warn("log replay stopped at corrupt frame: %v", err)
			torn = true
			break
		}
		if frame == nil {
			break
		}

		if frame.Kind == FrameCommit {
			for _, f := range pending[frame.TxID] {
				if handler != nil {
					if err := handler(f); err != nil {
						return applied, err
					}
				}
				applied++
			}
			delete(pending, frame.TxID)
			goodOffset = reader.Offset()
			continue
		}

		pending[frame.TxID] = append(pending[frame.TxID], frame)
	}

	if len(pending) > 0 {
		r.logger.Info("discarded %d uncommitted transaction(s) during replay", len(pending))
	}

	if torn {
		if err := reader.Close(); err != nil {
			return applied, err
		}
		if err := os.Truncate(r.path, goodOffset); err != nil {
			r.logger.Error("failed to truncate torn log tail: %v", err)
			return applied, err
		}
		r.logger.Info("log truncated to offset %d after torn tail", goodOffset)
	}

	return applied, nil
}
