package rbxlogs

import (
	"io"
	"os"

	"biomewatch/internal/logging"
)

const (
	// LookbackBytes is how far before end-of-file the cursor resets after a
	// rotation, so a rotated file costs at most one small re-read.
	LookbackBytes = 5_000

	// MaxReadBytes caps a single catch-up read; a multi-megabyte backlog is
	// consumed across ticks, never in one worker call.
	MaxReadBytes = 20_000

	// TailProbeBytes is the window inspected first when a large span is
	// pending: the most recent event is overwhelmingly the relevant one.
	TailProbeBytes = 2_000
)

// Tailer reads only newly appended bytes of each account's bound file.
// probe reports whether a byte window contains a structured event marker;
// when the probe hits, the pending backlog before the window is skipped.
type Tailer struct {
	assigner *Assigner
	logger   *logging.Logger
	probe    func([]byte) bool
}

func NewTailer(assigner *Assigner, probe func([]byte) bool, logger *logging.Logger) *Tailer {
	if assigner == nil {
		panic("rbxlogs.NewTailer: assigner must not be nil")
	}
	if logger == nil {
		panic("rbxlogs.NewTailer: logger must not be nil")
	}
	if probe == nil {
		probe = func([]byte) bool { return false }
	}
	return &Tailer{assigner: assigner, logger: logger, probe: probe}
}

// ReadNew returns the unprocessed bytes for the account's bound file,
// possibly empty. The cursor always advances over everything returned, so
// unparseable bytes are never retried.
func (t *Tailer) ReadNew(account string) ([]byte, error) {
	binding, ok := t.assigner.BindingFor(account)
	if !ok {
		return nil, nil
	}

	info, err := os.Stat(binding.Path)
	if err != nil {
		return nil, err
	}
	size := info.Size()
	cursor := binding.Cursor

	if size == cursor {
		// Steady state: nothing appended, file never opened.
		return nil, nil
	}

	if size < cursor {
		cursor = size - LookbackBytes
		if cursor < 0 {
			cursor = 0
		}
		t.logger.Info("log file rotated",
			logging.Field("account", binding.Display),
			logging.Field("path", binding.Path),
			logging.Field("resumed_at", cursor),
		)
		t.assigner.CommitCursor(account, binding.Path, cursor)
	}

	pending := size - cursor

	if pending > TailProbeBytes {
		window, probeErr := readRange(binding.Path, size-TailProbeBytes, size)
		if probeErr != nil {
			return nil, probeErr
		}
		if t.probe(window) {
			t.assigner.CommitCursor(account, binding.Path, size)
			return window, nil
		}
	}

	end := size
	if pending > MaxReadBytes {
		end = cursor + MaxReadBytes
	}
	chunk, err := readRange(binding.Path, cursor, end)
	if err != nil {
		return nil, err
	}
	t.assigner.CommitCursor(account, binding.Path, cursor+int64(len(chunk)))
	return chunk, nil
}

func readRange(path string, from, to int64) ([]byte, error) {
	if to <= from {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Seek(from, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, to-from)
	n, err := io.ReadFull(file, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// The file shrank between stat and read; next tick re-evaluates.
		err = nil
	}
	return buf[:n], err
}
