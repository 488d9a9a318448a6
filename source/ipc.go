package source

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/persona/db"
)

// IPCFileSource reads transactions stored in the Arrow IPC file format.
type IPCFileSource struct {
	Path string
	Mem  memory.Allocator
}

// ReadAll loads every record batch in the file after validating its schema.
func (s *IPCFileSource) ReadAll(ctx context.Context) ([]arrow.Record, error) {
	name := "ipc:" + s.Path
	mem := s.Mem
	if mem == nil {
		mem = db.Pool
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return nil, wrap(name, err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(mem))
	if err != nil {
		return nil, wrap(name, fmt.Errorf("create Arrow file reader: %w", err))
	}
	defer func() {
		_ = reader.Close()
	}()

	n := reader.NumRecords()
	out := make([]arrow.Record, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			Release(out)
			return nil, err
		}
		rec, err := reader.RecordAt(i)
		if err != nil {
			Release(out)
			return nil, wrap(name, fmt.Errorf("read record %d: %w", i, err))
		}
		if err := db.ValidateRecord(rec); err != nil {
			rec.Release()
			Release(out)
			return nil, wrap(name, fmt.Errorf("record %d: %w", i, err))
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteIPCFile writes transaction batches to path in the Arrow IPC file
// format, so that later builds can skip CSV parsing.
func WriteIPCFile(path string, recs []arrow.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	writer, err := ipc.NewFileWriter(file,
		ipc.WithSchema(db.TransactionSchema),
		ipc.WithAllocator(memory.NewGoAllocator()),
	)
	if err != nil {
		return fmt.Errorf("create Arrow file writer: %w", err)
	}
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close Arrow file writer: %w", err)
	}
	return file.Sync()
}
