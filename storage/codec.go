package storage

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"

	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/segment"
)

// encode serializes the artifacts: JSON for the fitted models and the
// manifest, an Arrow IPC stream for the table.
func encode(a *Artifacts) (map[string][]byte, []byte, error) {
	scaler, err := json.Marshal(a.Scaler)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s: %w", KeyScaler, err)
	}
	clusterer, err := json.Marshal(a.Clusterer)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s: %w", KeyClusterer, err)
	}
	table, err := encodeTable(a.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", KeyTable, err)
	}
	manifest, err := json.Marshal(a.Manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return map[string][]byte{
		KeyScaler:    scaler,
		KeyClusterer: clusterer,
		KeyTable:     table,
	}, manifest, nil
}

// decode rebuilds artifacts from encoded blobs. A missing blob yields
// ErrArtifactNotFound.
func decode(manifest []byte, blobs map[string][]byte) (*Artifacts, error) {
	m, err := decodeManifest(manifest)
	if err != nil {
		return nil, err
	}
	a := &Artifacts{Manifest: m}
	for _, key := range Keys {
		if _, ok := blobs[key]; !ok {
			return nil, notFound(key)
		}
	}

	a.Scaler = &model.ScalerState{}
	if err := json.Unmarshal(blobs[KeyScaler], a.Scaler); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", KeyScaler, err)
	}
	a.Clusterer = &model.KMeansState{}
	if err := json.Unmarshal(blobs[KeyClusterer], a.Clusterer); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", KeyClusterer, err)
	}
	table, err := decodeTable(blobs[KeyTable])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyTable, err)
	}
	a.Table = table
	return a, nil
}

func decodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Generation == "" {
		return Manifest{}, fmt.Errorf("manifest without generation")
	}
	return m, nil
}

func encodeTable(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf,
		ipc.WithSchema(segment.TableSchema),
		ipc.WithAllocator(memory.NewGoAllocator()),
	)
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close stream writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeTable reads an IPC stream back into a single labeled table batch.
func decodeTable(b []byte) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(b), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("create stream reader: %w", err)
	}
	defer r.Release()

	var rows []segment.Assignment
	for r.Next() {
		batch, err := segment.FromRecord(r.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return segment.ToRecord(memory.NewGoAllocator(), rows), nil
}
