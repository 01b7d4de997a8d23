package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/DataDog/zstd"

	"github.com/bobboyms/kvengine/pkg/page"
)

// descriptorPageID holds a table's checkpoint bundle's commit LSN and
// compressed byte length; dataPageStart is the first page the compressed
// bundle itself is chunked across. Page 0 is reserved by page.Pager for its
// own metadata block.
const (
	descriptorPageID uint64 = 1
	dataPageStart    uint64 = 2
)

// CheckpointManager durably snapshots every scalar index a table owns at
// one barrier LSN, and reloads the most recent snapshot at startup.
// Grounded on the teacher's CheckpointManager (same one-file-per-table
// convention), generalized from a single *btree.BPlusTree-shaped blob per
// (table, index) file to a length-prefixed bundle of every index's opaque
// Save() blob, since a table now owns an arbitrary set of
// pkg/index.ScalarIndex instances instead of exactly one primary-key tree.
// Backed by pkg/page's fixed-size pager instead of a flat file: each
// checkpoint overwrites the same table's page file in place (page 1 is a
// small descriptor, the zstd-compressed bundle is chunked across page 2
// onward), so "keep only the newest checkpoint" falls out of simply
// overwriting rather than needing a separate cleanup pass over LSN-suffixed
// files.
type CheckpointManager struct {
	basePath string

	mu     sync.Mutex
	pagers map[string]*page.Pager
}

func NewCheckpointManager(basePath string) *CheckpointManager {
	return &CheckpointManager{basePath: basePath, pagers: make(map[string]*page.Pager)}
}

func (cm *CheckpointManager) pagerFor(tableName string) (*page.Pager, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if p, ok := cm.pagers[tableName]; ok {
		return p, nil
	}
	path := filepath.Join(cm.basePath, fmt.Sprintf("checkpoint_%s.pages", tableName))
	p, err := page.Open(path, 0)
	if err != nil {
		return nil, err
	}
	cm.pagers[tableName] = p
	return p, nil
}

// IndexBlob is one named scalar index's serialized content, as produced by
// pkg/index.Manager.SaveScalar.
type IndexBlob struct {
	Name string
	Data []byte
}

// CreateCheckpoint overwrites tableName's checkpoint bundle with every
// index blob captured at lsn.
func (cm *CheckpointManager) CreateCheckpoint(tableName string, lsn uint64, blobs []IndexBlob) error {
	pager, err := cm.pagerFor(tableName)
	if err != nil {
		return err
	}

	data := encodeBundle(blobs)
	compressed, err := zstd.Compress(nil, data)
	if err != nil {
		return fmt.Errorf("compress checkpoint: %w", err)
	}

	descriptor := make([]byte, 12)
	binary.LittleEndian.PutUint64(descriptor[0:8], lsn)
	binary.LittleEndian.PutUint32(descriptor[8:12], uint32(len(compressed)))
	if err := pager.WritePage(descriptorPageID, descriptor); err != nil {
		return fmt.Errorf("write checkpoint descriptor: %w", err)
	}

	for offset := 0; offset < len(compressed); offset += page.PageSize {
		end := offset + page.PageSize
		if end > len(compressed) {
			end = len(compressed)
		}
		pageID := dataPageStart + uint64(offset/page.PageSize)
		if err := pager.WritePage(pageID, compressed[offset:end]); err != nil {
			return fmt.Errorf("write checkpoint page: %w", err)
		}
	}

	return pager.Sync()
}

// LoadLatestCheckpoint returns tableName's checkpoint bundle, or
// os.ErrNotExist if none has ever been written (the descriptor page's
// length field is still its zero value).
func (cm *CheckpointManager) LoadLatestCheckpoint(tableName string) ([]IndexBlob, uint64, error) {
	pager, err := cm.pagerFor(tableName)
	if err != nil {
		return nil, 0, err
	}

	descriptor, err := pager.ReadPage(descriptorPageID)
	if err != nil {
		// A fresh pager's backing file holds only page 0 (its own
		// metadata); reading an unallocated descriptor page means this
		// table has never been checkpointed.
		return nil, 0, os.ErrNotExist
	}
	lsn := binary.LittleEndian.Uint64(descriptor[0:8])
	length := int(binary.LittleEndian.Uint32(descriptor[8:12]))
	if length == 0 {
		return nil, 0, os.ErrNotExist
	}

	compressed := make([]byte, 0, length)
	pageCount := (length + page.PageSize - 1) / page.PageSize
	for i := 0; i < pageCount; i++ {
		buf, err := pager.ReadPage(dataPageStart + uint64(i))
		if err != nil {
			return nil, 0, err
		}
		remaining := length - len(compressed)
		if remaining > page.PageSize {
			remaining = page.PageSize
		}
		compressed = append(compressed, buf[:remaining]...)
	}

	data, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, 0, fmt.Errorf("decompress checkpoint: %w", err)
	}

	blobs, err := decodeBundle(data)
	if err != nil {
		return nil, 0, err
	}
	return blobs, lsn, nil
}

// Close releases every table's open pager.
func (cm *CheckpointManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for _, p := range cm.pagers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// encodeBundle lays out a sequence of (nameLen, name, dataLen, data) frames,
// the same length-prefixing idiom pkg/recovery's payload codec uses.
func encodeBundle(blobs []IndexBlob) []byte {
	var buf []byte
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(blobs)))
	buf = append(buf, lenBuf[:]...)
	for _, b := range blobs {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b.Name)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b.Name...)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b.Data)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b.Data...)
	}
	return buf
}

func decodeBundle(data []byte) ([]IndexBlob, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("checkpoint bundle: truncated count")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	blobs := make([]IndexBlob, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("checkpoint bundle: truncated name length")
		}
		nameLen := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < nameLen {
			return nil, fmt.Errorf("checkpoint bundle: truncated name")
		}
		name := string(data[:nameLen])
		data = data[nameLen:]

		if len(data) < 4 {
			return nil, fmt.Errorf("checkpoint bundle: truncated data length")
		}
		dataLen := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < dataLen {
			return nil, fmt.Errorf("checkpoint bundle: truncated data")
		}
		blobs = append(blobs, IndexBlob{Name: name, Data: append([]byte(nil), data[:dataLen]...)})
		data = data[dataLen:]
	}
	return blobs, nil
}
