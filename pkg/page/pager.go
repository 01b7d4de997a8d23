// Package page implements a fixed-size page store. pkg/storage's checkpoint
// manager keeps its snapshots in it; pkg/btree keeps its Blink-tree nodes in
// memory and does not read or write pages through this package.
package page

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	PageSize   = 4096
	MetaPageID = 0 // page 0 holds the pager's own metadata, never allocated to callers

	metaMagic = 0x50414745 // "PAGE"

	syncTickInterval = 1 * time.Second
	writeThreshold   = 256
)

// Meta is the fixed-layout metadata block stored in page 0: magic u32 LE,
// order u32 LE, root_page_id u64 LE, next_page_id u64 LE, free_list_head u64 LE.
type Meta struct {
	Order        uint32
	RootPageID   uint64
	NextPageID   uint64
	FreeListHead uint64 // 0 means the free list is empty
}

func (m *Meta) encode() []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Order)
	binary.LittleEndian.PutUint64(buf[8:16], m.RootPageID)
	binary.LittleEndian.PutUint64(buf[16:24], m.NextPageID)
	binary.LittleEndian.PutUint64(buf[24:32], m.FreeListHead)
	return buf
}

func decodeMeta(buf []byte) (*Meta, error) {
	if binary.LittleEndian.Uint32(buf[0:4]) != metaMagic {
		return nil, fmt.Errorf("page: invalid metadata page, bad magic")
	}
	return &Meta{
		Order:        binary.LittleEndian.Uint32(buf[4:8]),
		RootPageID:   binary.LittleEndian.Uint64(buf[8:16]),
		NextPageID:   binary.LittleEndian.Uint64(buf[16:24]),
		FreeListHead: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// Pager manages fixed PageSize pages in a single backing file, with one
// sync.RWMutex latch per page so concurrent readers never block each other
// and a writer only blocks readers/writers of the same page.
type Pager struct {
	file *os.File

	metaMu sync.Mutex
	meta   *Meta

	latchesMu sync.Mutex
	latches   map[uint64]*sync.RWMutex

	stop         chan struct{}
	wg           sync.WaitGroup
	writeCounter int
	counterMu    sync.Mutex
}

// Open opens or creates a pager-backed file, initializing page 0's metadata
// block on first use.
func Open(path string, order uint32) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: open %s: %w", path, err)
	}

	p := &Pager{
		file:    f,
		latches: make(map[uint64]*sync.RWMutex),
		stop:    make(chan struct{}),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() == 0 {
		p.meta = &Meta{Order: order, RootPageID: 0, NextPageID: 1, FreeListHead: 0}
		if _, err := f.WriteAt(p.meta.encode(), 0); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, PageSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("page: read metadata: %w", err)
		}
		meta, err := decodeMeta(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.meta = meta
	}

	p.wg.Add(1)
	go p.backgroundSync()

	return p, nil
}

func (p *Pager) latch(id uint64) *sync.RWMutex {
	p.latchesMu.Lock()
	defer p.latchesMu.Unlock()
	l, ok := p.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		p.latches[id] = l
	}
	return l
}

// Meta returns a copy of the current metadata block.
func (p *Pager) Meta() Meta {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	return *p.meta
}

// SetRoot persists a new root page id in the metadata block.
func (p *Pager) SetRoot(rootPageID uint64) error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	p.meta.RootPageID = rootPageID
	_, err := p.file.WriteAt(p.meta.encode(), 0)
	return err
}

// Allocate reserves a fresh page id, preferring the free list over growing
// the file so that freed pages are reused.
func (p *Pager) Allocate() (uint64, error) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	if p.meta.FreeListHead != 0 {
		id := p.meta.FreeListHead
		buf := make([]byte, PageSize)
		if _, err := p.file.ReadAt(buf, int64(id)*PageSize); err != nil {
			return 0, err
		}
		p.meta.FreeListHead = binary.LittleEndian.Uint64(buf[0:8])
		if _, err := p.file.WriteAt(p.meta.encode(), 0); err != nil {
			return 0, err
		}
		return id, nil
	}

	id := p.meta.NextPageID
	p.meta.NextPageID++
	if _, err := p.file.WriteAt(p.meta.encode(), 0); err != nil {
		return 0, err
	}
	return id, nil
}

// Free pushes pageID onto the free list head, storing the previous head
// inline in the freed page itself (the classic intrusive free list).
func (p *Pager) Free(pageID uint64) error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.meta.FreeListHead)
	lock := p.latch(pageID)
	lock.Lock()
	_, err := p.file.WriteAt(buf, int64(pageID)*PageSize)
	lock.Unlock()
	if err != nil {
		return err
	}

	p.meta.FreeListHead = pageID
	_, err = p.file.WriteAt(p.meta.encode(), 0)
	return err
}

// ReadPage reads one fixed-size page, latched for shared access.
func (p *Pager) ReadPage(pageID uint64) ([]byte, error) {
	lock := p.latch(pageID)
	lock.RLock()
	defer lock.RUnlock()

	buf := make([]byte, PageSize)
	if _, err := p.file.ReadAt(buf, int64(pageID)*PageSize); err != nil {
		return nil, fmt.Errorf("page: read page %d: %w", pageID, err)
	}
	return buf, nil
}

// WritePage writes one fixed-size page, latched exclusively. data is
// zero-padded or must already be exactly PageSize bytes.
func (p *Pager) WritePage(pageID uint64, data []byte) error {
	if len(data) > PageSize {
		return fmt.Errorf("page: payload %d exceeds page size %d", len(data), PageSize)
	}
	buf := data
	if len(buf) < PageSize {
		buf = make([]byte, PageSize)
		copy(buf, data)
	}

	lock := p.latch(pageID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := p.file.WriteAt(buf, int64(pageID)*PageSize); err != nil {
		return fmt.Errorf("page: write page %d: %w", pageID, err)
	}

	p.counterMu.Lock()
	p.writeCounter++
	p.counterMu.Unlock()
	return nil
}

// RLatch exposes the per-page RWMutex directly for callers implementing
// latch-crabbing traversal (acquire the child's latch before releasing the
// parent's), rather than going through ReadPage/WritePage each step.
func (p *Pager) RLatch(pageID uint64) *sync.RWMutex { return p.latch(pageID) }

// Sync flushes the backing file to stable storage.
func (p *Pager) Sync() error {
	p.counterMu.Lock()
	p.writeCounter = 0
	p.counterMu.Unlock()
	return p.file.Sync()
}

// Close stops the background sync loop and closes the backing file.
func (p *Pager) Close() error {
	close(p.stop)
	p.wg.Wait()
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}

func (p *Pager) backgroundSync() {
	defer p.wg.Done()
	ticker := time.NewTicker(syncTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.counterMu.Lock()
			dirty := p.writeCounter > 0
			p.counterMu.Unlock()
			if dirty {
				p.Sync()
			}
		case <-p.stop:
			return
		}
	}
}
