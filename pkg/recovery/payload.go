package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/bobboyms/kvengine/pkg/types"
)

// RowPayload is the WAL payload carried by EntryInsert/EntryUpdate/EntryDelete
// (spec §3 log record payload `{table, key, row}` generalized to also carry
// the before-image): Row is the image after the mutation (absent for
// EntryDelete), OldRow is the image before it (absent for EntryInsert). The
// before-image lets the undo pass restore a row and its index entries
// without consulting any other structure, matching the teacher's
// DeserializeDocumentEntry shape but carrying both images instead of one
// since this engine's undo is physical, not a WAL replay from an older
// checkpoint.
type RowPayload struct {
	Table  string
	PK     int64
	Row    types.Value
	HasRow bool
	OldRow types.Value
	HasOld bool
}

// IndexPayload is the WAL payload for EntryIndexPut/EntryIndexDelete: a
// standalone scalar-index mutation not accompanied by a row write. Recovery
// decodes and replays these entries, but no writer in this module emits
// them; ordinary Insert/Update/Delete index maintenance is re-derived from
// RowPayload during redo instead of separately logged.
type IndexPayload struct {
	Table string
	Index string
	Value types.Value
	PK    int64
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("recovery: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < n {
		return "", nil, fmt.Errorf("recovery: truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

func putValue(buf []byte, present bool, v types.Value) ([]byte, error) {
	if !present {
		return append(buf, 0), nil
	}
	encoded, err := v.Encode()
	if err != nil {
		return nil, err
	}
	buf = append(buf, 1)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, encoded...), nil
}

func getValue(data []byte) (types.Value, bool, []byte, error) {
	if len(data) < 1 {
		return types.Value{}, false, nil, fmt.Errorf("recovery: truncated value flag")
	}
	present := data[0] == 1
	data = data[1:]
	if !present {
		return types.Value{}, false, data, nil
	}
	if len(data) < 4 {
		return types.Value{}, false, nil, fmt.Errorf("recovery: truncated value length")
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < n {
		return types.Value{}, false, nil, fmt.Errorf("recovery: truncated value body")
	}
	v, err := types.Decode(data[:n])
	if err != nil {
		return types.Value{}, false, nil, err
	}
	return v, true, data[n:], nil
}

// EncodeRowPayload serializes p for a row-mutation WAL entry.
func EncodeRowPayload(p RowPayload) ([]byte, error) {
	buf := putString(nil, p.Table)
	var pkBuf [8]byte
	binary.LittleEndian.PutUint64(pkBuf[:], uint64(p.PK))
	buf = append(buf, pkBuf[:]...)

	var err error
	buf, err = putValue(buf, p.HasRow, p.Row)
	if err != nil {
		return nil, err
	}
	buf, err = putValue(buf, p.HasOld, p.OldRow)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeRowPayload is the inverse of EncodeRowPayload.
func DecodeRowPayload(data []byte) (RowPayload, error) {
	var p RowPayload
	table, rest, err := getString(data)
	if err != nil {
		return p, err
	}
	if len(rest) < 8 {
		return p, fmt.Errorf("recovery: truncated row payload pk")
	}
	pk := int64(binary.LittleEndian.Uint64(rest))
	rest = rest[8:]

	row, hasRow, rest, err := getValue(rest)
	if err != nil {
		return p, err
	}
	oldRow, hasOld, _, err := getValue(rest)
	if err != nil {
		return p, err
	}

	p.Table = table
	p.PK = pk
	p.Row = row
	p.HasRow = hasRow
	p.OldRow = oldRow
	p.HasOld = hasOld
	return p, nil
}

// EncodeIndexPayload serializes p for an EntryIndexPut/EntryIndexDelete WAL entry.
func EncodeIndexPayload(p IndexPayload) ([]byte, error) {
	buf := putString(nil, p.Table)
	buf = putString(buf, p.Index)
	var pkBuf [8]byte
	binary.LittleEndian.PutUint64(pkBuf[:], uint64(p.PK))
	buf = append(buf, pkBuf[:]...)
	return putValue(buf, true, p.Value)
}

// DecodeIndexPayload is the inverse of EncodeIndexPayload.
func DecodeIndexPayload(data []byte) (IndexPayload, error) {
	var p IndexPayload
	table, rest, err := getString(data)
	if err != nil {
		return p, err
	}
	index, rest, err := getString(rest)
	if err != nil {
		return p, err
	}
	if len(rest) < 8 {
		return p, fmt.Errorf("recovery: truncated index payload pk")
	}
	pk := int64(binary.LittleEndian.Uint64(rest))
	rest = rest[8:]
	value, _, _, err := getValue(rest)
	if err != nil {
		return p, err
	}
	p.Table = table
	p.Index = index
	p.PK = pk
	p.Value = value
	return p, nil
}
