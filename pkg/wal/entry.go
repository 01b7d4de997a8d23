package wal

import (
	"encoding/binary"
	"io"
)

// Constantes para Header e Tipos
const (
	HeaderSize = 40 // Tamanho fixo do Header em bytes
	WALVersion = 3  // v3: adiciona TxID ao header (spec do log record: {lsn, tx_id, prev_lsn, payload})

	// Magic Number para validação rápida (0xDEADBEEF)
	WALMagic = 0xDEADBEEF

	// NoUndoNext marca a ausência de um próximo LSN de undo (fim da cadeia).
	NoUndoNext uint64 = 0
)

// Tipos de Operação (EntryType)
const (
	EntryInsert uint8 = iota + 1 // 1: Insert
	EntryUpdate                  // 2: Update
	EntryDelete                  // 3: Delete
	EntryBegin                   // 4: Begin Transaction
	EntryCommit                  // 5: Commit
	EntryAbort                   // 6: Rollback
	EntryIndexPut                // 7: mutação de índice secundário (insert)
	EntryIndexDelete              // 8: mutação de índice secundário (delete)
	EntryCLR                     // 9: Compensation Log Record, escrito durante undo
)

// WALHeader cabeçalho de 40 bytes para cada entrada. UndoNextLSN só é
// significativo em entradas EntryCLR: aponta para o próximo registro a
// desfazer na cadeia de undo da transação, tornando a repetição do abort
// idempotente (um CLR já aplicado pula direto para UndoNextLSN). TxID
// identifica a transação dona do registro (0 para registros sem dono,
// hoje nenhum); recovery agrupa por TxID e reconstrói a ordem da cadeia
// de undo pela ordenação de LSN em vez de um ponteiro prev_lsn redundante,
// já que o log é lido sequencialmente de qualquer forma.
type WALHeader struct {
	Magic       uint32 // 4 bytes
	Version     uint8  // 1 byte
	EntryType   uint8  // 1 byte
	Reserved    uint16 // 2 bytes (padding/alinhamento)
	LSN         uint64 // 8 bytes (Log Sequence Number)
	TxID        uint64 // 8 bytes
	PayloadLen  uint32 // 4 bytes
	CRC32       uint32 // 4 bytes
	UndoNextLSN uint64 // 8 bytes (apenas EntryCLR; NoUndoNext caso contrário)
}

// WALEntry representa uma entrada completa no log
type WALEntry struct {
	Header  WALHeader
	Payload []byte
}

// EncodeHeader serializa o header para um byte slice
func (h *WALHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint64(buf[16:24], h.TxID)
	binary.LittleEndian.PutUint32(buf[24:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.CRC32)
	binary.LittleEndian.PutUint64(buf[32:40], h.UndoNextLSN)
}

// DecodeHeader deserializa bytes para a struct Header
func (h *WALHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.TxID = binary.LittleEndian.Uint64(buf[16:24])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[24:28])
	h.CRC32 = binary.LittleEndian.Uint32(buf[28:32])
	h.UndoNextLSN = binary.LittleEndian.Uint64(buf[32:40])
}

// WriteTo escreve a entrada (header + payload) para um writer
func (e *WALEntry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.Encode(headerBuf[:])

	// Escreve Header
	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}

	// Escreve Payload
	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
