package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"ohlcv_ledger/models"
)

// Key layout:
//
//	symbol 0x00 'r' ts(8)   raw block
//	symbol 0x00 'a' ts(8)   aggregated block
//	symbol 0x00 'm' name    metadata
//
// ts is big-endian with the sign bit flipped, so byte order equals numeric order.
const (
	sep    byte = 0x00
	nsMeta byte = 'm'
)

const (
	MetaLast        = "last"
	MetaAggrFirst   = "aggr_first"
	MetaAggrVersion = "aggr_version"
	// MetaMaxSpan is the widest last-minus-first open_time of any raw block.
	MetaMaxSpan = "max_span"
	// MetaLastInsert is the key timestamp of the most recently written raw block.
	MetaLastInsert = "last_insert"
)

var ErrInvalidSymbol = errors.New("invalid symbol")

// ValidateSymbol rejects symbols that would break the key layout.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if len(symbol) > 64 || bytes.IndexByte([]byte(symbol), sep) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

func nsPrefix(symbol string, ns byte) []byte {
	k := make([]byte, 0, len(symbol)+2+8)
	k = append(k, symbol...)
	k = append(k, sep, ns)
	return k
}

// BlockKey is the key of the block of namespace ns opening at ts.
func BlockKey(symbol string, ns models.Namespace, ts int64) []byte {
	return binary.BigEndian.AppendUint64(nsPrefix(symbol, byte(ns)), uint64(ts)^(1<<63))
}

// BlockRange returns [start, end) covering every block of ns for symbol.
func BlockRange(symbol string, ns models.Namespace) (start, end []byte) {
	return nsPrefix(symbol, byte(ns)), nsPrefix(symbol, byte(ns)+1)
}

// BlockTime extracts the timestamp from a block key.
func BlockTime(key []byte) (int64, error) {
	if len(key) < 10 || key[len(key)-10] != sep {
		return 0, fmt.Errorf("malformed block key %x", key)
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63)), nil
}

// MetaKey is the key of the named metadata entry for symbol.
func MetaKey(symbol, name string) []byte {
	return append(nsPrefix(symbol, nsMeta), name...)
}

// EncodeInt64 is the value encoding of integer metadata.
func EncodeInt64(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func DecodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("metadata value has %d bytes, want 8", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
