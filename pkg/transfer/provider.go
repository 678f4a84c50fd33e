package transfer

import (
	"fmt"
	"io"
)

// DataProvider returns the n bytes of a transfer starting at offset. It is
// called lazily, once per outgoing chunk, and never for a range outside
// the transfer.
type DataProvider func(offset uint64, n int) ([]byte, error)

// BytesProvider serves chunks from an in-memory buffer.
func BytesProvider(data []byte) DataProvider {
	return func(offset uint64, n int) ([]byte, error) {
		end := offset + uint64(n)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("range [%d, %d) outside %d bytes", offset, end, len(data))
		}
		return data[offset:end], nil
	}
}

// ReaderAtProvider serves chunks from r, typically an *os.File.
func ReaderAtProvider(r io.ReaderAt) DataProvider {
	return func(offset uint64, n int) ([]byte, error) {
		buf := make([]byte, n)
		read, err := r.ReadAt(buf, int64(offset))
		if read == n {
			return buf, nil
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return buf[:read], err
	}
}
