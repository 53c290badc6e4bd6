package network

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meridian-network/meridian/types"
)

/*
serializeMsg encodes the message as CBOR and prepends the length of the
encoded data as uvarint. The length prefix allows to send multiple messages
over a single stream.
*/
func serializeMsg(msg any) ([]byte, error) {
	data, err := types.Cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %T as CBOR: %w", msg, err)
	}

	length := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(length, uint64(len(data)))
	return append(length[:n], data...), nil
}

/*
deserializeMsg reads one length-prefixed CBOR message from the reader into
msg. Clean end of stream surfaces as error wrapping io.EOF from reading the
length prefix.
*/
func deserializeMsg(r io.Reader, msg any) error {
	br, ok := r.(byteReader)
	if !ok {
		// NB! the new reader may buffer data past the current message so
		// callers which send multiple messages per stream must pass in a
		// reader which implements io.ByteReader
		br = bufio.NewReader(r)
	}

	length, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("reading data length: %w", err)
	}
	if length == 0 {
		return errors.New("unexpected data length zero")
	}

	// the decoder stops after one complete CBOR item so data between the end
	// of the item and the length limit is ignored
	if err := types.Cbor.Decode(io.LimitReader(br, int64(length)), msg); err != nil {
		return fmt.Errorf("decoding message data: %w", err)
	}
	return nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}
