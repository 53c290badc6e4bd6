package types

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Cbor is the codec used for everything this node persists or puts on the
// wire. Encoding is deterministic (RFC 8949 core deterministic requirements)
// so that a block serializes to the same bytes on every node.
var Cbor = cborHandler{enc: newEncMode()}

func newEncMode() cbor.EncMode {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		// options are compile-time constants, an error here is a programming bug
		panic(err)
	}
	return enc
}

type cborHandler struct {
	enc cbor.EncMode
}

func (c cborHandler) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborHandler) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (c cborHandler) Encode(w io.Writer, v any) error {
	return c.enc.NewEncoder(w).Encode(v)
}

func (c cborHandler) Decode(r io.Reader, v any) error {
	return cbor.NewDecoder(r).Decode(v)
}
