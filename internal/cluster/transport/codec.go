// Package transport carries cluster.Envelope messages between nodes over a
// real google.golang.org/grpc server/client pair. Because this environment
// has no protoc available to generate .pb.go stubs, the wire payload is
// encoded with a hand-written gob-based encoding.Codec registered through
// grpc-go's pluggable-codec extension point (encoding.RegisterCodec) rather
// than with protobuf-generated marshalers — google.golang.org/protobuf stays
// only an indirect dependency of grpc itself (status/codes), never used
// directly here. The service is described with a literal grpc.ServiceDesc,
// the same low-level shape protoc-gen-go-grpc would otherwise generate,
// grounded on the teacher's daemon/passwdrpc.Daemon (Initialise /
// StartAndBlock / Stop around a *grpc.Server).
package transport

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the gRPC content-subtype, producing a
// Content-Type of "application/grpc+gob" on the wire.
const codecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
