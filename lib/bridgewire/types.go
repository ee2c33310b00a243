// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package bridgewire

import (
	"fmt"

	"github.com/bfio-dev/bfio/metadata"
	"github.com/bfio-dev/bfio/tile"
)

// ProtocolVersion is the wire protocol revision. The engine sends it
// in the hello request; a bridge that cannot speak this revision must
// refuse the handshake rather than guess.
const ProtocolVersion = 1

// Operation names. Every request carries exactly one of these in its
// "op" field.
const (
	// OpHello is the handshake: the first request on a bridge's
	// control connection. The response pins the protocol version, the
	// bridge's concurrency capacity, and its supported formats.
	OpHello = "hello"

	// OpOpen opens an existing file for reading and returns a handle.
	OpOpen = "open"

	// OpCreate creates a new file for writing with the supplied
	// metadata and returns a handle.
	OpCreate = "create"

	// OpMetadata returns the canonical metadata for an open handle.
	OpMetadata = "metadata"

	// OpReadTile reads one native tile from an open handle.
	OpReadTile = "read_tile"

	// OpWriteTile writes one native tile to an open handle.
	OpWriteTile = "write_tile"

	// OpClose closes a handle. For write handles this finalizes the
	// file; every tile must already have been written.
	OpClose = "close"

	// OpShutdown asks the bridge process to exit once in-flight
	// requests drain. Sent by the process manager when the last
	// engine reference drops.
	OpShutdown = "shutdown"
)

// Error kinds carried in failure responses. The engine maps each kind
// back onto its own error taxonomy, so a structural problem inside the
// bridge surfaces to callers exactly like one from the native backend.
const (
	KindFormat       = "format"
	KindMetadata     = "metadata"
	KindIO           = "io"
	KindOutOfBounds  = "out_of_bounds"
	KindClosedHandle = "closed_handle"
	KindUnsupported  = "unsupported"
)

// Error is a protocol-level failure whose kind survives the wire.
// Bridge-side handlers return it to pick the kind; anything else they
// return is reported as KindIO.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridgewire: %s: %s", e.Kind, e.Message)
}

// Request is a CBOR-encoded request from the engine to the bridge,
// sent over the bridge's Unix socket. One CBOR value per request; the
// response follows on the same connection before the next request.
type Request struct {
	// Op is the operation name: one of the Op* constants.
	Op string `cbor:"op"`

	// Version is the engine's protocol revision (for hello).
	Version int `cbor:"version,omitempty"`

	// Path is the file to open or create (for open and create).
	// Always an absolute path: the bridge process may not share the
	// engine's working directory.
	Path string `cbor:"path,omitempty"`

	// Handle identifies an open file for per-handle operations. The
	// bridge assigns handles in its open/create responses; they are
	// opaque to the engine.
	Handle uint64 `cbor:"handle,omitempty"`

	// Origin is the tile origin in canonical axis order X, Y, Z, C, T
	// (for read_tile and write_tile). Always aligned to the handle's
	// native tile grid.
	Origin []int64 `cbor:"origin,omitempty"`

	// Shape is the tile shape in canonical axis order (for read_tile
	// and write_tile). Edge tiles are clipped to the image extents;
	// the bridge must honor the clipped shape exactly.
	Shape []int64 `cbor:"shape,omitempty"`

	// Metadata is the new file's canonical description (for create).
	Metadata *Metadata `cbor:"metadata,omitempty"`

	// Payload carries the pixel bytes of a write_tile. Exactly
	// Volume(Shape) × pixel-size bytes after unpacking.
	Payload *Payload `cbor:"payload,omitempty"`
}

// Response is a CBOR-encoded response from the bridge to the engine.
type Response struct {
	// OK indicates whether the request succeeded.
	OK bool `cbor:"ok"`

	// Error contains the failure message if OK is false.
	Error string `cbor:"error,omitempty"`

	// ErrorKind classifies the failure: one of the Kind* constants.
	// Empty on malformed-request failures, which the engine treats
	// as KindIO.
	ErrorKind string `cbor:"error_kind,omitempty"`

	// Version is the protocol revision the bridge speaks (for hello).
	// Must equal the requested version; the handshake fails otherwise.
	Version int `cbor:"version,omitempty"`

	// MaxConcurrent is the number of requests the bridge can service
	// at once (for hello). The engine opens exactly this many
	// connections and never exceeds it; excess work queues on the
	// engine side.
	MaxConcurrent int `cbor:"max_concurrent,omitempty"`

	// Formats lists the file extensions the bridge reads, with
	// leading dots (for hello).
	Formats []string `cbor:"formats,omitempty"`

	// Handle is the bridge-assigned identifier for the opened file
	// (for open and create).
	Handle uint64 `cbor:"handle,omitempty"`

	// Metadata is the canonical description of the opened file (for
	// open and metadata).
	Metadata *Metadata `cbor:"metadata,omitempty"`

	// TileShape is the file's native tile shape in canonical axis
	// order (for open and create). All reads and writes on the handle
	// are aligned to this grid.
	TileShape []int64 `cbor:"tile_shape,omitempty"`

	// Payload carries the pixel bytes of a read_tile response.
	Payload *Payload `cbor:"payload,omitempty"`
}

// Metadata is the canonical image description on the wire. It mirrors
// [metadata.Metadata] field for field; the struct exists so the wire
// format stays stable if the in-memory record grows.
type Metadata struct {
	// Shape holds the image extents in canonical axis order
	// X, Y, Z, C, T. Always exactly five entries.
	Shape []int64 `cbor:"shape"`

	// PixelType is the sample type name: "uint8", "int8", "uint16",
	// "int16", "uint32", "int32", "float32", or "float64".
	PixelType string `cbor:"pixel_type"`

	// BigEndian is set when multi-byte samples are stored big-endian.
	// Little-endian is the default and is omitted from the wire.
	BigEndian bool `cbor:"big_endian,omitempty"`

	// Spacing is the optional physical calibration per axis, in
	// canonical order. Either empty or exactly five entries.
	Spacing []Spacing `cbor:"spacing,omitempty"`

	// Channels names each channel. Either empty or exactly Shape[3]
	// entries.
	Channels []string `cbor:"channels,omitempty"`
}

// Spacing is the physical calibration of one axis on the wire.
type Spacing struct {
	// Value is the physical distance one sample covers. Zero means
	// uncalibrated.
	Value float64 `cbor:"value,omitempty"`

	// Unit is the unit of Value ("µm", "s").
	Unit string `cbor:"unit,omitempty"`
}

// FromMetadata converts the in-memory record to its wire form.
func FromMetadata(m *metadata.Metadata) *Metadata {
	wire := &Metadata{
		Shape:     m.Shape[:],
		PixelType: m.Pixel.String(),
		BigEndian: m.Order == metadata.BigEndian,
		Channels:  m.Channels,
	}
	for _, s := range m.Spacing {
		if s.Value != 0 {
			wire.Spacing = make([]Spacing, tile.NumAxes)
			for axis := range m.Spacing {
				wire.Spacing[axis] = Spacing(m.Spacing[axis])
			}
			break
		}
	}
	return wire
}

// ToMetadata converts the wire form back to the in-memory record and
// validates it. A malformed record fails with a metadata error.
func (m *Metadata) ToMetadata() (*metadata.Metadata, error) {
	if len(m.Shape) != tile.NumAxes {
		return nil, &metadata.Error{
			Field:  "shape",
			Reason: fmt.Sprintf("%d extents for %d axes", len(m.Shape), tile.NumAxes),
		}
	}
	pixel, err := metadata.ParsePixelType(m.PixelType)
	if err != nil {
		return nil, err
	}
	out := &metadata.Metadata{
		Shape:    tile.Coords(m.Shape),
		Pixel:    pixel,
		Channels: m.Channels,
	}
	if m.BigEndian {
		out.Order = metadata.BigEndian
	}
	if len(m.Spacing) != 0 {
		if len(m.Spacing) != tile.NumAxes {
			return nil, &metadata.Error{
				Field:  "spacing",
				Reason: fmt.Sprintf("%d entries for %d axes", len(m.Spacing), tile.NumAxes),
			}
		}
		for axis := range out.Spacing {
			out.Spacing[axis] = metadata.Spacing(m.Spacing[axis])
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
