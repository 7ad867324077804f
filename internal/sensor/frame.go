package sensor

import "encoding/binary"

// Raw frame wire format shared by every transport: an 8-byte header
// followed by one int16 I / int16 Q pair per point per sweep, little
// endian, sweeps concatenated.
const (
	FrameHeaderSize = 8
	FrameMagic      = 0xA121

	FlagDataSaturated = 1 << 0
	FlagFrameDelayed  = 1 << 1

	BytesPerPoint = 4
)

// FrameBytes returns the encoded size of a frame with the given geometry.
func FrameBytes(pointsPerSweep, sweepsPerFrame int) int {
	return FrameHeaderSize + pointsPerSweep*sweepsPerFrame*BytesPerPoint
}

// EncodeFrameHeader writes the frame header into dst, which must be at
// least FrameHeaderSize bytes.
func EncodeFrameHeader(dst []byte, temperature int16, saturated, delayed bool) {
	var flags uint16
	if saturated {
		flags |= FlagDataSaturated
	}
	if delayed {
		flags |= FlagFrameDelayed
	}
	binary.LittleEndian.PutUint16(dst[0:2], FrameMagic)
	binary.LittleEndian.PutUint16(dst[2:4], uint16(temperature))
	binary.LittleEndian.PutUint16(dst[4:6], flags)
	binary.LittleEndian.PutUint16(dst[6:8], 0)
}

// PutIQ writes one complex sample at sample index idx (counting across the
// whole frame payload).
func PutIQ(dst []byte, idx int, i, q int16) {
	off := FrameHeaderSize + idx*BytesPerPoint
	binary.LittleEndian.PutUint16(dst[off:], uint16(i))
	binary.LittleEndian.PutUint16(dst[off+2:], uint16(q))
}
