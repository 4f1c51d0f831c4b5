package codec

import "encoding/binary"

// Uint reads a little-endian unsigned integer of width bytes at offset.
// Returns false if the buffer is too short.
func Uint(buf []byte, offset, width int) (uint64, bool) {
	if offset < 0 || width < 1 || width > 4 || offset+width > len(buf) {
		return 0, false
	}
	switch width {
	case 1:
		return uint64(buf[offset]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[offset:])), true
	case 3:
		return uint64(buf[offset]) | uint64(buf[offset+1])<<8 | uint64(buf[offset+2])<<16, true
	default:
		return uint64(binary.LittleEndian.Uint32(buf[offset:])), true
	}
}

// Int reads a little-endian two's complement integer of width bytes at offset
func Int(buf []byte, offset, width int) (int64, bool) {
	u, ok := Uint(buf, offset, width)
	if !ok {
		return 0, false
	}
	shift := uint(64 - 8*width)
	return int64(u<<shift) >> shift, true
}

// PutUint writes the low width bytes of v little-endian at offset
func PutUint(buf []byte, offset, width int, v uint64) bool {
	if offset < 0 || width < 1 || width > 4 || offset+width > len(buf) {
		return false
	}
	for i := 0; i < width; i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
	return true
}

// ReadRaw reads the raw integer for def at offset, honouring its width and sign
func ReadRaw(def FieldDefinition, buf []byte, offset int) (int64, bool) {
	if def.Signed {
		return Int(buf, offset, def.width())
	}
	u, ok := Uint(buf, offset, def.width())
	return int64(u), ok
}

// EncodeInto encodes input with def and writes it at offset.
// Returns the number of bytes written, 0 if the buffer is too short.
func EncodeInto(buf []byte, offset int, def FieldDefinition, input Option[float64]) int {
	raw := Encode(def, input)
	if !PutUint(buf, offset, def.width(), uint64(raw)) {
		return 0
	}
	return def.width()
}

// DecodeAt reads and decodes the field for def at offset
func DecodeAt(def FieldDefinition, buf []byte, offset int) (float64, bool) {
	raw, ok := ReadRaw(def, buf, offset)
	if !ok {
		return 0, false
	}
	return Decode(def, raw), true
}
