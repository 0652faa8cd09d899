package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// reader lee campos big endian y recuerda el primer error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("buffer overflow: tried to read %d bytes at offset %d (len=%d)", n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ParseAVL decodes a Codec 8 or Codec 8 Extended frame as returned by ReadFrame.
func ParseAVL(frame []byte) (*AvlPacket, error) {
	if len(frame) < 15 {
		return nil, fmt.Errorf("packet too short: %d", len(frame))
	}
	r := &reader{data: frame}
	pkt := &AvlPacket{
		Preamble: r.u32(),
		Len:      r.u32(),
	}
	if pkt.Preamble != 0 {
		return nil, fmt.Errorf("invalid preamble (expected 0x00000000)")
	}
	end := 8 + int(pkt.Len)
	if end+4 != len(frame) {
		return nil, fmt.Errorf("data field length %d does not match frame size %d", pkt.Len, len(frame))
	}

	pkt.CRC = binary.BigEndian.Uint32(frame[end:])
	if got := uint32(crc16IBM(frame[8:end])); got != pkt.CRC {
		return nil, fmt.Errorf("crc mismatch: frame %08x computed %08x", pkt.CRC, got)
	}

	pkt.CodecID = r.u8()
	if pkt.CodecID != Codec8 && pkt.CodecID != Codec8E {
		return nil, fmt.Errorf("unsupported codec 0x%02x", pkt.CodecID)
	}
	ext := pkt.Extended()
	pkt.Qty1 = r.u8()

	pkt.Records = make([]AVLRecord, 0, pkt.Qty1)
	for i := 0; i < int(pkt.Qty1); i++ {
		rec := readRecord(r, ext)
		if r.err != nil {
			return nil, fmt.Errorf("record %d: %w", i, r.err)
		}
		pkt.Records = append(pkt.Records, rec)
	}

	pkt.Qty2 = r.u8()
	if r.err != nil {
		return nil, r.err
	}
	if pkt.Qty1 != pkt.Qty2 {
		return nil, fmt.Errorf("record count mismatch: %d != %d", pkt.Qty1, pkt.Qty2)
	}
	return pkt, nil
}

func readRecord(r *reader, ext bool) AVLRecord {
	rec := AVLRecord{
		Timestamp: time.UnixMilli(int64(r.u64())).UTC(),
		Priority:  int(r.u8()),
	}
	rec.GPS.Longitude = float64(int32(r.u32())) / 10000000
	rec.GPS.Latitude = float64(int32(r.u32())) / 10000000
	rec.GPS.Altitude = int(int16(r.u16()))
	rec.GPS.Angle = int(r.u16())
	rec.GPS.Satellites = int(r.u8())
	rec.GPS.Speed = int(r.u16())

	// en 8E los ids y contadores son de 2B
	count := func() int {
		if ext {
			return int(r.u16())
		}
		return int(r.u8())
	}
	rec.EventIOID = count()
	rec.TotalIO = count()
	rec.IO = make(map[uint16]IOItem, rec.TotalIO)

	for _, size := range []int{1, 2, 4, 8} {
		n := count()
		for i := 0; i < n && r.err == nil; i++ {
			id := uint16(count())
			raw := r.take(size)
			if raw == nil {
				break
			}
			rec.IO[id] = IOItem{Size: size, Val: beUint(raw)}
		}
	}
	if ext {
		n := count()
		for i := 0; i < n && r.err == nil; i++ {
			id := r.u16()
			size := int(r.u16())
			raw := r.take(size)
			if raw == nil {
				break
			}
			item := IOItem{Size: size, Raw: append([]byte(nil), raw...)}
			if size <= 8 {
				item.Val = beUint(raw)
			}
			rec.IO[id] = item
		}
	}
	return rec
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
