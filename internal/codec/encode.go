package codec

import (
	"encoding/binary"
	"math"
	"sort"
)

// Encode builds a complete AVL frame (preamble, length, data, CRC). Trackers
// are the usual producers; the agent uses it for simulation and replay.
func Encode(codecID uint8, records []AVLRecord) []byte {
	ext := codecID == Codec8E
	var data []byte
	putN := func(n int) {
		if ext {
			data = binary.BigEndian.AppendUint16(data, uint16(n))
		} else {
			data = append(data, byte(n))
		}
	}

	data = append(data, codecID, byte(len(records)))
	for _, rec := range records {
		data = binary.BigEndian.AppendUint64(data, uint64(rec.Timestamp.UnixMilli()))
		data = append(data, byte(rec.Priority))
		data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(rec.GPS.Longitude*10000000))))
		data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(rec.GPS.Latitude*10000000))))
		data = binary.BigEndian.AppendUint16(data, uint16(int16(rec.GPS.Altitude)))
		data = binary.BigEndian.AppendUint16(data, uint16(rec.GPS.Angle))
		data = append(data, byte(rec.GPS.Satellites))
		data = binary.BigEndian.AppendUint16(data, uint16(rec.GPS.Speed))

		ids := make([]int, 0, len(rec.IO))
		for id := range rec.IO {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)

		putN(rec.EventIOID)
		putN(len(rec.IO))
		for _, size := range []int{1, 2, 4, 8} {
			var group []int
			for _, id := range ids {
				if rec.IO[uint16(id)].Size == size {
					group = append(group, id)
				}
			}
			putN(len(group))
			for _, id := range group {
				putN(id)
				v := rec.IO[uint16(id)].Val
				for i := size - 1; i >= 0; i-- {
					data = append(data, byte(v>>(8*uint(i))))
				}
			}
		}
		if ext {
			var group []int
			for _, id := range ids {
				switch rec.IO[uint16(id)].Size {
				case 1, 2, 4, 8:
				default:
					group = append(group, id)
				}
			}
			putN(len(group))
			for _, id := range group {
				raw := rec.IO[uint16(id)].Raw
				data = binary.BigEndian.AppendUint16(data, uint16(id))
				data = binary.BigEndian.AppendUint16(data, uint16(len(raw)))
				data = append(data, raw...)
			}
		}
	}
	data = append(data, byte(len(records)))

	out := make([]byte, 0, 8+len(data)+4)
	out = append(out, 0, 0, 0, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, data...)
	out = binary.BigEndian.AppendUint32(out, uint32(crc16IBM(data)))
	return out
}

// EncodeIMEI builds the login packet a tracker sends on connect.
func EncodeIMEI(imei string) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(out, imei...)
}
