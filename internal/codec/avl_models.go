package codec

import "time"

const (
	Codec8  uint8 = 0x08
	Codec8E uint8 = 0x8E
)

// IOItem holds one IO element. Val is set for 1/2/4/8 byte elements, Raw
// for the variable-length ones of codec 8E.
type IOItem struct {
	Size int    `json:"size"`
	Val  uint64 `json:"val,omitempty"`
	Raw  []byte `json:"raw,omitempty"`
}

type GPSData struct {
	Longitude  float64 `json:"lon"`
	Latitude   float64 `json:"lat"`
	Altitude   int     `json:"alt"`
	Angle      int     `json:"crs"`
	Satellites int     `json:"sats"`
	Speed      int     `json:"spd"`
}

// HasFix: más de 3 satélites y coordenadas dentro de rango, distintas de 0,0.
func (g GPSData) HasFix() bool {
	if g.Satellites <= 3 {
		return false
	}
	if g.Latitude == 0 && g.Longitude == 0 {
		return false
	}
	return g.Latitude >= -90 && g.Latitude <= 90 && g.Longitude >= -180 && g.Longitude <= 180
}

type AVLRecord struct {
	Timestamp time.Time         `json:"dt"`
	Priority  int               `json:"priority"`
	GPS       GPSData           `json:"gps"`
	EventIOID int               `json:"event_io_id"`
	TotalIO   int               `json:"total_io"`
	IO        map[uint16]IOItem `json:"io"`
}

// IOValue returns the numeric value of an IO element, if present.
func (r AVLRecord) IOValue(id uint16) (uint64, bool) {
	item, ok := r.IO[id]
	if !ok {
		return 0, false
	}
	return item.Val, true
}

// AvlPacket is one decoded data frame; Qty1 and Qty2 must match.
type AvlPacket struct {
	Preamble uint32
	Len      uint32
	CodecID  uint8
	Qty1     uint8
	Records  []AVLRecord
	Qty2     uint8
	CRC      uint32
}

func (p *AvlPacket) Extended() bool { return p.CodecID == Codec8E }

// Ack is the reply the device expects: number of accepted records, 4B big endian.
func (p *AvlPacket) Ack() []byte {
	n := uint32(len(p.Records))
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}
