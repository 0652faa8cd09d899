package codec

// crc16IBM es el CRC-16/IBM (poly 0xA001 reflejado) que usa Teltonika en las tramas.
func crc16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
