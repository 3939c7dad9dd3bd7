package util

// 小端追加写

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteUB2(buf []byte, i uint16) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	return buf
}

func WriteUB4(buf []byte, i uint32) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	buf = append(buf, byte((i>>24)&0xFF))
	return buf
}

func WriteUB8(buf []byte, i uint64) []byte {
	buf = append(buf, byte(i&0xFF))
	buf = append(buf, byte((i>>8)&0xFF))
	buf = append(buf, byte((i>>16)&0xFF))
	buf = append(buf, byte((i>>24)&0xFF))
	buf = append(buf, byte((i>>32)&0xFF))
	buf = append(buf, byte((i>>40)&0xFF))
	buf = append(buf, byte((i>>48)&0xFF))
	buf = append(buf, byte((i>>56)&0xFF))
	return buf
}

// WriteWithLength 4字节长度前缀 + 内容
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteUB4(buf, uint32(len(from)))
	return append(buf, from...)
}

// 定长位置的原地写，页格式使用

func PutInt16(buf []byte, off int, v int16) {
	buf[off] = byte(v)
	buf[off+1] = byte(uint16(v) >> 8)
}

func PutInt32(buf []byte, off int, v int32) {
	u := uint32(v)
	buf[off] = byte(u)
	buf[off+1] = byte(u >> 8)
	buf[off+2] = byte(u >> 16)
	buf[off+3] = byte(u >> 24)
}

func PutInt64(buf []byte, off int, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(u >> (8 * i))
	}
}
