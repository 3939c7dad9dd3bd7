package util

// 小端游标读，返回新的游标位置

func ReadBytes(buff []byte, cursor int, offset int) (int, []byte) {
	if offset <= 0 {
		return cursor, nil
	}
	return cursor + offset, buff[cursor : cursor+offset]
}

func ReadByte(buff []byte, cursor int) (int, byte) {
	return cursor + 1, buff[cursor]
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	i := uint16(buff[cursor])
	i |= uint16(buff[cursor+1]) << 8
	return cursor + 2, i
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	i := uint64(buff[cursor])
	i |= uint64(buff[cursor+1]) << 8
	i |= uint64(buff[cursor+2]) << 16
	i |= uint64(buff[cursor+3]) << 24
	i |= uint64(buff[cursor+4]) << 32
	i |= uint64(buff[cursor+5]) << 40
	i |= uint64(buff[cursor+6]) << 48
	i |= uint64(buff[cursor+7]) << 56
	return cursor + 8, i
}

func ReadUB8Long(buff []byte, cursor int) (int, int64) {
	c, u := ReadUB8(buff, cursor)
	return c, int64(u)
}

// ReadWithLength 读取 WriteWithLength 写入的内容，不拷贝
func ReadWithLength(buff []byte, cursor int) (int, []byte) {
	cursor, n := ReadUB4(buff, cursor)
	return ReadBytes(buff, cursor, int(n))
}

func GetInt16(buf []byte, off int) int16 {
	return int16(uint16(buf[off]) | uint16(buf[off+1])<<8)
}

func GetInt32(buf []byte, off int) int32 {
	_, u := ReadUB4(buf, off)
	return int32(u)
}

func GetInt64(buf []byte, off int) int64 {
	_, u := ReadUB8(buf, off)
	return int64(u)
}
