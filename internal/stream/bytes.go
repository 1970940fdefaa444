package stream

import "encoding/binary"

func beUint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
func bePutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func beUint64(b []byte) uint64       { return binary.BigEndian.Uint64(b) }
func bePutUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
