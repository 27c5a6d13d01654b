package wsnet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/notargets/meshhalo/comm"
)

// Frame layout: [tag int32][count uint32][count x float64], little endian
const headerSize = 8

func encodeFrame(tag comm.Tag, data []float64) []byte {
	buf := make([]byte, headerSize+8*len(data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(tag))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(data)))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[headerSize+8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFrame(buf []byte) (comm.Tag, []float64, error) {
	if len(buf) < headerSize {
		return 0, nil, fmt.Errorf("frame of %d bytes is shorter than its header", len(buf))
	}
	tag := comm.Tag(int32(binary.LittleEndian.Uint32(buf[0:])))
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	if len(buf) != headerSize+8*count {
		return 0, nil, fmt.Errorf("frame declares %d values but carries %d bytes of payload",
			count, len(buf)-headerSize)
	}
	data := make([]float64, count)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[headerSize+8*i:]))
	}
	return tag, data, nil
}
