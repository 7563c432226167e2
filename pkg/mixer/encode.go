package mixer

import (
	"encoding/binary"
	"io"
	"math"
)

// writeFloat32LE writes samples as little-endian IEEE 754 float32,
// the raw PCM layout RenderOffline's offline consumers (the mix
// CLI, tests) expect.
func writeFloat32LE(w io.Writer, samples []float32, buf []byte) error {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	_, err := w.Write(buf[:4*len(samples)])
	return err
}
