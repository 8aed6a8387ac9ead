package matrixcache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// CodecF32 identifies the payload layout: a msgpack envelope holding a flat
// row-major float32 array plus dimensions. Roughly 3x smaller than a naive
// per-value textual encoding.
const CodecF32 = "msgpack-f32-v1"

type payloadEnvelope struct {
	BucketCount   int       `msgpack:"b"`
	ScenarioCount int       `msgpack:"s"`
	Values        []float32 `msgpack:"v"` // row-major, bucket-major
}

// EncodeValues packs the dense matrix into the CodecF32 payload.
func EncodeValues(values [][]float64) ([]byte, error) {
	bucketCount := len(values)
	if bucketCount == 0 {
		return nil, fmt.Errorf("cannot encode empty matrix")
	}
	scenarioCount := len(values[0])

	flat := make([]float32, 0, bucketCount*scenarioCount)
	for i, row := range values {
		if len(row) != scenarioCount {
			return nil, fmt.Errorf("ragged matrix: row %d has %d scenarios, expected %d", i, len(row), scenarioCount)
		}
		for _, v := range row {
			flat = append(flat, float32(v))
		}
	}

	data, err := msgpack.Marshal(payloadEnvelope{
		BucketCount:   bucketCount,
		ScenarioCount: scenarioCount,
		Values:        flat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode matrix payload: %w", err)
	}
	return data, nil
}

// DecodeValues unpacks a CodecF32 payload back into the dense form. Values
// round-trip exactly because generation quantizes to float32.
func DecodeValues(payload []byte, codec string) ([][]float64, error) {
	if codec != CodecF32 {
		return nil, fmt.Errorf("unknown matrix codec %q", codec)
	}

	var env payloadEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode matrix payload: %w", err)
	}
	if env.BucketCount <= 0 || env.ScenarioCount <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions %dx%d", env.BucketCount, env.ScenarioCount)
	}
	if len(env.Values) != env.BucketCount*env.ScenarioCount {
		return nil, fmt.Errorf("matrix payload has %d values, expected %d", len(env.Values), env.BucketCount*env.ScenarioCount)
	}

	values := make([][]float64, env.BucketCount)
	for i := 0; i < env.BucketCount; i++ {
		row := make([]float64, env.ScenarioCount)
		for j := 0; j < env.ScenarioCount; j++ {
			row[j] = float64(env.Values[i*env.ScenarioCount+j])
		}
		values[i] = row
	}
	return values, nil
}
