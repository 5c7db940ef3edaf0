package wire

import (
	"bytes"
	"testing"

	"github.com/oxen-io/storagesvc/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}
