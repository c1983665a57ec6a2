package did

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeKeyFile(t *testing.T, data []byte) keyFile {
	t.Helper()
	var kf keyFile
	require.NoError(t, json.Unmarshal(data, &kf))
	return kf
}

func encodeKeyFile(t *testing.T, kf keyFile) []byte {
	t.Helper()
	data, err := json.Marshal(kf)
	require.NoError(t, err)
	return data
}
