package traceid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/reason"
)

func TestValidate(t *testing.T) {
	for _, ok := range []string{"t1", "trace-2026.10.17_a", "A.b-C_d"} {
		assert.NoError(t, Validate(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../etc", "a/b", "a b", "tr\\ace"} {
		err := Validate(bad)
		assert.True(t, reason.Is(err, reason.TraceIDInvalid), bad)
	}
}

func TestPath(t *testing.T) {
	p, err := Path("/state", "t1", ".evidence.jsonl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/state", "t1.evidence.jsonl"), p)

	_, err = Path("/state", "../x", ".yaml")
	assert.Error(t, err)
}
