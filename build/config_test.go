package build

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHandlerOptions checks how each log config option shows up in the
// console output.
func TestHandlerOptions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		cfg      *LogConfig
		check    func(t *testing.T, line string)
		numOpts  int
		hasStamp bool
	}{
		{
			name:     "defaults",
			cfg:      DefaultLogConfig(),
			hasStamp: true,
			check: func(t *testing.T, line string) {
				require.NotContains(t, line, "config_test.go")
			},
		},
		{
			name: "no timestamps",
			cfg: &LogConfig{
				NoTimestamps: true,
				CallSite:     callSiteOff,
			},
			numOpts: 1,
			check: func(t *testing.T, line string) {
				require.NotContains(t, line, "config_test.go")
			},
		},
		{
			name: "short call site",
			cfg: &LogConfig{
				NoTimestamps: true,
				CallSite:     callSiteShort,
			},
			numOpts: 2,
			check: func(t *testing.T, line string) {
				require.Contains(t, line, " config_test.go:")
			},
		},
		{
			name: "long call site",
			cfg: &LogConfig{
				CallSite: callSiteLong,
			},
			numOpts:  1,
			hasStamp: true,
			check: func(t *testing.T, line string) {
				require.Contains(t, line, "build/config_test.go:")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Len(t, tc.cfg.HandlerOptions(), tc.numOpts)

			var buf bytes.Buffer
			NewConsoleLogger(tc.cfg, &buf).Infof("hello %d", 7)

			line := buf.String()
			require.Contains(t, line, "[INF]")
			require.Contains(t, line, "hello 7")
			require.Equal(t, !tc.hasStamp,
				strings.HasPrefix(line, "[INF]"))

			tc.check(t, line)
		})
	}
}
