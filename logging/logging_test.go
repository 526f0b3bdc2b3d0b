package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetupJSONLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "warn", FormatJSON))

	log.Info().Msg("hidden")
	log.Warn().Int("games", 3).Msg("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"games":3`)
	require.Contains(t, out, `"message":"shown"`)
}

func TestSetupRejectsUnknown(t *testing.T) {
	require.Error(t, Setup(&bytes.Buffer{}, "verbose", FormatJSON))
	require.Error(t, Setup(&bytes.Buffer{}, "info", "xml"))
}

func TestPrettyJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPrettyJSONWriter(&buf)

	n, err := w.Write([]byte(`{"level":"info","moves":12}` + "\n"))
	require.NoError(t, err)
	require.Equal(t, 28, n)
	require.Equal(t, "{\n  \"level\": \"info\",\n  \"moves\": 12\n}\n", buf.String())

	buf.Reset()
	_, err = w.Write([]byte("plain text\n"))
	require.NoError(t, err)
	require.Equal(t, "plain text\n", buf.String())
	require.False(t, strings.HasSuffix(buf.String(), "\n\n"))
}
