package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersCoreFlags(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	flags := cmd.PersistentFlags()

	defaults := map[string]string{
		"segment-duration":       "5m0s",
		"soft-timeout":           "1h0m0s",
		"hard-timeout":           "1h1m0s",
		"max-retries":            "2",
		"retry-delay":            "10s",
		"source-poll-attempts":   "10",
		"source-poll-interval":   "500ms",
		"language":               "auto",
		"model":                  "small",
		"device":                 "auto",
		"engine":                 "whisper-cli",
		"workers":                "1",
		"queue-size":             "64",
		"listen":                 ":8080",
		"auto-download":          "true",
		"share-model":            "false",
		"silence-gate":           "true",
		"silence-threshold-dbfs": "-65",
		"artifact-ttl":           "6h0m0s",
		"janitor-schedule":       "@every 10m",
	}
	for name, expected := range defaults {
		flag := flags.Lookup(name)
		require.NotNilf(t, flag, "flag --%s", name)
		require.Equalf(t, expected, flag.DefValue, "default of --%s", name)
	}
	require.NotNil(t, flags.Lookup("env-file"))
}

func TestRootHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	for _, sub := range []string{"serve", "transcribe", "setup", "version"} {
		require.Contains(t, out.String(), sub)
	}
}

func TestSubcommandHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "serve", args: []string{"serve", "--help"}, contains: "Run the transcription queue and HTTP API"},
		{name: "transcribe", args: []string{"transcribe", "--help"}, contains: "Transcribe an audio file in the foreground"},
		{name: "setup", args: []string{"setup", "--help"}, contains: "Download and verify speech model assets"},
		{name: "version", args: []string{"version", "--help"}, contains: "Print the version number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			out := new(bytes.Buffer)
			cmd.SetOut(out)
			cmd.SetErr(out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.NoError(t, err)
			require.Contains(t, out.String(), tt.contains)
		})
	}
}
