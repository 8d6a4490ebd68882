package protocol

import (
	"testing"

	"extvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{"uploadf notes.txt ~S1/docs", Command{types.VerbUpload, "notes.txt", "~S1/docs"}, false},
		{"downlf ~S1/a.pdf", Command{Verb: types.VerbDownload, Arg1: "~S1/a.pdf"}, false},
		{"removef ~S1/x.c", Command{Verb: types.VerbRemove, Arg1: "~S1/x.c"}, false},
		{"downltar .txt", Command{Verb: types.VerbArchive, Arg1: ".txt"}, false},
		{"dispfnames ~S1", Command{Verb: types.VerbList, Arg1: "~S1"}, false},
		// 多余的 token 被丢弃
		{"uploadf a.c ~S1 extra more", Command{types.VerbUpload, "a.c", "~S1"}, false},
		{"   dispfnames    ~S1  ", Command{Verb: types.VerbList, Arg1: "~S1"}, false},

		{"", Command{}, true},
		{"   ", Command{}, true},
		{"frobnicate x", Command{}, true},
		{"uploadf onlyone", Command{}, true},
		{"downlf", Command{}, true},
		// 大小写敏感
		{"DOWNLF ~S1/a.pdf", Command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestCommand_StringRoundTrip(t *testing.T) {
	for _, line := range []string{"uploadf a.txt ~S1/d", "dispfnames ~S1", "downltar .c"} {
		cmd, err := ParseCommand(line)
		require.NoError(t, err)
		assert.Equal(t, line, cmd.String())
	}
}
