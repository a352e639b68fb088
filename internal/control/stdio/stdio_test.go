package stdio

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-ai/smithers/internal/control/rpc"
	"github.com/smithers-ai/smithers/internal/logging"
)

func TestServeDispatchesOneResponsePerLine(t *testing.T) {
	d := rpc.New("")
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n",
	)
	var out bytes.Buffer

	require.NoError(t, Serve(in, &out, d, logging.Default()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var resp1 rpc.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp1))
	require.Nil(t, resp1.Error)

	var resp2 rpc.Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp2))
	require.Nil(t, resp2.Error)
}

func TestServeReturnsParseErrorForBadJSONButKeepsGoing(t *testing.T) {
	d := rpc.New("")
	in := strings.NewReader(
		"not json at all\n" + `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n",
	)
	var out bytes.Buffer

	require.NoError(t, Serve(in, &out, d, logging.Default()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var resp1 rpc.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp1))
	require.NotNil(t, resp1.Error)
	require.Equal(t, rpc.CodeParseError, resp1.Error.Code)
}

func TestServeSkipsBlankLines(t *testing.T) {
	d := rpc.New("")
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	require.NoError(t, Serve(in, &out, d, logging.Default()))
	require.Equal(t, 1, strings.Count(out.String(), "\n"))
}
