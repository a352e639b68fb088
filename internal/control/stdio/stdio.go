// Package stdio implements the external-control surface's stdio
// transport: line-delimited JSON-RPC 2.0 requests in, responses out.
package stdio

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/smithers-ai/smithers/internal/control/rpc"
	"github.com/smithers-ai/smithers/internal/logging"
)

// Serve reads one JSON-RPC request per line from r until EOF or a read
// error, dispatches each through d, and writes one JSON response per line
// to w. It blocks until r is exhausted.
func Serve(r io.Reader, w io.Writer, d *rpc.Dispatcher, logger *logging.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(rpc.Response{JSONRPC: "2.0", Error: &rpc.RPCError{
				Code: rpc.CodeParseError, Message: "parse error: " + err.Error(),
			}}); encErr != nil {
				return encErr
			}
			continue
		}

		resp := d.Dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WithFields(map[string]interface{}{"error": err.Error()}).Error("stdio control transport read failed")
		return err
	}
	return nil
}
