// Command echo-mcp-server is the literal echo subprocess fixture named by §8's
// end-to-end scenarios: a line-delimited JSON-RPC peer that replies to initialize
// with a fixed serverInfo and otherwise echoes its params back as the result, useful
// both for manual smoke-testing the bridge and as the deterministic test peer for the
// bridge's own integration tests.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tanagram/mcpbridge/internal/jsonrpc"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if err := handleLine(writer, line); err != nil {
				logger.Warn("failed to handle line", slog.Any("err", err))
			}
			if err := writer.Flush(); err != nil {
				logger.Error("failed to flush stdout", slog.Any("err", err))
				os.Exit(1)
			}
		}
		if err != nil {
			return
		}
	}
}

func handleLine(w *bufio.Writer, line string) error {
	msgs, _, err := jsonrpc.Parse([]byte(line))
	if err != nil {
		return fmt.Errorf("echo-mcp-server: parse: %w", err)
	}

	for _, msg := range msgs {
		if !msg.NeedsResponse() {
			continue
		}

		var resp jsonrpc.Message
		if msg.IsInitialize() {
			resp = jsonrpc.NewResult(msg.ID, json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{"tools":true},"serverInfo":{"name":"echo","version":"1.0.0"}}`))
		} else {
			params := msg.Params
			if params == nil {
				params = json.RawMessage(`{}`)
			}
			resp = jsonrpc.NewResult(msg.ID, params)
		}

		bs, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("echo-mcp-server: marshal response: %w", err)
		}
		if _, err := w.Write(append(bs, '\n')); err != nil {
			return fmt.Errorf("echo-mcp-server: write response: %w", err)
		}
	}
	return nil
}
