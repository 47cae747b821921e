package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/gergy/internal/logging"
)

// maxLine bounds a single request line.
const maxLine = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from in and
// writes one response line per request to out. Nothing but responses may be
// written to out; all logging goes through the logger, which must not share
// the output stream.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger logrus.FieldLogger
}

// NewStdioTransport creates a transport.
//
//	t := bridge.NewStdioTransport(srv, os.Stdin, os.Stdout, logger)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger logrus.FieldLogger) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: logging.OrDiscard(logger),
	}
}

// Serve handles requests in arrival order until in is exhausted or ctx is
// cancelled. A clean EOF returns nil.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("bridge: context cancelled, shutting down")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Info("bridge: stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.WithError(err).Error("bridge: handler error")
			resp = internalErrorResponse(line, err)
		}

		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// internalErrorResponse builds an error frame when a response could not be
// encoded, preserving the request id when it can be recovered.
func internalErrorResponse(raw []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)

	data, err := json.Marshal(Response{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &Error{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
