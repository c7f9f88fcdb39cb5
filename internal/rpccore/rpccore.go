package rpccore

import (
	"net"
	"time"

	"github.com/modevans2100/factory/internal/wire"

	"github.com/rs/zerolog/log"
)

// BlockSize is the read chunk size of the connection reader routine.
const BlockSize = 4096

// ResponseHandler is invoked exactly once for a tracked request: with the
// matching response, or with nil when the request timed out. It is never
// invoked if the correlator is cleared before the request resolves.
type ResponseHandler func(res *wire.Response) error

type pendingRequest struct {
	request *wire.Request
	handler ResponseHandler
	sentAt  time.Time
}

// RPCCore tracks outstanding requests on a single connection and matches
// incoming responses back to them by request ID. It is not safe for
// concurrent use; each agent serializes access through its event loop.
type RPCCore struct {
	Conn    net.Conn
	codec   wire.Codec
	pending map[string]*pendingRequest
}

func New(conn net.Conn) *RPCCore {
	return &RPCCore{
		Conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
}

// SendRequest writes the request to the connection. If handler is non-nil the
// request is tracked until a response arrives or the timeout elapses; a nil
// handler makes it fire-and-forget.
func (c *RPCCore) SendRequest(req *wire.Request, handler ResponseHandler) error {
	data, err := wire.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.Conn.Write(data); err != nil {
		return err
	}

	if handler != nil {
		c.pending[req.Rid] = &pendingRequest{
			request: req,
			handler: handler,
			sentAt:  time.Now(),
		}
	}
	return nil
}

// SendResponse writes a response to the connection.
func (c *RPCCore) SendResponse(res *wire.Response) error {
	data, err := wire.Marshal(res)
	if err != nil {
		return err
	}
	_, err = c.Conn.Write(data)
	return err
}

func (c *RPCCore) handleResponse(res *wire.Response) error {
	pending, ok := c.pending[res.Rid]
	if !ok {
		// Duplicate, late or stray response
		log.Debug().Msgf("rpc: ignoring response for unknown request %s", res.Rid)
		return nil
	}
	delete(c.pending, res.Rid)
	return pending.handler(res)
}

// ParseRequests feeds received bytes into the codec and returns the complete
// requests found, in arrival order. Responses are dispatched to their pending
// handlers as they are parsed. Malformed records are dropped with a
// diagnostic; parsing resumes at the next newline.
//
// With single set, parsing stops after the first record so that any trailing
// bytes stay buffered. This matters before registration completes: bytes
// following the register response belong to the session taking over the
// connection, not to the protocol parser.
func (c *RPCCore) ParseRequests(buffer []byte, single bool) []*wire.Request {
	var reqs []*wire.Request

	c.codec.Feed(buffer)
	for {
		record, ok := c.codec.Next()
		if !ok {
			break
		}

		req, res, err := wire.Decode(record)
		if err != nil {
			log.Warn().Err(err).Msg("rpc: dropping malformed record")
		} else if req != nil {
			reqs = append(reqs, req)
		} else if err := c.handleResponse(res); err != nil {
			log.Error().Err(err).Msg("rpc: response handler failed")
		}

		if single {
			break
		}
	}
	return reqs
}

// ScanTimeoutRequests expires outstanding requests whose timeout has elapsed,
// invoking each handler with a nil response. Requests with a negative timeout
// never expire. The first handler error is returned.
func (c *RPCCore) ScanTimeoutRequests() error {
	var firstErr error
	now := time.Now()

	for rid, pending := range c.pending {
		if pending.request.Timeout < 0 {
			continue
		}
		if now.Sub(pending.sentAt) >= time.Duration(pending.request.Timeout)*time.Second {
			delete(c.pending, rid)
			if err := pending.handler(nil); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ClearRequests drops all outstanding requests without invoking handlers.
// Called when a connection is abandoned so stale responses from the next
// connection cannot resolve them.
func (c *RPCCore) ClearRequests() {
	c.pending = make(map[string]*pendingRequest)
}

// TakeReadBuffer drains any bytes buffered but not yet parsed. Mode handlers
// call this when taking over the connection for raw data.
func (c *RPCCore) TakeReadBuffer() []byte {
	return c.codec.TakeBuffer()
}

// SpawnReaderRoutine starts a goroutine reading the connection in BlockSize
// chunks. Received buffers arrive on the first channel, the terminating read
// error on the second.
func (c *RPCCore) SpawnReaderRoutine() (chan []byte, chan error) {
	readChan := make(chan []byte)
	errChan := make(chan error, 1)

	go func() {
		for {
			buf := make([]byte, BlockSize)
			n, err := c.Conn.Read(buf)
			if n > 0 {
				readChan <- buf[:n]
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	return readChan, errChan
}
