// Copyright 2024 Warden, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package reserve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/wire"
)

// Request is one framed ledger operation. Op selects
// the operation; the remaining fields are read as that
// operation requires.
type Request struct {
	Op            string    `json:"op"`
	NodeID        string    `json:"nodeId,omitempty"`
	Token         string    `json:"token,omitempty"`
	Resources     Resources `json:"resources,omitempty"`
	RequestedBy   string    `json:"requestedBy,omitempty"`
	TTLMinutes    int64     `json:"ttlMinutes,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ServerID      string    `json:"serverId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Response answers one Request. Exactly one response is
// written per request, in request order.
type Response struct {
	OK           bool          `json:"ok"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	Reservation  *Reservation  `json:"reservation,omitempty"`
	Reservations []Reservation `json:"reservations,omitempty"`
	Available    *Resources    `json:"available,omitempty"`
}

// Server exposes a Ledger over framed connections.
// Each accepted connection is serviced by one
// goroutine; requests on a connection are dispatched
// sequentially.
type Server struct {
	ledger *Ledger
	log    logrus.FieldLogger

	mu       sync.Mutex
	lis      net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer returns a Server serving l.
func NewServer(l *Ledger, log logrus.FieldLogger) *Server {
	if log == nil {
		dl := logrus.New()
		dl.SetOutput(io.Discard)
		log = dl
	}
	return &Server{
		ledger: l,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Serve accepts connections from lis in a loop and
// launches a goroutine to service each one. It does not
// return until Stop is called or Accept fails
// permanently.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Stop closes the listener and unblocks Serve. Open
// connections finish their in-flight request and then
// fail their next read.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		lis := s.lis
		s.mu.Unlock()
		if lis != nil {
			lis.Close()
		}
	})
}

func (s *Server) serveConn(nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc, s.log)
	for {
		frame, err := conn.ReadFrame(0)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warnf("reservation conn: %s", err)
			}
			return
		}
		var req Request
		resp := new(Response)
		if err := json.Unmarshal(frame, &req); err != nil {
			resp.Error = fmt.Sprintf("malformed request: %s", err)
			resp.ErrorCode = "malformed"
		} else {
			s.dispatch(&req, resp)
		}
		body, err := json.Marshal(resp)
		if err != nil {
			s.log.Errorf("encoding response: %s", err)
			return
		}
		if err := conn.WriteFrame(body); err != nil {
			s.log.Warnf("reservation conn write: %s", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Request, resp *Response) {
	var err error
	switch req.Op {
	case "reserve":
		var res *Reservation
		ttl := time.Duration(req.TTLMinutes) * time.Minute
		res, err = s.ledger.Reserve(req.NodeID, req.Resources, req.RequestedBy, ttl, req.CorrelationID)
		resp.Reservation = res
	case "claim":
		var res *Reservation
		res, err = s.ledger.Claim(req.Token, req.ServerID)
		resp.Reservation = res
	case "release":
		err = s.ledger.Release(req.Token, req.Reason)
	case "get":
		var res *Reservation
		res, err = s.ledger.Get(req.Token)
		resp.Reservation = res
	case "getAvailable":
		var avail Resources
		avail, err = s.ledger.GetAvailable(req.NodeID)
		if err == nil {
			resp.Available = &avail
		}
	case "listActive":
		resp.Reservations, err = s.ledger.ListActive(req.NodeID)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = errorCode(err)
		return
	}
	resp.OK = true
}

// errorCode maps ledger sentinels to stable wire codes
// so callers don't parse error strings.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficientCapacity"
	case errors.Is(err, ErrInvalidTTL):
		return "invalidTtl"
	case errors.Is(err, ErrNodeNotAccepting):
		return "nodeNotAccepting"
	case errors.Is(err, ErrUnknownNode):
		return "unknownNode"
	case errors.Is(err, ErrNotFound):
		return "notFound"
	case errors.Is(err, ErrNotPending):
		return "notPending"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyTerminal):
		return "alreadyTerminal"
	default:
		return "internal"
	}
}

// Client is a thin framed-request client for a Server,
// mainly for tooling and tests. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn *wire.Conn
	nc   net.Conn
}

// DialClient connects to a reservation server at addr.
func DialClient(network, addr string) (*Client, error) {
	nc, err := net.DialTimeout(network, addr, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: wire.NewConn(nc, nil), nc: nc}, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteFrame(body); err != nil {
		return nil, err
	}
	frame, err := c.conn.ReadFrame(30 * time.Second)
	if err != nil {
		return nil, err
	}
	resp := new(Response)
	if err := json.Unmarshal(frame, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.nc.Close() }
