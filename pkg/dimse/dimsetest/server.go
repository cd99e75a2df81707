// Package dimsetest provides an in-process DIMSE service class provider for
// tests, in the spirit of net/http/httptest.
package dimsetest

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// Instance is an image served through C-GET sub-operations.
type Instance struct {
	SOPClassUID    string
	SOPInstanceUID string
	Dataset        *dimse.Dataset
}

// Handler answers the operations the server receives. Nil handlers answer
// with a failure status.
type Handler struct {
	// Find returns the matches and the terminal status.
	Find func(sopClass string, identifier *dimse.Dataset) ([]*dimse.Dataset, uint16)
	// Get returns the instances to push and the terminal status and
	// identifier.
	Get func(sopClass string, identifier *dimse.Dataset) ([]Instance, uint16, *dimse.Dataset)
	// Move returns the terminal status and identifier.
	Move func(sopClass, destination string, identifier *dimse.Dataset) (uint16, *dimse.Dataset)
	// Store answers incoming instances.
	Store func(req *dimse.StoreRequest) uint16
}

// Stats counts association outcomes.
type Stats struct {
	Associations int
	Releases     int
	Aborts       int
	Requests     map[uint16]int
}

// Server is a listening fake SCP.
type Server struct {
	AETitle  string
	Listener net.Listener
	handler  Handler

	mu    sync.Mutex
	stats Stats
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer starts a server on a loopback port.
func NewServer(aeTitle string, h Handler) *Server {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("dimsetest: failed to listen: %v", err))
	}
	s := &Server{
		AETitle:  aeTitle,
		Listener: l,
		handler:  h,
		stats:    Stats{Requests: make(map[uint16]int)},
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.Listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.Listener.Addr().(*net.TCPAddr).Port
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Requests = make(map[uint16]int, len(s.stats.Requests))
	for k, v := range s.stats.Requests {
		out.Requests[k] = v
	}
	return out
}

// Close stops the listener, drops open connections and waits for their
// goroutines to exit.
func (s *Server) Close() {
	_ = s.Listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Server) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	pdu, err := dimse.ReadPDU(conn)
	if err != nil || pdu.Type != dimse.PDUAssociateRQ {
		return
	}
	rq, err := dimse.DecodeAssociateRQ(pdu.Data)
	if err != nil {
		return
	}
	ac := &dimse.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   16384,
	}
	syntaxes := make(map[byte]string)
	for _, pc := range rq.Contexts {
		pc.Result = dimse.ResultAcceptance
		pc.TransferSyntax = pc.TransferSyntaxes[0]
		syntaxes[pc.ID] = pc.TransferSyntax
		ac.Contexts = append(ac.Contexts, pc)
	}
	s.count(func(st *Stats) { st.Associations++ })
	if err := dimse.WritePDU(conn, dimse.PDUAssociateAC, ac.Encode()); err != nil {
		return
	}

	sess := &session{server: s, conn: conn, reader: dimse.NewMessageReader(conn), rq: rq, syntaxes: syntaxes}
	for {
		msg, err := sess.reader.Next()
		if err != nil {
			// Anything but an orderly release counts as an abort.
			if errors.Is(err, dimse.ErrReleaseRequested) {
				s.count(func(st *Stats) { st.Releases++ })
				_ = dimse.WritePDU(conn, dimse.PDUReleaseRP, make([]byte, 4))
			} else {
				s.count(func(st *Stats) { st.Aborts++ })
			}
			return
		}
		s.count(func(st *Stats) { st.Requests[msg.Command.CommandField]++ })
		if err := sess.dispatch(msg); err != nil {
			s.count(func(st *Stats) { st.Aborts++ })
			return
		}
	}
}

type session struct {
	server   *Server
	conn     net.Conn
	reader   *dimse.MessageReader
	rq       *dimse.AssociateRQ
	syntaxes map[byte]string
	nextID   uint16
}

func (ss *session) respond(req *dimse.Message, field, status uint16, ds *dimse.Dataset) error {
	cmd := &dimse.Command{
		AffectedSOPClassUID:       req.Command.AffectedSOPClassUID,
		CommandField:              field,
		MessageIDBeingRespondedTo: req.Command.MessageID,
		Status:                    status,
		AffectedSOPInstanceUID:    req.Command.AffectedSOPInstanceUID,
	}
	var data []byte
	if ds != nil {
		encoded, err := ds.Encode(ss.syntaxes[req.ContextID])
		if err != nil {
			return err
		}
		data = encoded
	}
	return dimse.WriteMessage(ss.conn, req.ContextID, ss.rq.MaxPDULength, cmd, data)
}

func (ss *session) identifier(msg *dimse.Message) (*dimse.Dataset, error) {
	return dimse.ParseDataset(msg.Data, ss.syntaxes[msg.ContextID])
}

func (ss *session) dispatch(msg *dimse.Message) error {
	h := ss.server.handler
	switch msg.Command.CommandField {
	case dimse.CEchoRQ:
		return ss.respond(msg, dimse.CEchoRSP, dimse.StatusSuccess, nil)

	case dimse.CFindRQ:
		if h.Find == nil {
			return ss.respond(msg, dimse.CFindRSP, dimse.StatusCannotUnderstand, nil)
		}
		id, err := ss.identifier(msg)
		if err != nil {
			return err
		}
		matches, status := h.Find(msg.Command.AffectedSOPClassUID, id)
		for _, m := range matches {
			if err := ss.respond(msg, dimse.CFindRSP, dimse.StatusPending, m); err != nil {
				return err
			}
		}
		return ss.respond(msg, dimse.CFindRSP, status, nil)

	case dimse.CMoveRQ:
		if h.Move == nil {
			return ss.respond(msg, dimse.CMoveRSP, dimse.StatusCannotUnderstand, nil)
		}
		id, err := ss.identifier(msg)
		if err != nil {
			return err
		}
		status, ds := h.Move(msg.Command.AffectedSOPClassUID, msg.Command.MoveDestination, id)
		return ss.respond(msg, dimse.CMoveRSP, status, ds)

	case dimse.CGetRQ:
		if h.Get == nil {
			return ss.respond(msg, dimse.CGetRSP, dimse.StatusCannotUnderstand, nil)
		}
		id, err := ss.identifier(msg)
		if err != nil {
			return err
		}
		instances, status, ds := h.Get(msg.Command.AffectedSOPClassUID, id)
		for _, inst := range instances {
			if err := ss.push(inst); err != nil {
				return err
			}
		}
		return ss.respond(msg, dimse.CGetRSP, status, ds)

	case dimse.CStoreRQ:
		status := dimse.StatusCannotUnderstand
		if h.Store != nil {
			status = h.Store(&dimse.StoreRequest{
				ContextID:      msg.ContextID,
				SOPClassUID:    msg.Command.AffectedSOPClassUID,
				SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
				TransferSyntax: ss.syntaxes[msg.ContextID],
				SourceAET:      ss.rq.CallingAETitle,
				Data:           msg.Data,
			})
		}
		return ss.respond(msg, dimse.CStoreRSP, status, nil)
	}
	return fmt.Errorf("dimsetest: unsupported command 0x%04X", msg.Command.CommandField)
}

// push sends one C-STORE sub-operation and waits for its response.
func (ss *session) push(inst Instance) error {
	var contextID byte
	for _, pc := range ss.rq.Contexts {
		if pc.AbstractSyntax == inst.SOPClassUID {
			contextID = pc.ID
			break
		}
	}
	if contextID == 0 {
		return fmt.Errorf("dimsetest: no context for %s", inst.SOPClassUID)
	}
	data, err := inst.Dataset.Encode(ss.syntaxes[contextID])
	if err != nil {
		return err
	}
	ss.nextID++
	cmd := &dimse.Command{
		AffectedSOPClassUID:    inst.SOPClassUID,
		CommandField:           dimse.CStoreRQ,
		MessageID:              ss.nextID,
		AffectedSOPInstanceUID: inst.SOPInstanceUID,
	}
	if err := dimse.WriteMessage(ss.conn, contextID, ss.rq.MaxPDULength, cmd, data); err != nil {
		return err
	}
	rsp, err := ss.reader.Next()
	if err != nil {
		return err
	}
	if rsp.Command.CommandField != dimse.CStoreRSP {
		return fmt.Errorf("dimsetest: expected C-STORE-RSP, got 0x%04X", rsp.Command.CommandField)
	}
	return nil
}
