package relay

import (
	"github.com/remoto/termrelay/internal/protocol"
)

// RouteFromTerminal handles one frame from session id's terminal. Output is
// buffered and fanned out to every viewer; exit is forwarded and ends the
// session. Malformed frames return an error wrapping protocol.ErrMalformed or
// protocol.ErrUnknownType and change nothing.
func (r *Registry) RouteFromTerminal(id string, raw []byte) error {
	msg, err := protocol.ParseTerminalMessage(raw)
	if err != nil {
		return err
	}
	s := r.Lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}

	switch m := msg.(type) {
	case protocol.TerminalOutput:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrSessionClosed
		}
		s.buffer.Append(m.Data)
		s.broadcast(protocol.OutputChunk{Data: m.Data})
	case protocol.TerminalExit:
		s.mu.Lock()
		if !s.closed {
			s.broadcast(protocol.ProcessExit{Code: m.Code})
		}
		s.mu.Unlock()
		r.closeSession(s, CloseEnded)
	}
	return nil
}

// RouteFromViewer handles one frame from viewer on session id. Input goes to
// the terminal only and is never logged. Resize is forwarded only when both
// dimensions are positive.
func (r *Registry) RouteFromViewer(id string, viewer Peer, raw []byte) error {
	msg, err := protocol.ParseViewerMessage(raw)
	if err != nil {
		return err
	}
	s := r.Lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.viewers[viewer]; !ok {
		return ErrViewerNotAttached
	}

	switch m := msg.(type) {
	case protocol.ViewerInput:
		s.sendTerminal(protocol.RelayedInput{Data: m.Data})
	case protocol.ViewerResize:
		if m.Cols <= 0 || m.Rows <= 0 {
			return nil
		}
		s.sendTerminal(protocol.RelayedResize{Cols: m.Cols, Rows: m.Rows})
	}
	return nil
}
