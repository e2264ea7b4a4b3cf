package protocol

import "time"

// TerminalMessage is a frame sent by the terminal-side client.
type TerminalMessage interface {
	isTerminalMessage()
	MarshalJSON() ([]byte, error)
}

// TerminalOutput carries a chunk of process output.
type TerminalOutput struct {
	Data string `json:"data"`
}

// TerminalExit reports that the terminal's process exited.
type TerminalExit struct {
	Code int `json:"code"`
}

func (TerminalOutput) isTerminalMessage() {}
func (TerminalExit) isTerminalMessage()   {}

func (m TerminalOutput) MarshalJSON() ([]byte, error) {
	type body TerminalOutput
	return tagged(TypeOutput, body(m))
}

func (m TerminalExit) MarshalJSON() ([]byte, error) {
	type body TerminalExit
	return tagged(TypeExit, body(m))
}

// ParseTerminalMessage decodes a terminal → relay frame.
func ParseTerminalMessage(raw []byte) (TerminalMessage, error) {
	env, err := decode(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeOutput:
		if env.Data == nil {
			return nil, missing(env.Type, "data")
		}
		return TerminalOutput{Data: *env.Data}, nil
	case TypeExit:
		if env.Code == nil {
			return nil, missing(env.Type, "code")
		}
		return TerminalExit{Code: *env.Code}, nil
	default:
		return nil, unknown("terminal", env.Type)
	}
}

// ViewerMessage is a frame sent by a phone viewer.
type ViewerMessage interface {
	isViewerMessage()
	MarshalJSON() ([]byte, error)
}

// ViewerInput carries keystrokes typed on the phone.
type ViewerInput struct {
	Data string `json:"data"`
}

// ViewerResize asks the terminal to resize its pty. Missing dimensions decode
// as zero; the router drops non-positive values.
type ViewerResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (ViewerInput) isViewerMessage()  {}
func (ViewerResize) isViewerMessage() {}

func (m ViewerInput) MarshalJSON() ([]byte, error) {
	type body ViewerInput
	return tagged(TypeInput, body(m))
}

func (m ViewerResize) MarshalJSON() ([]byte, error) {
	type body ViewerResize
	return tagged(TypeResize, body(m))
}

// ParseViewerMessage decodes a viewer → relay frame.
func ParseViewerMessage(raw []byte) (ViewerMessage, error) {
	env, err := decode(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeInput:
		if env.Data == nil {
			return nil, missing(env.Type, "data")
		}
		return ViewerInput{Data: *env.Data}, nil
	case TypeResize:
		m := ViewerResize{}
		if env.Cols != nil {
			m.Cols = *env.Cols
		}
		if env.Rows != nil {
			m.Rows = *env.Rows
		}
		return m, nil
	default:
		return nil, unknown("viewer", env.Type)
	}
}

// ToTerminal is a frame the relay sends to the terminal.
type ToTerminal interface {
	isToTerminal()
	MarshalJSON() ([]byte, error)
}

// SessionCreated hands the terminal its session id and viewer secret.
type SessionCreated struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
	// MaxDuration is the session lifetime in milliseconds.
	MaxDuration int64 `json:"maxDuration"`
	IsAnonymous bool  `json:"isAnonymous"`
}

// Lifetime returns MaxDuration as a time.Duration.
func (m SessionCreated) Lifetime() time.Duration {
	return time.Duration(m.MaxDuration) * time.Millisecond
}

// RelayedInput is viewer input forwarded to the terminal.
type RelayedInput struct {
	Data string `json:"data"`
}

// RelayedResize is a validated viewer resize forwarded to the terminal.
type RelayedResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ViewerCount tells the terminal a viewer attached or detached.
type ViewerCount struct {
	Connected  bool `json:"-"`
	PhoneCount int  `json:"phoneCount"`
}

// TerminalExpiring warns the terminal that the session is about to expire.
type TerminalExpiring struct {
	MinutesRemaining int `json:"minutesRemaining"`
}

func (SessionCreated) isToTerminal()   {}
func (RelayedInput) isToTerminal()     {}
func (RelayedResize) isToTerminal()    {}
func (ViewerCount) isToTerminal()      {}
func (TerminalExpiring) isToTerminal() {}

func (m SessionCreated) MarshalJSON() ([]byte, error) {
	type body SessionCreated
	return tagged(TypeSessionCreated, body(m))
}

func (m RelayedInput) MarshalJSON() ([]byte, error) {
	type body RelayedInput
	return tagged(TypeInput, body(m))
}

func (m RelayedResize) MarshalJSON() ([]byte, error) {
	type body RelayedResize
	return tagged(TypeResize, body(m))
}

func (m ViewerCount) MarshalJSON() ([]byte, error) {
	type body ViewerCount
	if m.Connected {
		return tagged(TypePhoneConnected, body(m))
	}
	return tagged(TypePhoneDisconnected, body(m))
}

func (m TerminalExpiring) MarshalJSON() ([]byte, error) {
	type body TerminalExpiring
	return tagged(TypeSessionExpiring, body(m))
}

// ParseToTerminal decodes a relay → terminal frame.
func ParseToTerminal(raw []byte) (ToTerminal, error) {
	env, err := decode(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeSessionCreated:
		if env.SessionID == nil || env.SessionToken == nil {
			return nil, missing(env.Type, "sessionId/sessionToken")
		}
		m := SessionCreated{SessionID: *env.SessionID, SessionToken: *env.SessionToken, IsAnonymous: env.IsAnonymous}
		if env.MaxDuration != nil {
			m.MaxDuration = *env.MaxDuration
		}
		return m, nil
	case TypeInput:
		if env.Data == nil {
			return nil, missing(env.Type, "data")
		}
		return RelayedInput{Data: *env.Data}, nil
	case TypeResize:
		if env.Cols == nil || env.Rows == nil {
			return nil, missing(env.Type, "cols/rows")
		}
		return RelayedResize{Cols: *env.Cols, Rows: *env.Rows}, nil
	case TypePhoneConnected, TypePhoneDisconnected:
		m := ViewerCount{Connected: env.Type == TypePhoneConnected}
		if env.PhoneCount != nil {
			m.PhoneCount = *env.PhoneCount
		}
		return m, nil
	case TypeSessionExpiring:
		if env.MinutesRemaining == nil {
			return nil, missing(env.Type, "minutesRemaining")
		}
		return TerminalExpiring{MinutesRemaining: *env.MinutesRemaining}, nil
	default:
		return nil, unknown("relay", env.Type)
	}
}

// ToViewer is a frame the relay sends to a viewer.
type ToViewer interface {
	isToViewer()
	MarshalJSON() ([]byte, error)
}

// OutputChunk is terminal output. Replay marks the single catch-up frame sent
// when a viewer attaches ("buffered_output").
type OutputChunk struct {
	Data   string `json:"data"`
	Replay bool   `json:"-"`
}

// ProcessExit forwards the terminal process exit code.
type ProcessExit struct {
	Code int `json:"code"`
}

// SessionEnded tells a viewer why its session is going away. Type is one of
// TypeCLIDisconnected, TypeSessionKilled, TypeSessionExpired or
// TypeServerShutdown.
type SessionEnded struct {
	Type string `json:"-"`
}

// ViewerExpiring warns a viewer that the session is about to expire.
type ViewerExpiring struct {
	MinutesRemaining int `json:"minutesRemaining"`
}

func (OutputChunk) isToViewer()    {}
func (ProcessExit) isToViewer()    {}
func (SessionEnded) isToViewer()   {}
func (ViewerExpiring) isToViewer() {}

func (m OutputChunk) MarshalJSON() ([]byte, error) {
	type body OutputChunk
	if m.Replay {
		return tagged(TypeBufferedOutput, body(m))
	}
	return tagged(TypeOutput, body(m))
}

func (m ProcessExit) MarshalJSON() ([]byte, error) {
	type body ProcessExit
	return tagged(TypeExit, body(m))
}

func (m SessionEnded) MarshalJSON() ([]byte, error) {
	return tagged(m.Type, struct{}{})
}

func (m ViewerExpiring) MarshalJSON() ([]byte, error) {
	type body ViewerExpiring
	return tagged(TypeSessionExpiring, body(m))
}

// ParseToViewer decodes a relay → viewer frame.
func ParseToViewer(raw []byte) (ToViewer, error) {
	env, err := decode(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeOutput, TypeBufferedOutput:
		if env.Data == nil {
			return nil, missing(env.Type, "data")
		}
		return OutputChunk{Data: *env.Data, Replay: env.Type == TypeBufferedOutput}, nil
	case TypeExit:
		if env.Code == nil {
			return nil, missing(env.Type, "code")
		}
		return ProcessExit{Code: *env.Code}, nil
	case TypeCLIDisconnected, TypeSessionKilled, TypeSessionExpired, TypeServerShutdown:
		return SessionEnded{Type: env.Type}, nil
	case TypeSessionExpiring:
		if env.MinutesRemaining == nil {
			return nil, missing(env.Type, "minutesRemaining")
		}
		return ViewerExpiring{MinutesRemaining: *env.MinutesRemaining}, nil
	default:
		return nil, unknown("relay", env.Type)
	}
}
