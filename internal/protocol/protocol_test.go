package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTerminalMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    TerminalMessage
		wantErr error
	}{
		{name: "output", raw: `{"type":"output","data":"hello"}`, want: TerminalOutput{Data: "hello"}},
		{name: "empty output", raw: `{"type":"output","data":""}`, want: TerminalOutput{Data: ""}},
		{name: "exit", raw: `{"type":"exit","code":3}`, want: TerminalExit{Code: 3}},
		{name: "output without data", raw: `{"type":"output"}`, wantErr: ErrMalformed},
		{name: "exit without code", raw: `{"type":"exit"}`, wantErr: ErrMalformed},
		{name: "data wrong type", raw: `{"type":"output","data":42}`, wantErr: ErrMalformed},
		{name: "not json", raw: `hello`, wantErr: ErrMalformed},
		{name: "json array", raw: `[1,2]`, wantErr: ErrMalformed},
		{name: "missing type", raw: `{"data":"x"}`, wantErr: ErrMalformed},
		{name: "viewer type from terminal", raw: `{"type":"input","data":"ls\n"}`, wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTerminalMessage([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseViewerMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ViewerMessage
		wantErr error
	}{
		{name: "input", raw: `{"type":"input","data":"ls\n"}`, want: ViewerInput{Data: "ls\n"}},
		{name: "resize", raw: `{"type":"resize","cols":80,"rows":24}`, want: ViewerResize{Cols: 80, Rows: 24}},
		{name: "resize missing rows", raw: `{"type":"resize","cols":80}`, want: ViewerResize{Cols: 80}},
		{name: "resize negative", raw: `{"type":"resize","cols":-1,"rows":24}`, want: ViewerResize{Cols: -1, Rows: 24}},
		{name: "input without data", raw: `{"type":"input"}`, wantErr: ErrMalformed},
		{name: "terminal type from viewer", raw: `{"type":"output","data":"x"}`, wantErr: ErrUnknownType},
		{name: "exit from viewer", raw: `{"type":"exit","code":0}`, wantErr: ErrUnknownType},
		{name: "fractional cols", raw: `{"type":"resize","cols":80.5,"rows":24}`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseViewerMessage([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeTags(t *testing.T) {
	tests := []struct {
		name string
		msg  json.Marshaler
		want string
	}{
		{"session created", SessionCreated{SessionID: "id", SessionToken: "tok", MaxDuration: 3600000},
			`{"type":"session_created","sessionId":"id","sessionToken":"tok","maxDuration":3600000,"isAnonymous":false}`},
		{"phone connected", ViewerCount{Connected: true, PhoneCount: 2}, `{"type":"phone_connected","phoneCount":2}`},
		{"phone disconnected", ViewerCount{PhoneCount: 0}, `{"type":"phone_disconnected","phoneCount":0}`},
		{"relayed input", RelayedInput{Data: "q"}, `{"type":"input","data":"q"}`},
		{"relayed resize", RelayedResize{Cols: 100, Rows: 30}, `{"type":"resize","cols":100,"rows":30}`},
		{"terminal expiring", TerminalExpiring{MinutesRemaining: 5}, `{"type":"session_expiring","minutesRemaining":5}`},
		{"output", OutputChunk{Data: "hi"}, `{"type":"output","data":"hi"}`},
		{"replay", OutputChunk{Data: "hi", Replay: true}, `{"type":"buffered_output","data":"hi"}`},
		{"exit", ProcessExit{Code: 1}, `{"type":"exit","code":1}`},
		{"cli disconnected", SessionEnded{Type: TypeCLIDisconnected}, `{"type":"cli_disconnected"}`},
		{"killed", SessionEnded{Type: TypeSessionKilled}, `{"type":"session_killed"}`},
		{"terminal output", TerminalOutput{Data: "x"}, `{"type":"output","data":"x"}`},
		{"viewer resize", ViewerResize{Cols: 1, Rows: 2}, `{"type":"resize","cols":1,"rows":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(MustEncode(tt.msg))
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseToTerminal(t *testing.T) {
	msg, err := ParseToTerminal(MustEncode(SessionCreated{SessionID: "abc", SessionToken: "def", MaxDuration: 60000, IsAnonymous: true}))
	if err != nil {
		t.Fatalf("ParseToTerminal: %v", err)
	}
	created, ok := msg.(SessionCreated)
	if !ok {
		t.Fatalf("expected SessionCreated, got %T", msg)
	}
	if created.SessionID != "abc" || created.SessionToken != "def" || !created.IsAnonymous {
		t.Errorf("unexpected fields: %+v", created)
	}
	if created.Lifetime().Minutes() != 1 {
		t.Errorf("expected 1 minute lifetime, got %s", created.Lifetime())
	}

	msg, err = ParseToTerminal([]byte(`{"type":"phone_disconnected","phoneCount":1}`))
	if err != nil {
		t.Fatalf("ParseToTerminal: %v", err)
	}
	if vc := msg.(ViewerCount); vc.Connected || vc.PhoneCount != 1 {
		t.Errorf("unexpected viewer count: %+v", vc)
	}

	if _, err := ParseToTerminal([]byte(`{"type":"buffered_output","data":"x"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("viewer-only type must be rejected on the terminal side, got %v", err)
	}
}

func TestParseToViewer(t *testing.T) {
	msg, err := ParseToViewer([]byte(`{"type":"buffered_output","data":"abc"}`))
	if err != nil {
		t.Fatalf("ParseToViewer: %v", err)
	}
	if chunk := msg.(OutputChunk); !chunk.Replay || chunk.Data != "abc" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}

	msg, err = ParseToViewer([]byte(`{"type":"session_expired"}`))
	if err != nil {
		t.Fatalf("ParseToViewer: %v", err)
	}
	if ended := msg.(SessionEnded); ended.Type != TypeSessionExpired {
		t.Errorf("unexpected type %q", ended.Type)
	}

	if _, err := ParseToViewer([]byte(`{"type":"session_created","sessionId":"a","sessionToken":"b"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("terminal-only type must be rejected on the viewer side, got %v", err)
	}
}
