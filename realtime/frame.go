package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

// SessionEvent is the first frame of every stream.
const SessionEvent = "session"

// Frame is one server-sent event, encoded once and shared by every recipient.
type Frame struct {
	Event string
	Data  []byte
}

type envelope struct {
	BoardID string                 `json:"boardId"`
	Data    sonic.NoCopyRawMessage `json:"data"`
}

// SessionInfo is carried by the session frame.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// EventFrame encodes ev as `{"boardId": ..., "data": <payload>}`.
func EventFrame(ev domain.Event) (Frame, error) {
	payload, err := ev.Payload()
	if err != nil {
		return Frame{}, err
	}
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	data, err := sonic.Marshal(envelope{BoardID: ev.BoardID, Data: raw})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: string(ev.Type), Data: data}, nil
}

func sessionFrame(info SessionInfo) (Frame, error) {
	data, err := sonic.Marshal(info)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: SessionEvent, Data: data}, nil
}

// WriteTo writes the frame in text/event-stream format.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(len(f.Event) + len(f.Data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(f.Event)
	buf.WriteString("\ndata: ")
	buf.Write(f.Data)
	buf.WriteString("\n\n")
	return buf.WriteTo(w)
}

var errMissingBoard = errors.New("frame without boardId")

// DecodeFrame turns a received event frame back into a domain event.
func DecodeFrame(event string, data []byte) (domain.Event, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return domain.Event{}, fmt.Errorf("decode %s frame: %w", event, err)
	}
	if env.BoardID == "" {
		return domain.Event{}, errMissingBoard
	}
	return domain.DecodeEvent(env.BoardID, domain.EventType(event), env.Data)
}

// DecodeSession parses the session frame payload.
func DecodeSession(data []byte) (SessionInfo, error) {
	var info SessionInfo
	if err := sonic.Unmarshal(data, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionID == "" || info.Token == "" {
		return SessionInfo{}, errors.New("incomplete session frame")
	}
	return info, nil
}
