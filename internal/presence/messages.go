package presence

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-timeclock/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is sent by subscribers. Ping is the only request; anything
// else on the socket is answered with an error.
type ClientMessage struct {
	BaseMessage
	Ping *struct{} `json:"ping,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response    `json:"response,omitempty"`
	Event    *types.Event `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

func NoErrOK(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func EventMessage(ev types.Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &ev,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
