package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/danmuck/pipebroker/internal/protocol/frame"
)

// DecodeMessage parses a frame body into a handshake message.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// EncodeMessage returns the full framed wire form of msg.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return frame.Encode(body), nil
}

func WriteMessage(w io.Writer, msg Message) error {
	wire, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}

// ReadMessage reads and decodes the next handshake frame from fr.
func ReadMessage(fr *frame.Reader) (Message, error) {
	f, err := fr.Next()
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(f.Body)
}

// SuccessAck is the frame the broker sends the target once a pipe is paired.
func SuccessAck(pipe string) ([]byte, error) {
	return EncodeMessage(Message{Action: ActionConnectSuccess, Pipe: pipe})
}
