/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
)

// OutboundMessage is the envelope the client writes for every send.
type OutboundMessage struct {
	RoomID   string `json:"roomId,omitempty"` // multi-room only
	Email    string `json:"email"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// InboundMessage is what the renderer needs out of a received frame.
// Anything else the server includes is ignored.
type InboundMessage struct {
	Username string
	Message  string
}

func (m InboundMessage) String() string {
	return m.Username + ": " + m.Message
}

type inboundFrame struct {
	Username *string `json:"username"`
	Message  *string `json:"message"`
}

// ParseInbound decodes a received text frame. Frames that are not JSON
// objects, or that lack a string username or message, wrap ErrMalformedMessage.
func ParseInbound(data []byte) (InboundMessage, error) {
	var f inboundFrame

	if err := json.Unmarshal(data, &f); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case f.Username == nil:
		return InboundMessage{}, fmt.Errorf("%w: missing username", ErrMalformedMessage)
	case f.Message == nil:
		return InboundMessage{}, fmt.Errorf("%w: missing message", ErrMalformedMessage)
	}

	return InboundMessage{Username: *f.Username, Message: *f.Message}, nil
}
