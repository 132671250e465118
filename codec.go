package chmux

import (
	"errors"
	"io"

	"github.com/centrifugal/protocol"
)

// ============================================================================
// Inbound Frames
// ============================================================================

// FrameKind tags an InboundFrame.
type FrameKind uint8

const (
	FrameMessage FrameKind = iota + 1
	FrameJoin
	FrameLeave
	FrameSubscribeReply
	FrameUnsubscribe
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameJoin:
		return "join"
	case FrameLeave:
		return "leave"
	case FrameSubscribeReply:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	case FrameError:
		return "error"
	}
	return "unknown"
}

// InboundFrame is a channel-scoped server frame. Only the field matching Kind
// is set.
type InboundFrame struct {
	Kind    FrameKind
	Channel string
	// ID correlates subscribe replies and errors with the subscribe command.
	ID uint32

	Publication *protocol.Publication
	Info        *protocol.ClientInfo
	Subscribe   *protocol.SubscribeResult
	Unsubscribe *protocol.Unsubscribe
	Error       *protocol.Error
}

// pushFrame converts a channel push. ok is false for pushes that are not
// channel events (connect, disconnect, refresh, async message, server-side subscribe).
func pushFrame(push *protocol.Push) (InboundFrame, bool) {
	f := InboundFrame{Channel: push.Channel}
	switch {
	case push.Pub != nil:
		f.Kind = FrameMessage
		f.Publication = push.Pub
	case push.Join != nil:
		f.Kind = FrameJoin
		f.Info = push.Join.Info
	case push.Leave != nil:
		f.Kind = FrameLeave
		f.Info = push.Leave.Info
	case push.Unsubscribe != nil:
		f.Kind = FrameUnsubscribe
		f.Unsubscribe = push.Unsubscribe
	default:
		return InboundFrame{}, false
	}
	return f, true
}

// subscribeFrame converts the reply to a subscribe command.
func subscribeFrame(channel string, reply *protocol.Reply) InboundFrame {
	if reply.Error != nil {
		return InboundFrame{Kind: FrameError, Channel: channel, ID: reply.Id, Error: reply.Error}
	}
	res := reply.Subscribe
	if res == nil {
		res = &protocol.SubscribeResult{}
	}
	return InboundFrame{Kind: FrameSubscribeReply, Channel: channel, ID: reply.Id, Subscribe: res}
}

// ============================================================================
// Codec
// ============================================================================

type codec struct {
	encoder *protocol.JSONCommandEncoder
}

func newCodec() *codec {
	return &codec{encoder: protocol.NewJSONCommandEncoder()}
}

func (c *codec) encodeCommand(cmd *protocol.Command) ([]byte, error) {
	return c.encoder.Encode(cmd)
}

// decodeReplies splits one transport message into replies. A message may carry
// several newline-delimited replies.
func (c *codec) decodeReplies(data []byte) ([]*protocol.Reply, error) {
	dec := protocol.NewJSONReplyDecoder(data)
	var replies []*protocol.Reply
	for {
		reply, err := dec.Decode()
		if err != nil && !errors.Is(err, io.EOF) {
			return replies, err
		}
		if reply != nil {
			replies = append(replies, reply)
		}
		if err != nil {
			return replies, nil
		}
	}
}
