// Package builtin holds the handlers every companion serves.
package builtin

import (
	"errors"
	"math"

	"framelink/message"
)

var (
	ErrOverflow     = errors.New("calculate: result overflows")
	ErrEmptyMessage = errors.New("message: content is empty")
)

// Service is registered with server.Register; its methods become the "calculate" and "message" events.
type Service struct{}

func (s *Service) Calculate(args *message.CalculateArgs, reply *message.CalculateReply) error {
	if (args.B > 0 && args.A > math.MaxInt-args.B) || (args.B < 0 && args.A < math.MinInt-args.B) {
		return ErrOverflow
	}
	reply.Result = args.A + args.B
	return nil
}

// Message echoes content back.
func (s *Service) Message(args *message.MessageArgs, reply *message.MessageReply) error {
	if args.Content == "" {
		return ErrEmptyMessage
	}
	reply.Content = args.Content
	return nil
}
