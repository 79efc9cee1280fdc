// Package server provides the WebSocket command handling for the monitor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// commandReply is the answer to a WebSocket command. Its type is the command
// type with a "_result" suffix and its id echoes the command id.
type commandReply struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// replier answers one command on a client's send channel.
type replier struct {
	cmd  WSCommand
	send chan<- any
}

func (r replier) reply(success bool, data, errValue any) {
	deliver(r.send, r.cmd.Type, commandReply{
		Type:    r.cmd.Type + "_result",
		ID:      r.cmd.ID,
		Success: success,
		Data:    data,
		Error:   errValue,
	})
}

func (r replier) ok(data any) { r.reply(true, data, nil) }

func (r replier) fail(err error) { r.reply(false, nil, err.Error()) }

// invalid answers with the per-field messages of a validation failure.
func (r replier) invalid(err error) { r.reply(false, nil, util.ToValidationError(err)) }

// finish answers with result or err.
func (r replier) finish(result any, err error) {
	if err != nil {
		r.fail(err)
		return
	}
	r.ok(result)
}

// decodeRequest fills req from the command payload and validates it. A
// command without payload validates the zero request. On failure the client
// has already been answered.
func decodeRequest[T any](r replier, req *T) bool {
	if len(r.cmd.Data) > 0 {
		if err := json.Unmarshal(r.cmd.Data, req); err != nil {
			r.fail(fmt.Errorf("invalid JSON: %w", err))
			return false
		}
	}
	if err := util.Validator().Struct(req); err != nil {
		r.invalid(err)
		return false
	}
	return true
}

// handleSync answers a command that completes without blocking.
func handleSync[T any](cmd WSCommand, send chan<- any, process func(*T) (any, error)) {
	r := replier{cmd: cmd, send: send}
	var req T
	if !decodeRequest(r, &req) {
		return
	}
	r.finish(process(&req))
}

// handleAsync validates the request before returning and runs process in the
// background with a bounded context.
func handleAsync[T any](cmd WSCommand, send chan<- any, process func(context.Context, *T) (any, error)) {
	r := replier{cmd: cmd, send: send}
	var req T
	if !decodeRequest(r, &req) {
		return
	}
	goSafe(cmd.Type, func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		r.finish(process(ctx, &req))
	}, func() { r.fail(errors.New("internal error")) })
}

// goSafe runs fn in a new goroutine. A panic is logged and then handled by
// onPanic, which may be nil.
func goSafe(command string, fn, onPanic func()) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic in command handler", "command", command, "panic", p)
				if onPanic != nil {
					onPanic()
				}
			}
		}()
		fn()
	}()
}

// deliver queues msg for the client without blocking. Background results
// can arrive after the client left and its channel was closed.
func deliver(send chan<- any, command string, msg any) {
	defer func() {
		if recover() != nil {
			slog.Debug("dropped response for closed connection", "command", command)
		}
	}()
	select {
	case send <- msg:
	default:
		slog.Warn("dropped response, client send queue full", "command", command)
	}
}
