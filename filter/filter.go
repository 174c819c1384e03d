package filter

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
)

// Compile compiles a delivery filter expression against the filter Env. An
// empty expression compiles to nil, which matches every target.
func Compile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, nil
	}
	return expr.Compile(expression, expr.Env(Env{}))
}

// Match evaluates a compiled filter for one target participant. A nil program
// matches; an erroring or non-boolean expression matches nothing.
func Match(prog *vm.Program, room types.Room, source, target types.Participant, msg *types.ChatMessage) bool {
	if prog == nil {
		return true
	}
	env := Env{
		Room: Room{
			Id:   room.Id,
			Name: room.Name,
		},
		Source:  envParticipant(source),
		Target:  envParticipant(target),
		Text:    msg.Text,
		Created: msg.CreatedAt.Unix(),
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	bRes, ok := res.(bool)
	return ok && bRes
}

func envParticipant(p types.Participant) Participant {
	return Participant{
		ConnectionId:   p.ConnectionId,
		DisplayName:    p.DisplayName,
		IsHost:         p.IsHost,
		IsMuted:        p.IsMuted,
		IsVideoEnabled: p.IsVideoEnabled,
	}
}
