package cli

import (
	"fmt"
	"strings"

	"github.com/teamclaw/teamclaw/internal/coordinator"
)

// slashKind classifies a parsed leader command.
const (
	kindAction     = "action"     // maps straight to a teams-tool action
	kindAttachList = "attach_ls"  // /team attach list
	kindAttach     = "attach"     // /team attach <teamId> [--claim]
	kindDetach     = "detach"     // /team detach
	kindTaskList   = "task_ls"    // /team task list
	kindSend       = "send"       // /team send <name> <msg> (RPC prompt)
	kindStatus     = "status"     // /team status
	kindHelp       = "help"
)

// slashCommand is one parsed /team input line.
type slashCommand struct {
	Kind   string
	Action coordinator.Action

	TeamID string
	Claim  bool
	Name   string
	Text   string
}

// usageError carries the usage hint for a malformed command.
type usageError struct{ usage string }

func (e *usageError) Error() string { return "usage: " + e.usage }

func usage(s string) error { return &usageError{usage: s} }

// parseSlash turns a "/team ..." line into a slashCommand. Spawn accepts
// positional mode tokens the way the interactive surface documents them:
//
//	/team spawn <name?> [fresh|branch] [shared|worktree] [plan]
//	            [--model <spec>] [--thinking <level>]
func parseSlash(line string) (slashCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "/team" {
		return slashCommand{}, usage("/team <command> ...")
	}
	if len(fields) == 1 {
		return slashCommand{Kind: kindHelp}, nil
	}
	args := fields[2:]
	switch fields[1] {
	case "spawn":
		return parseSpawn(args)
	case "attach":
		if len(args) == 0 {
			return slashCommand{}, usage("/team attach list | /team attach <teamId> [--claim]")
		}
		if args[0] == "list" {
			return slashCommand{Kind: kindAttachList}, nil
		}
		cmd := slashCommand{Kind: kindAttach, TeamID: args[0]}
		for _, a := range args[1:] {
			switch a {
			case "--claim":
				cmd.Claim = true
			default:
				if strings.HasPrefix(a, "--") {
					return slashCommand{}, fmt.Errorf("unknown flag %q for attach (did you mean --claim?)", a)
				}
				return slashCommand{}, usage("/team attach <teamId> [--claim]")
			}
		}
		return cmd, nil
	case "detach":
		return slashCommand{Kind: kindDetach}, nil
	case "dm":
		if len(args) < 2 {
			return slashCommand{}, usage("/team dm <name> <msg>")
		}
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type: coordinator.ActionMessageDM,
			Name: args[0],
			Text: strings.Join(args[1:], " "),
		}}, nil
	case "broadcast":
		if len(args) < 1 {
			return slashCommand{}, usage("/team broadcast <msg>")
		}
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type: coordinator.ActionMessageBroadcast,
			Text: strings.Join(args, " "),
		}}, nil
	case "send":
		if len(args) < 2 {
			return slashCommand{}, usage("/team send <name> <msg>")
		}
		return slashCommand{Kind: kindSend, Name: args[0], Text: strings.Join(args[1:], " ")}, nil
	case "steer":
		if len(args) < 2 {
			return slashCommand{}, usage("/team steer <name> <msg>")
		}
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type: coordinator.ActionMessageSteer,
			Name: args[0],
			Text: strings.Join(args[1:], " "),
		}}, nil
	case "task":
		if len(args) == 0 {
			return slashCommand{}, usage("/team task add <text> | /team task list")
		}
		switch args[0] {
		case "add":
			if len(args) < 2 {
				return slashCommand{}, usage("/team task add <text>")
			}
			return slashCommand{Kind: kindAction, Action: coordinator.Action{
				Type:  coordinator.ActionDelegate,
				Tasks: []coordinator.DelegateItem{{Text: strings.Join(args[1:], " ")}},
			}}, nil
		case "list":
			return slashCommand{Kind: kindTaskList}, nil
		default:
			return slashCommand{}, usage("/team task add <text> | /team task list")
		}
	case "kill":
		if len(args) != 1 {
			return slashCommand{}, usage("/team kill <name>")
		}
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type: coordinator.ActionMemberKill,
			Name: args[0],
		}}, nil
	case "shutdown":
		a := coordinator.Action{Type: coordinator.ActionMemberShutdown}
		switch {
		case len(args) == 0 || args[0] == "all":
			a.All = true
		default:
			a.Name = args[0]
		}
		return slashCommand{Kind: kindAction, Action: a}, nil
	case "approve", "reject":
		if len(args) < 1 {
			return slashCommand{}, usage("/team " + fields[1] + " <name> [feedback]")
		}
		typ := coordinator.ActionPlanApprove
		if fields[1] == "reject" {
			typ = coordinator.ActionPlanReject
		}
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type:     typ,
			Name:     args[0],
			Feedback: strings.Join(args[1:], " "),
		}}, nil
	case "prune":
		return slashCommand{Kind: kindAction, Action: coordinator.Action{
			Type: coordinator.ActionMemberPrune,
			All:  len(args) > 0 && args[0] == "all",
		}}, nil
	case "status":
		return slashCommand{Kind: kindStatus}, nil
	case "help":
		return slashCommand{Kind: kindHelp}, nil
	default:
		return slashCommand{}, fmt.Errorf("unknown command %q (try /team help)", fields[1])
	}
}

func parseSpawn(args []string) (slashCommand, error) {
	a := coordinator.Action{Type: coordinator.ActionMemberSpawn}
	i := 0
	for i < len(args) {
		tok := args[i]
		switch tok {
		case "fresh", "branch":
			a.Mode = tok
		case "shared", "worktree":
			a.WorkspaceMode = tok
		case "plan":
			a.PlanRequired = true
		case "--model":
			if i+1 >= len(args) {
				return slashCommand{}, usage("/team spawn ... --model <provider/model>")
			}
			i++
			a.Model = args[i]
		case "--thinking":
			if i+1 >= len(args) {
				return slashCommand{}, usage("/team spawn ... --thinking <level>")
			}
			i++
			a.Thinking = args[i]
		default:
			if strings.HasPrefix(tok, "--") {
				return slashCommand{}, fmt.Errorf("unknown flag %q for spawn", tok)
			}
			if a.Name != "" {
				return slashCommand{}, usage("/team spawn <name?> [fresh|branch] [shared|worktree] [plan]")
			}
			a.Name = tok
		}
		i++
	}
	return slashCommand{Kind: kindAction, Action: a}, nil
}

const slashHelp = `commands:
  /team spawn <name?> [fresh|branch] [shared|worktree] [plan] [--model <spec>] [--thinking <level>]
  /team attach list | /team attach <teamId> [--claim] | /team detach
  /team dm <name> <msg> | /team broadcast <msg> | /team send <name> <msg> | /team steer <name> <msg>
  /team task add <text> | /team task list
  /team kill <name> | /team shutdown [<name>|all]
  /team approve <name> [feedback] | /team reject <name> [feedback]
  /team prune [all] | /team status | /team help
  exit`
