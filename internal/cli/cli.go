package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandConnect Command = "connect"
	CommandStatus  Command = "status"
	CommandCancel  Command = "cancel"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandConnect: {},
	CommandStatus:  {},
	CommandCancel:  {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// Parsed carries the resolved command plus the entry parameters. QueueID
// and WorkerAddr are opaque; only presence is checked here.
type Parsed struct {
	Command    Command
	ConfigPath string
	QueueID    string
	WorkerAddr string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			value, next, err := flagValue(args, i, arg)
			if err != nil {
				return Parsed{}, err
			}
			parsed.ConfigPath = value
			i = next
		case "--queue":
			value, next, err := flagValue(args, i, arg)
			if err != nil {
				return Parsed{}, err
			}
			parsed.QueueID = value
			i = next
		case "--worker-addr":
			value, next, err := flagValue(args, i, arg)
			if err != nil {
				return Parsed{}, err
			}
			parsed.WorkerAddr = value
			i = next
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
		}
	}

	return parsed, nil
}

func flagValue(args []string, i int, flag string) (string, int, error) {
	if i+1 >= len(args) {
		return "", i, errors.New(flag + " requires a value")
	}
	return args[i+1], i + 1, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] <command>

Commands:
  connect   Establish a voice session with an assigned worker
  status    Print current session state and queue position
  cancel    Abort the in-flight connect attempt
  devices   List available input devices
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH        Config file path (default: $XDG_CONFIG_HOME/parley/config.conf)
  --queue ID           Queue identifier override
  --worker-addr ADDR   Direct worker address (skips queue negotiation)
  -h, --help           Show help
  --version            Show version
`, binaryName)
}
