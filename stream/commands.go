package stream

import "strings"

// Command names accepted by Respond.
const (
	CmdHelp = "help"
	CmdQuit = "quit"
)

const (
	replyHelpHeader = "Available commands are:"
	replyQuit       = "Quitting."
	replyInvalid    = "Invalid command, type [help] for a list of accepted commands."
)

// Commands lists the accepted command names.
func Commands() []string { return []string{CmdHelp, CmdQuit} }

// Respond executes one command from the command channel and returns the reply
// lines. quit stops the loop; unknown commands change nothing.
func (l *Loop) Respond(cmd string) []string {
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case CmdHelp:
		return append([]string{replyHelpHeader}, Commands()...)
	case CmdQuit:
		l.logger.Info("quit requested on the command channel")
		l.Stop()
		return []string{replyQuit}
	default:
		return []string{replyInvalid}
	}
}
