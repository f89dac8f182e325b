// Package broker implements the line-based pub/sub protocol of spec.md
// §4.G: an accept loop, per-topic subscriber sets, per-subscriber FIFO
// queues, and a best-effort live push to any currently connected socket.
package broker

import (
	"fmt"
	"strings"

	"github.com/habycr/memprof/cmn"
)

const (
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdPublish     = "PUBLISH"
	CmdReceive     = "RECEIVE"
)

// knownTopics are the profiler topic names that double as command tokens
// for the shortcut form of spec.md §4.G: "MEMORY_UPDATE|<payload-fields...>"
// is equivalent to "PUBLISH|MEMORY_UPDATE|<payload>|<appId>".
var knownTopics = map[string]bool{
	"MEMORY_UPDATE": true,
	"ALLOCATION":    true,
	"DEALLOCATION":  true,
	"LEAK_DETECTED": true,
	"FILE_STATS":    true,
}

// IsKnownTopic reports whether name is one of the fixed profiler topics.
func IsKnownTopic(name string) bool { return knownTopics[name] }

// command is one parsed, percent-decoded protocol line.
type command struct {
	name   string
	fields []string // decoded fields after the command name
	raw    []string // decoded fields including the command name, for shortcut rejoin
}

// parseLine splits and percent-decodes one line of broker protocol
// (field separator '|', spec.md §4.B/§4.G). An empty line parses to a
// command with an empty name.
func parseLine(line string) command {
	line = strings.TrimRight(line, "\r\n")
	parts := cmn.DecodeFields(line)
	if len(parts) == 0 {
		return command{}
	}
	return command{name: parts[0], fields: parts[1:], raw: parts}
}

// shortcutPayload composes the PUBLISH payload for a topic-shortcut
// command: "the command and its args" joined by '|', re-encoded field by
// field so the payload round-trips through another parseLine cleanly.
func shortcutPayload(c command) string {
	return cmn.EncodeFields(c.raw...)
}

func replyOK() string             { return "OK\n" }
func replyOKMsg(msg string) string { return fmt.Sprintf("OK|%s\n", cmn.PercentEncode(msg)) }
func replyError(reason string) string {
	return fmt.Sprintf("ERROR|%s\n", cmn.PercentEncode(reason))
}
