package events

import (
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

type LogKind int

const (
	LogOther LogKind = iota
	LogProgramLog
	LogProgramData
	LogInvoke
	LogSuccess
	LogFailed
	LogConsumed
)

func (k LogKind) String() string {
	switch k {
	case LogProgramLog:
		return "log"
	case LogProgramData:
		return "data"
	case LogInvoke:
		return "invoke"
	case LogSuccess:
		return "success"
	case LogFailed:
		return "failed"
	case LogConsumed:
		return "consumed"
	default:
		return "other"
	}
}

// LogLine is one transaction log message split into its runtime framing.
// Program is set for invoke, success, failed and consumed lines; Message
// holds the payload of log and data lines and the error text of failures.
type LogLine struct {
	Raw     string
	Kind    LogKind
	Program solana.PublicKey
	Depth   int
	Message string
}

const (
	programLogPrefix  = "Program log: "
	programDataPrefix = "Program data: "
	programPrefix     = "Program "
)

func ParseLogLine(raw string) LogLine {
	line := LogLine{Raw: raw, Kind: LogOther}
	switch {
	case strings.HasPrefix(raw, programLogPrefix):
		line.Kind = LogProgramLog
		line.Message = strings.TrimPrefix(raw, programLogPrefix)
		return line
	case strings.HasPrefix(raw, programDataPrefix):
		line.Kind = LogProgramData
		line.Message = strings.TrimPrefix(raw, programDataPrefix)
		return line
	case !strings.HasPrefix(raw, programPrefix):
		return line
	}

	rest := strings.TrimPrefix(raw, programPrefix)
	id, tail, ok := strings.Cut(rest, " ")
	if !ok {
		return line
	}
	program, err := solana.PublicKeyFromBase58(id)
	if err != nil {
		return line
	}

	switch {
	case strings.HasPrefix(tail, "invoke ["):
		depth, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(tail, "invoke ["), "]"))
		if err != nil {
			return line
		}
		line.Kind, line.Program, line.Depth = LogInvoke, program, depth
	case tail == "success":
		line.Kind, line.Program = LogSuccess, program
	case strings.HasPrefix(tail, "failed"):
		line.Kind, line.Program = LogFailed, program
		line.Message = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(tail, "failed"), ":"))
	case strings.HasPrefix(tail, "consumed "):
		line.Kind, line.Program = LogConsumed, program
		line.Message = strings.TrimPrefix(tail, "consumed ")
	}
	return line
}

func ParseLogs(raw []string) []LogLine {
	out := make([]LogLine, 0, len(raw))
	for _, r := range raw {
		out = append(out, ParseLogLine(r))
	}
	return out
}

// ScopeToProgram keeps the log and data lines emitted while program was the
// innermost running program.
func ScopeToProgram(lines []LogLine, program solana.PublicKey) []LogLine {
	var stack []solana.PublicKey
	var out []LogLine
	for _, line := range lines {
		switch line.Kind {
		case LogInvoke:
			stack = append(stack, line.Program)
		case LogSuccess, LogFailed:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case LogProgramLog, LogProgramData:
			if len(stack) > 0 && stack[len(stack)-1].Equals(program) {
				out = append(out, line)
			}
		}
	}
	return out
}
