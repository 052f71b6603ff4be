package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ASCII is the legacy text protocol: "<KEYWORD> <argument>" per frame,
// e.g. "ALT 12.500" or "MSG hello".
type ASCII struct{}

func (ASCII) Name() string { return "ascii" }

// Command is a tokenized ASCII frame.
type Command struct {
	Keyword  string // upper-cased
	Argument string
}

// ParseCommand splits text into keyword and argument. ok is false for
// blank input.
func ParseCommand(text string) (cmd Command, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, false
	}
	keyword, arg := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		keyword, arg = text[:i], text[i+1:]
	}
	return Command{
		Keyword:  strings.ToUpper(keyword),
		Argument: strings.TrimSpace(arg),
	}, true
}

var numericFields = map[string]Field{
	"ALT":   FieldAltitude,
	"MTR":   FieldMotorPower,
	"MOTOR": FieldMotorPower,
	"TEMP":  FieldTemp,
	"VELO":  FieldVelocity,
}

func (a ASCII) Decode(frame []byte) (Message, error) {
	cmd, ok := ParseCommand(string(frame))
	if !ok {
		return nil, nil
	}

	if field, ok := numericFields[cmd.Keyword]; ok {
		v, err := strconv.ParseFloat(cmd.Argument, 64)
		if err != nil {
			return nil, &MalformedCommandError{Keyword: cmd.Keyword, Argument: cmd.Argument, Err: err}
		}
		return FieldUpdate{Field: field, Value: v}, nil
	}

	switch cmd.Keyword {
	case "LATCH":
		switch cmd.Argument {
		case "0":
			return FieldUpdate{Field: FieldLatch, Value: 0}, nil
		case "1":
			return FieldUpdate{Field: FieldLatch, Value: 1}, nil
		}
		return nil, &MalformedCommandError{Keyword: cmd.Keyword, Argument: cmd.Argument, Err: errors.New("want 0 or 1")}
	case "MSG":
		return LogMessage{Text: cmd.Argument}, nil
	}

	// Unknown keywords are not an error on this protocol.
	return nil, nil
}

// Encode renders operator text verbatim; field updates use the same
// grammar the flight computer sends.
func (a ASCII) Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case LogMessage:
		return []byte(v.Text), nil
	case FieldUpdate:
		return []byte(v.String()), nil
	}
	return nil, fmt.Errorf("protocol: ascii encode %s: %w", m.Tag(), ErrUnsupported)
}
