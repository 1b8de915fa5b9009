package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"LeverLedger/internal/event"
	"LeverLedger/internal/fault"
)

// CommandSubjectPrefix is followed by the command type name, e.g.
// "lever.commands.OpenPosition".
const CommandSubjectPrefix = "lever.commands."

var (
	ErrUnknownCommand = fault.Validation("ingestion: unknown command type")
	ErrMalformed      = fault.Validation("ingestion: malformed command")
)

// CommandSubject returns the subject a command of type et is published on.
func CommandSubject(et event.EventType) string {
	return CommandSubjectPrefix + et.String()
}

// ParseRawEvent converts a message into a typed command. The command type is
// the last subject token; the stream's timestamp becomes the receive time.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	name := raw.Subject
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return ParseCommand(name, raw.Data, raw.Timestamp)
}

// ParseCommand decodes a JSON command body of the named type, stamps the
// receive time and checks the fields every command must carry. The body uses
// the same encoding as the event log payload.
func ParseCommand(typeName string, data []byte, receivedAt time.Time) (event.Event, error) {
	evt, err := decodeCommand(typeName, data)
	if err != nil {
		return nil, err
	}
	// replaces any receive time the client put in the body
	evt.MarkReceived(receivedAt)
	if err := validateMeta(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func decodeCommand(typeName string, data []byte) (event.Event, error) {
	et, ok := event.ParseEventType(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, typeName)
	}
	evt, err := event.Decode(et, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return evt, nil
}
