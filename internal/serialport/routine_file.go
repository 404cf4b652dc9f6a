package serialport

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// routineFile is the on-disk routine form. Commands are [name, delay]
// pairs with delays in seconds, matching the node's session scripts.
type routineFile struct {
	Commands  [][2]any `json:"commands"`
	Period    float64  `json:"period,omitempty"`
	StopAfter float64  `json:"stop_after,omitempty"`
}

// LoadRoutine reads a routine description from a JSON file.
func LoadRoutine(path string, sender *CommandSender) (*Routine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routine file: %w", err)
	}

	var rf routineFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse routine file: %w", err)
	}

	commands := make([]TimedCommand, 0, len(rf.Commands))
	for i, pair := range rf.Commands {
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("routine command %d: first element must be a command string", i)
		}
		delay, ok := pair[1].(float64)
		if !ok {
			return nil, fmt.Errorf("routine command %d: second element must be a delay in seconds", i)
		}
		commands = append(commands, TimedCommand{
			Command: name,
			Delay:   time.Duration(delay * float64(time.Second)),
		})
	}

	return NewRoutine(
		commands,
		time.Duration(rf.Period*float64(time.Second)),
		time.Duration(rf.StopAfter*float64(time.Second)),
		sender,
	)
}
