package natsqueue

import (
	"encoding/json"
	"fmt"

	"github.com/alphauslabs/ferry/internal/queue"
)

func encodeEvent(ev queue.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return body, nil
}
