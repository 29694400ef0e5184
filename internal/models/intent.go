package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent is the classified purpose of a single inbound message.
type Intent string

const (
	Interested Intent = "Interested"
	Confused   Intent = "Confused"
	Frustrated Intent = "Frustrated"
	OptOut     Intent = "OptOut"
)

// Intents lists every valid intent.
var Intents = []Intent{Interested, Confused, Frustrated, OptOut}

func (i Intent) Valid() bool {
	switch i {
	case Interested, Confused, Frustrated, OptOut:
		return true
	}
	return false
}

func (i Intent) String() string {
	return string(i)
}

// ParseIntent matches an intent name case-insensitively.
func ParseIntent(s string) (Intent, bool) {
	s = strings.TrimSpace(s)
	for _, intent := range Intents {
		if strings.EqualFold(s, string(intent)) {
			return intent, true
		}
	}
	return "", false
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("intent must be a string: %w", err)
	}
	parsed, ok := ParseIntent(raw)
	if !ok {
		return fmt.Errorf("unknown intent %q", raw)
	}
	*i = parsed
	return nil
}
