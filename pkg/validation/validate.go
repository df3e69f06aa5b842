package validation

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"chatsync/pkg/models"
)

// Rules bound what the engine accepts for outbound messages. Catching a
// hopeless message locally is cheaper than a guaranteed server rejection
// after an offline replay.
type Rules struct {
	MaxContentLen int
	AllowedKinds  map[models.MessageKind]struct{}
}

// DefaultRules mirror the server's documented limits.
func DefaultRules() Rules {
	return Rules{
		MaxContentLen: 4000,
		AllowedKinds: map[models.MessageKind]struct{}{
			models.KindText:            {},
			models.KindSystem:          {},
			models.KindAssistantPrompt: {},
		},
	}
}

var rules = DefaultRules()

// SetRules replaces the active rule set.
func SetRules(r Rules) { rules = r }

var ErrEmptyContent = errors.New("message content is empty")

// ValidateOutbound vets a message before it enters the delivery pipeline.
func ValidateOutbound(content string, kind models.MessageKind) error {
	if content == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(content) {
		return errors.New("message content is not valid UTF-8")
	}
	if rules.MaxContentLen > 0 && utf8.RuneCountInString(content) > rules.MaxContentLen {
		return fmt.Errorf("message content exceeds %d characters", rules.MaxContentLen)
	}
	if len(rules.AllowedKinds) > 0 {
		if _, ok := rules.AllowedKinds[kind]; !ok {
			return fmt.Errorf("unsupported message kind %q", kind)
		}
	}
	return nil
}
