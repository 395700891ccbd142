package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
)

// JoinSettings are the choices made before a match starts.
type JoinSettings struct {
	Signal string
	Room   string
	Bot    bool
}

// Players is the match size implied by the room, 0 for an unbatched room.
func (s JoinSettings) Players() int {
	n, _ := signaling.Capacity(s.Room)
	return n
}

func validateSignal(v string) error {
	if !strings.HasPrefix(v, "ws://") && !strings.HasPrefix(v, "wss://") {
		return fmt.Errorf("signaling URL must start with ws:// or wss://")
	}
	return nil
}

func validateRoom(v string) error {
	_, err := signaling.Capacity(v)
	return err
}

// JoinForm asks for the signaling server, the room and who plays. Answers
// are written into s.
func JoinForm(s *JoinSettings) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Signaling server").
				Description("Base URL of the room server").
				Validate(validateSignal).
				Value(&s.Signal),

			huh.NewInput().
				Title("Room").
				Description("next_N matches the next N players to arrive").
				Validate(validateRoom).
				Value(&s.Room),

			huh.NewConfirm().
				Title("Let the bot play?").
				Affirmative("Bot").
				Negative("Keyboard").
				Value(&s.Bot),
		),
	).WithWidth(50)
}

// AskJoin runs JoinForm on the terminal, starting from def.
func AskJoin(def JoinSettings) (JoinSettings, error) {
	s := def
	if err := JoinForm(&s).Run(); err != nil {
		return def, err
	}
	return s, nil
}
