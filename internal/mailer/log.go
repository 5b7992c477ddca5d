package mailer

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSender renders messages and logs them instead of sending. Used in dev.
type LogSender struct {
	log      zerolog.Logger
	renderer *Renderer
}

func NewLogSender(log zerolog.Logger, renderer *Renderer) *LogSender {
	return &LogSender{log: log.With().Str("component", "mailer").Logger(), renderer: renderer}
}

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	rendered, err := s.renderer.Render(msg.Template, msg.Variables)
	if err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	s.log.Info().
		Str("message_id", id).
		Str("to", msg.Recipient).
		Str("template", msg.Template).
		Str("subject", rendered.Subject).
		Msg("email logged")
	return id, nil
}
