package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/livepipe/internal/auth"
)

type TokenCmd struct {
	Subject    string        `help:"Subject identifier recorded as the run sender" required:""`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"ES256 signing key (PEM)" required:"" env:"LIVEPIPE_SIGNING_KEY"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	token, err := auth.IssueToken(t.SigningKey, t.Subject, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
