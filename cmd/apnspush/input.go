package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kart-io/apnshub/pkg/apns"
	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 64 * 1024

// request is one line of input.
type request struct {
	Token      string          `json:"token"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Alert      string          `json:"alert,omitempty"`
	Badge      *int            `json:"badge,omitempty"`
	Sound      string          `json:"sound,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Expiration int64           `json:"expiration,omitempty"`
}

// output is the form residual notifications are printed in.
type output struct {
	Token      string          `json:"token"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	Expiration int64           `json:"expiration,omitempty"`
}

func parseRequest(line []byte) (apns.Notification, error) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return apns.Notification{}, fmt.Errorf("decode request: %w", err)
	}
	token, err := apns.TokenFromString(req.Token)
	if err != nil {
		return apns.Notification{}, err
	}
	if len(token) == 0 {
		return apns.Notification{}, apnserrors.New(apnserrors.ErrMissingRequired, "token is required")
	}

	var payload string
	switch {
	case len(req.Payload) > 0:
		if !json.Valid(req.Payload) {
			return apns.Notification{}, fmt.Errorf("payload is not valid JSON")
		}
		payload = string(req.Payload)
	case req.Alert != "" || req.Badge != nil || req.Sound != "":
		b := apns.NewPayloadBuilder()
		if req.Alert != "" {
			b.AlertBody(req.Alert)
		}
		if req.Badge != nil {
			b.Badge(*req.Badge)
		}
		if req.Sound != "" {
			b.Sound(req.Sound)
		}
		if payload, err = b.Build(); err != nil {
			return apns.Notification{}, err
		}
	default:
		return apns.Notification{}, apnserrors.New(apnserrors.ErrMissingRequired, "either payload or alert is required")
	}

	n := apns.NewNotification(token, payload)
	if req.Priority != 0 {
		if req.Priority < 0 || req.Priority > 255 {
			return apns.Notification{}, fmt.Errorf("unsupported priority %d", req.Priority)
		}
		p, err := apns.PriorityFromCode(uint8(req.Priority))
		if err != nil {
			return apns.Notification{}, err
		}
		n = n.WithPriority(p)
	}
	if req.Expiration != 0 {
		n = n.WithExpiration(time.Unix(req.Expiration, 0))
	}
	return n, nil
}

func formatNotification(n apns.Notification) ([]byte, error) {
	out := output{
		Token:    apns.TokenToString(n.Token),
		Payload:  json.RawMessage(n.Payload),
		Priority: int(n.Priority.Code()),
	}
	if !json.Valid(out.Payload) {
		quoted, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = quoted
	}
	if n.Expiration != nil {
		out.Expiration = n.Expiration.Unix()
	}
	return json.Marshal(out)
}

// readRequests parses r line by line and calls submit for every valid
// request. Blank lines are skipped; malformed lines are passed to bad. It
// returns when r is exhausted or ctx is done.
func readRequests(ctx context.Context, r io.Reader, submit func(apns.Notification), bad func(line int, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		n, err := parseRequest([]byte(text))
		if err != nil {
			bad(line, err)
			continue
		}
		submit(n)
	}
	return scanner.Err()
}
