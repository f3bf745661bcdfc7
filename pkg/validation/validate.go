// Package validation checks inbound message submissions before they reach
// encryption and the durable queue. Violations accumulate and are joined
// rather than failing fast on the first bad field, so a caller gets the
// complete list of what to fix in one round trip.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nyx-relay/broker/pkg/models"
)

const (
	maxBodyRunes = 1000
	minBodyRunes = 1
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateRegisterRequest checks a submission against the wire format the
// ingress gate accepts: a non-empty client ID, an E.164 sender number, and
// a body of minBodyRunes to maxBodyRunes characters (1 to 1000).
func ValidateRegisterRequest(req models.RegisterRequest) error {
	var problems []string

	if strings.TrimSpace(req.ClientID) == "" {
		problems = append(problems, "client_id is required")
	}
	if !e164Pattern.MatchString(req.Sender) {
		problems = append(problems, fmt.Sprintf("sender_number %q is not a valid E.164 number", req.Sender))
	}
	if n := utf8.RuneCountInString(req.Body); n < minBodyRunes {
		problems = append(problems, "message_body must not be empty")
	} else if n > maxBodyRunes {
		problems = append(problems, fmt.Sprintf("message_body exceeds maximum length: %d > %d", n, maxBodyRunes))
	}
	if !utf8.ValidString(req.Body) {
		problems = append(problems, "message_body is not valid UTF-8")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
