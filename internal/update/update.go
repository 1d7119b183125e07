// Package update defines the immutable event record the hub fans out to
// subscribers and the rules for building one from a publisher's form post.
package update

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrIDNotAllowed is wrapped into the error Build returns when the form sets
// id but the publisher's selectors don't cover it — the one case in Build
// that is an authorization failure rather than a malformed request.
var ErrIDNotAllowed = errors.New("publisher is not allowed to set this id")

// Update is a single event published to the hub. It is immutable once
// constructed; every field is set at build time and never mutated.
type Update struct {
	ID              string
	CanonicalTopic  string
	AlternateTopics []string
	Data            string
	Type            string
	Retry           int
	HasRetry        bool
	Private         bool
	CreatedAt       time.Time
}

// Topics returns the canonical topic followed by every alternate topic, the
// candidate set a TopicSelector is matched against.
func (u *Update) Topics() []string {
	out := make([]string, 0, 1+len(u.AlternateTopics))
	out = append(out, u.CanonicalTopic)
	out = append(out, u.AlternateTopics...)
	return out
}

// NewID mints a fresh resume cursor for a server-assigned update id.
func NewID() string {
	return "urn:uuid:" + uuid.NewString()
}

// IDCoverage reports whether the publisher's selectors permit it to set id
// explicitly: either a literal wildcard or a selector matching id itself.
type IDCoverage func(id string) bool

// Build constructs an Update from parsed publish form values. now is injected
// so construction stays deterministic and testable. idAllowed is consulted
// only when the form supplies an id; it implements the publisher-authorization
// rule in mercure.rocks §Publication (a client-supplied id requires a
// covering publish selector).
func Build(form url.Values, now time.Time, idAllowed IDCoverage) (*Update, error) {
	topics := form["topic"]
	topics = nonEmpty(topics)
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	id := strings.TrimSpace(form.Get("id"))
	if id != "" {
		if idAllowed == nil || !idAllowed(id) {
			return nil, fmt.Errorf("id %q: %w", id, ErrIDNotAllowed)
		}
	} else {
		id = NewID()
	}

	u := &Update{
		ID:              id,
		CanonicalTopic:  topics[0],
		AlternateTopics: topics[1:],
		Data:            form.Get("data"),
		Type:            form.Get("type"),
		Private:         isTruthy(form.Get("private")),
		CreatedAt:       now,
	}

	if retry := strings.TrimSpace(form.Get("retry")); retry != "" {
		n, err := strconv.Atoi(retry)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("retry must be a non-negative integer, got %q", retry)
		}
		u.Retry = n
		u.HasRetry = true
	}

	return u, nil
}

func nonEmpty(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func isTruthy(v string) bool {
	return v != ""
}

// SSEFrame renders the update as a Server-Sent Event frame per the HTML
// Living Standard: id line, optional event/retry lines, then one or more
// data lines, terminated by a blank line.
func (u *Update) SSEFrame() []byte {
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(u.ID)
	b.WriteByte('\n')
	if u.Type != "" {
		b.WriteString("event: ")
		b.WriteString(u.Type)
		b.WriteByte('\n')
	}
	if u.HasRetry {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(u.Retry))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(u.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}
