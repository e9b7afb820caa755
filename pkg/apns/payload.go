package apns

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	apnserrors "github.com/kart-io/apnshub/pkg/errors"
)

// DefaultMaxPayloadLength is the largest payload the binary gateway accepts.
const DefaultMaxPayloadLength = 2048

// DefaultSound plays the device's default alert sound.
const DefaultSound = "default"

// PayloadBuilder assembles the JSON payload of a notification. Setters can be
// chained; a conflicting combination is reported by Build.
type PayloadBuilder struct {
	alertBody        *string
	alertTitle       *string
	locKey           *string
	locArgs          []string
	titleLocKey      *string
	titleLocArgs     []string
	launchImage      *string
	hideAction       bool
	actionLocKey     *string
	badge            *int
	sound            *string
	category         *string
	contentAvailable bool
	custom           map[string]any
	err              error
}

// NewPayloadBuilder returns an empty builder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{custom: make(map[string]any)}
}

func (b *PayloadBuilder) fail(msg string) *PayloadBuilder {
	if b.err == nil {
		b.err = apnserrors.New(apnserrors.ErrInvalidMessage, msg)
	}
	return b
}

// AlertBody sets a literal alert message. It conflicts with LocalizedAlert.
func (b *PayloadBuilder) AlertBody(body string) *PayloadBuilder {
	if b.locKey != nil {
		return b.fail("cannot set a literal alert body when a localized alert key is set")
	}
	b.alertBody = &body
	return b
}

// LocalizedAlert sets a localized alert key with optional format arguments.
func (b *PayloadBuilder) LocalizedAlert(key string, args ...string) *PayloadBuilder {
	if b.alertBody != nil {
		return b.fail("cannot set a localized alert key when a literal alert body is set")
	}
	b.locKey = &key
	b.locArgs = args
	return b
}

// AlertTitle sets a literal alert title. It conflicts with LocalizedAlertTitle.
func (b *PayloadBuilder) AlertTitle(title string) *PayloadBuilder {
	if b.titleLocKey != nil {
		return b.fail("cannot set a literal alert title when a localized title key is set")
	}
	b.alertTitle = &title
	return b
}

// LocalizedAlertTitle sets a localized title key with optional format arguments.
func (b *PayloadBuilder) LocalizedAlertTitle(key string, args ...string) *PayloadBuilder {
	if b.alertTitle != nil {
		return b.fail("cannot set a localized title key when a literal alert title is set")
	}
	b.titleLocKey = &key
	b.titleLocArgs = args
	return b
}

// LaunchImage sets the launch image file name.
func (b *PayloadBuilder) LaunchImage(name string) *PayloadBuilder {
	b.launchImage = &name
	return b
}

// ShowActionButton controls whether the alert shows an action button.
func (b *PayloadBuilder) ShowActionButton(show bool) *PayloadBuilder {
	b.hideAction = !show
	return b
}

// LocalizedActionButton sets the localized key of the action button.
func (b *PayloadBuilder) LocalizedActionButton(key string) *PayloadBuilder {
	b.actionLocKey = &key
	return b
}

// Badge sets the application badge number.
func (b *PayloadBuilder) Badge(n int) *PayloadBuilder {
	b.badge = &n
	return b
}

// Sound sets the sound file name; use DefaultSound for the system sound.
func (b *PayloadBuilder) Sound(name string) *PayloadBuilder {
	b.sound = &name
	return b
}

// Category sets the notification category.
func (b *PayloadBuilder) Category(name string) *PayloadBuilder {
	b.category = &name
	return b
}

// ContentAvailable marks the notification as a background update.
func (b *PayloadBuilder) ContentAvailable(v bool) *PayloadBuilder {
	b.contentAvailable = v
	return b
}

// CustomProperty adds a top-level key next to "aps".
func (b *PayloadBuilder) CustomProperty(key string, value any) *PayloadBuilder {
	b.custom[key] = value
	return b
}

// Build renders the payload with DefaultMaxPayloadLength.
func (b *PayloadBuilder) Build() (string, error) {
	return b.BuildWithMaxLength(DefaultMaxPayloadLength)
}

// BuildWithMaxLength renders the payload. When it exceeds maxLength bytes and
// a literal alert body is present, the body is shortened with "..." until it
// fits; otherwise an error is returned.
func (b *PayloadBuilder) BuildWithMaxLength(maxLength int) (string, error) {
	if b.err != nil {
		return "", b.err
	}

	payload, err := b.render(b.alertBody)
	if err != nil {
		return "", err
	}
	if len(payload) <= maxLength {
		return string(payload), nil
	}
	if b.alertBody == nil {
		return "", apnserrors.Newf(apnserrors.ErrMessageTooLarge,
			"payload length is %d bytes (with a maximum of %d bytes) and cannot be shortened", len(payload), maxLength)
	}

	empty := ""
	withEmpty, err := b.render(&empty)
	if err != nil {
		return "", err
	}
	if len(withEmpty) > maxLength {
		return "", apnserrors.New(apnserrors.ErrMessageTooLarge, "payload exceeds maximum length even with an empty message body")
	}

	for budget := maxLength - len(withEmpty); ; budget-- {
		body, err := abbreviate(*b.alertBody, budget)
		if err != nil {
			return "", err
		}
		payload, err = b.render(&body)
		if err != nil {
			return "", err
		}
		if len(payload) <= maxLength {
			return string(payload), nil
		}
	}
}

// abbreviate shortens s to at most maxBytes bytes, ending in "...", without
// splitting a UTF-8 sequence.
func abbreviate(s string, maxBytes int) (string, error) {
	if len(s) <= maxBytes {
		return s, nil
	}
	if maxBytes <= 3 {
		return "", apnserrors.New(apnserrors.ErrMessageTooLarge, "cannot abbreviate alert body to fewer than three characters")
	}
	cut := maxBytes - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...", nil
}

func (b *PayloadBuilder) render(body *string) ([]byte, error) {
	aps := make(map[string]any)
	if b.badge != nil {
		aps["badge"] = *b.badge
	}
	if b.sound != nil {
		aps["sound"] = *b.sound
	}
	if b.category != nil {
		aps["category"] = *b.category
	}
	if b.contentAvailable {
		aps["content-available"] = 1
	}
	if alert := b.alert(body); alert != nil {
		aps["alert"] = alert
	}

	root := make(map[string]any, len(b.custom)+1)
	for k, v := range b.custom {
		root[k] = v
	}
	root["aps"] = aps

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return nil, apnserrors.Wrap(err, apnserrors.ErrMessageEncoding, "cannot encode payload")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (b *PayloadBuilder) alert(body *string) any {
	hasContent := body != nil || b.alertTitle != nil || b.titleLocKey != nil || b.locKey != nil ||
		b.actionLocKey != nil || b.launchImage != nil || b.hideAction
	if !hasContent {
		return nil
	}

	asString := body != nil && b.launchImage == nil && !b.hideAction && b.actionLocKey == nil &&
		b.alertTitle == nil && b.titleLocKey == nil && b.locKey == nil
	if asString {
		return *body
	}

	alert := make(map[string]any)
	if body != nil {
		alert["body"] = *body
	}
	if b.alertTitle != nil {
		alert["title"] = *b.alertTitle
	}
	if b.hideAction {
		// a present-but-null key hides the button
		alert["action-loc-key"] = nil
	} else if b.actionLocKey != nil {
		alert["action-loc-key"] = *b.actionLocKey
	}
	if b.locKey != nil {
		alert["loc-key"] = *b.locKey
		if b.locArgs != nil {
			alert["loc-args"] = b.locArgs
		}
	}
	if b.titleLocKey != nil {
		alert["title-loc-key"] = *b.titleLocKey
		if b.titleLocArgs != nil {
			alert["title-loc-args"] = b.titleLocArgs
		}
	}
	if b.launchImage != nil {
		alert["launch-image"] = *b.launchImage
	}
	return alert
}
