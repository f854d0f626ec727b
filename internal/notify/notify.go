// Package notify delivers OTP and welcome messages over email and SMS.
// Delivery is asynchronous and best-effort: failures are logged and counted, never returned to callers.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/logger"
)

// Channel is the delivery medium of a message
type Channel int

const (
	Email Channel = iota + 1
	SMS
)

func (c Channel) String() string {
	switch c {
	case Email:
		return "email"
	case SMS:
		return "sms"
	default:
		return "unknown"
	}
}

// Message is one outbound notification
type Message struct {
	Channel Channel
	To      string
	Subject string
	Body    string
	HTML    string
}

// Sender delivers a message on a single channel
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier renders auth notifications and queues them on a Dispatcher
type Notifier struct {
	dispatcher *Dispatcher
	appName    string
}

func NewNotifier(dispatcher *Dispatcher, appName string) *Notifier {
	if appName == "" {
		appName = "FMT Mentoring"
	}
	return &Notifier{dispatcher: dispatcher, appName: appName}
}

// SendOtp queues an OTP for destination on channel
func (n *Notifier) SendOtp(channel Channel, destination, code string, expiry time.Duration) {
	minutes := int(expiry.Minutes())
	msg := Message{
		Channel: channel,
		To:      destination,
		Subject: fmt.Sprintf("%s verification code", n.appName),
		Body:    fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.", n.appName, code, minutes),
	}
	if channel == Email {
		msg.HTML = fmt.Sprintf(
			`<p>Your verification code is</p><h2 style="letter-spacing:4px">%s</h2><p>It expires in %d minutes. If you did not request it, ignore this email.</p>`,
			code, minutes)
	}
	n.dispatcher.Dispatch(msg)
}

// SendWelcome queues the post-registration email
func (n *Notifier) SendWelcome(email, name, role string) {
	n.dispatcher.Dispatch(Message{
		Channel: Email,
		To:      email,
		Subject: fmt.Sprintf("Welcome to %s", n.appName),
		Body:    fmt.Sprintf("Hi %s, your %s account is ready.", name, role),
		HTML:    fmt.Sprintf("<p>Hi %s,</p><p>Your %s account is ready. Happy learning!</p>", name, role),
	})
}

func maskDestination(msg Message) string {
	if msg.Channel == SMS {
		return logger.MaskPhone(msg.To)
	}
	return logger.MaskEmail(msg.To)
}
