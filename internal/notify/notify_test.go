package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func TestNotifier_sendOtpRoutesByChannel(t *testing.T) {
	email := &recordingSender{}
	sms := &recordingSender{}
	d := NewDispatcher(DispatcherConfig{Workers: 2}, map[Channel]Sender{Email: email, SMS: sms}, zap.NewNop(), nil)
	n := NewNotifier(d, "")

	n.SendOtp(Email, "a@x.com", "123456", 5*time.Minute)
	n.SendOtp(SMS, "+15550001111", "654321", 5*time.Minute)
	n.SendWelcome("a@x.com", "Ann Lee", "STUDENT")
	d.Close()

	emails := email.sent()
	require.Len(t, emails, 2)
	var otpMail Message
	for _, m := range emails {
		if m.Subject != "Welcome to FMT Mentoring" {
			otpMail = m
		}
	}
	assert.Contains(t, otpMail.Body, "123456")
	assert.Contains(t, otpMail.Body, "5 minutes")
	assert.Contains(t, otpMail.HTML, "123456")

	texts := sms.sent()
	require.Len(t, texts, 1)
	assert.Equal(t, "+15550001111", texts[0].To)
	assert.Contains(t, texts[0].Body, "654321")
	assert.Empty(t, texts[0].HTML)
}

func TestDispatcher_breakerOpensAfterFailures(t *testing.T) {
	failing := &recordingSender{err: errors.New("provider down")}
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxFailures: 2, BreakerCooldown: time.Hour},
		map[Channel]Sender{SMS: failing}, zap.New(core), nil)

	for i := 0; i < 4; i++ {
		d.Dispatch(Message{Channel: SMS, To: "+15550001111", Body: "x"})
	}
	d.Close()

	assert.Len(t, failing.sent(), 2, "open breaker short-circuits later sends")
	assert.Equal(t, 2, logs.FilterMessage("notification delivery failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("notification skipped, circuit open").Len())
}

// blockingSender holds every Send until release is closed
type blockingSender struct {
	recordingSender
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSender) Send(ctx context.Context, msg Message) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.recordingSender.Send(ctx, msg)
}

func TestDispatcher_fullQueueDrops(t *testing.T) {
	s := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, map[Channel]Sender{Email: s}, zap.New(core), nil)

	d.Dispatch(Message{Channel: Email, To: "a@x.com", Subject: "1"})
	<-s.started
	d.Dispatch(Message{Channel: Email, To: "a@x.com", Subject: "2"})
	d.Dispatch(Message{Channel: Email, To: "a@x.com", Subject: "3"})
	d.Dispatch(Message{Channel: Email, To: "a@x.com", Subject: "4"})

	assert.Equal(t, uint64(2), d.Dropped())
	assert.Equal(t, 2, logs.FilterMessage("notification queue full, dropping message").Len())

	close(s.release)
	d.Close()
	assert.Len(t, s.sent(), 2)
}

func TestDispatcher_missingSenderIsIsolated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(DispatcherConfig{}, map[Channel]Sender{}, zap.New(core), nil)
	d.Dispatch(Message{Channel: SMS, To: "+15550001111"})
	d.Close()
	assert.Equal(t, 1, logs.FilterMessage("no sender for channel").Len())
}

func TestDispatcher_dispatchAfterCloseIsIgnored(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(DispatcherConfig{}, map[Channel]Sender{Email: s}, zap.NewNop(), nil)
	d.Close()
	d.Dispatch(Message{Channel: Email, To: "a@x.com", Subject: "s"})
	assert.Empty(t, s.sent())
}

func TestHTTPEmailSender(t *testing.T) {
	var got sendEmailReq
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTPEmailSender(srv.URL, "key-1", "noreply@fmt.test", "FMT", time.Second)
	require.NotNil(t, s)

	err := s.Send(context.Background(), Message{Channel: Email, To: "a@x.com", Subject: "Hi", Body: "text", HTML: "<p>html</p>"})
	require.NoError(t, err)
	assert.Equal(t, "key-1", apiKey)
	assert.Equal(t, "a@x.com", got.To[0]["email"])
	assert.Equal(t, "noreply@fmt.test", got.Sender["email"])
	assert.Equal(t, "<p>html</p>", got.HtmlContent)
}

func TestHTTPEmailSender_errorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized"}`))
	}))
	defer srv.Close()

	s := NewHTTPEmailSender(srv.URL, "bad", "noreply@fmt.test", "FMT", time.Second)
	err := s.Send(context.Background(), Message{Channel: Email, To: "a@x.com", Subject: "Hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestUnconfiguredSendersAreNil(t *testing.T) {
	assert.Nil(t, NewHTTPEmailSender("", "", "", "", time.Second))
	assert.Nil(t, NewTwilioSMSSender("", "", ""))
}

func TestLogSender_hidesBodyOutsideDevelopment(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prod := NewLogSender(zap.New(core), false)
	require.NoError(t, prod.Send(context.Background(), Message{Channel: SMS, To: "+491234567890", Body: "code 123456"}))

	entry := logs.All()[0]
	assert.NotContains(t, entry.ContextMap(), "body")
	assert.Equal(t, "+4*********90", entry.ContextMap()["to"])

	core, logs = observer.New(zap.InfoLevel)
	dev := NewLogSender(zap.New(core), true)
	require.NoError(t, dev.Send(context.Background(), Message{Channel: Email, To: "ann@x.com", Body: "code 123456"}))
	assert.Equal(t, "code 123456", logs.All()[0].ContextMap()["body"])
}

func TestChannelString(t *testing.T) {
	assert.Equal(t, "email", Email.String())
	assert.Equal(t, "sms", SMS.String())
	assert.Equal(t, "unknown", Channel(0).String())
}
