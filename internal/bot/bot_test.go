package bot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"guestcast/internal/distribution"
	"guestcast/internal/stats"
	"guestcast/internal/storage"
	kit "guestcast/internal/transport"
	logx "guestcast/pkg/logx"
)

type sentText struct {
	chatID int64
	text   string
}

type sentPhoto struct {
	chatID int64
	fileID string
}

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []sentText
	photos   []sentPhoto
	failTo   map[int64]bool
	menu     []kit.BotCommand
	textSeen chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{failTo: map[int64]bool{}, textSeen: make(chan struct{}, 64)}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.texts = append(f.texts, sentText{chatID: to.ChatID, text: text})
	f.mu.Unlock()
	select {
	case f.textSeen <- struct{}{}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, fileID, _ string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to.ChatID] {
		return kit.MessageRef{}, errors.New("bot was blocked by the user")
	}
	f.photos = append(f.photos, sentPhoto{chatID: to.ChatID, fileID: fileID})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		t.Fatalf("no text sent")
	}
	return f.texts[len(f.texts)-1].text
}

func (f *fakeAdapter) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

type fixture struct {
	bot     *Bot
	adapter *fakeAdapter
	store   *storage.MemoryStore
}

type fixtureOptions struct {
	dispatcher distribution.Dispatcher
	log        logx.Logger
	drain      time.Duration
}

func newFixture(t *testing.T, photographer string) *fixture {
	t.Helper()
	return newFixtureWith(t, photographer, fixtureOptions{})
}

func newFixtureWith(t *testing.T, photographer string, o fixtureOptions) *fixture {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	ad := newFakeAdapter()
	if o.dispatcher == nil {
		o.dispatcher = PhotoDispatcher{Adapter: ad}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	eng := distribution.New(distribution.Config{Workers: 4, RatePerSec: 1000, DispatchTimeout: 10 * time.Second},
		st.Registry(), st.Audit(), o.dispatcher, logx.Nop())
	cfg := Config{PhotographerUsername: photographer, DrainTimeout: o.drain}
	b := New(cfg, ad, st.Registry(), eng, stats.New(st.Registry(), st.Audit()), o.log)
	return &fixture{bot: b, adapter: ad, store: st}
}

// gatedDispatcher holds every send until release is closed or ctx ends.
type gatedDispatcher struct {
	started chan int64
	release chan struct{}
	once    sync.Once
}

func newGatedDispatcher(t *testing.T) *gatedDispatcher {
	g := &gatedDispatcher{started: make(chan int64, 16), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, id int64, _, _ string) error {
	g.started <- id
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedDispatcher) open() { g.once.Do(func() { close(g.release) }) }

func textReq(from kit.Sender, text string) *Request {
	m := &kit.Message{ChatID: from.ID, From: from, Text: text}
	return &Request{Update: kit.Update{Kind: kit.UpdateMessage, Message: m}, Msg: m, Chat: kit.ChatTarget{ChatID: from.ID}, From: from}
}

func photoReq(from kit.Sender, fileID string) *Request {
	m := &kit.Message{ChatID: from.ID, From: from, Photo: &kit.PhotoRef{FileID: fileID}}
	return &Request{Update: kit.Update{Kind: kit.UpdatePhoto, Message: m}, Msg: m, Chat: kit.ChatTarget{ChatID: from.ID}, From: from, Command: "photo"}
}

func (fx *fixture) register(t *testing.T, s kit.Sender) {
	t.Helper()
	if err := fx.bot.commands["start"](context.Background(), textReq(s, "/start")); err != nil {
		t.Fatalf("start(%d): %v", s.ID, err)
	}
}

var (
	alice = kit.Sender{ID: 1, Username: "alice", FirstName: "Alice"}
	bob   = kit.Sender{ID: 2, FirstName: "Bob", LastName: "Stone"}
	photo = kit.Sender{ID: 99, Username: "Shooter", FirstName: "Pat"}
)

func TestStartRegistersGuest(t *testing.T) {
	fx := newFixture(t, "")
	fx.register(t, alice)

	g, ok, err := fx.store.Registry().Get(context.Background(), alice.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if g.Username != "alice" || g.Delivered != 0 {
		t.Fatalf("unexpected guest: %+v", g)
	}
	if got := fx.adapter.lastText(t); !strings.Contains(got, "Welcome Alice!") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStartReportsStorageFailure(t *testing.T) {
	fx := newFixture(t, "")
	_ = fx.store.Close()

	err := fx.bot.commands["start"](context.Background(), textReq(alice, "/start"))
	if !errors.Is(err, storage.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if got := fx.adapter.lastText(t); got != msgRegisterFailed {
		t.Fatalf("reply = %q", got)
	}
}

func TestPhotoFromNonPhotographerIsRejected(t *testing.T) {
	fx := newFixture(t, "@shooter")
	fx.register(t, alice)

	if err := fx.bot.photo(context.Background(), photoReq(bob, "f1")); err != nil {
		t.Fatalf("photo: %v", err)
	}
	if got := fx.adapter.lastText(t); got != msgNotPhotographer {
		t.Fatalf("reply = %q", got)
	}
	if fx.adapter.photoCount() != 0 {
		t.Fatalf("photo was dispatched")
	}
	if n, _ := fx.store.Audit().Count(context.Background()); n != 0 {
		t.Fatalf("audit count = %d, want 0", n)
	}
}

func TestPhotoDistributedToGuestsButNotSender(t *testing.T) {
	fx := newFixture(t, "shooter")
	fx.register(t, alice)
	fx.register(t, bob)
	fx.register(t, photo)
	fx.adapter.failTo[bob.ID] = true

	if err := fx.bot.photo(context.Background(), photoReq(photo, "f1")); err != nil {
		t.Fatalf("photo: %v", err)
	}
	got := fx.adapter.lastText(t)
	if !strings.Contains(got, "Sent to: 1 guests") || !strings.Contains(got, "Failed: 1 guests") {
		t.Fatalf("reply = %q", got)
	}
	for _, p := range fx.adapter.photos {
		if p.chatID == photo.ID {
			t.Fatalf("photographer received their own photo")
		}
	}
	g, _, _ := fx.store.Registry().Get(context.Background(), alice.ID)
	if g.Delivered != 1 {
		t.Fatalf("alice delivered = %d, want 1", g.Delivered)
	}
}

func TestPhotoWithNoGuests(t *testing.T) {
	fx := newFixture(t, "")
	if err := fx.bot.photo(context.Background(), photoReq(photo, "f1")); err != nil {
		t.Fatalf("photo: %v", err)
	}
	if got := fx.adapter.lastText(t); got != msgNoGuestsYet {
		t.Fatalf("reply = %q", got)
	}
}

func TestPhotoAuditFailureRepliesNotRecorded(t *testing.T) {
	fx := newFixture(t, "")
	fx.register(t, alice)
	_ = fx.store.Close()

	err := fx.bot.photo(context.Background(), photoReq(photo, "f1"))
	if !errors.Is(err, distribution.ErrAuditFailed) {
		t.Fatalf("err = %v, want ErrAuditFailed", err)
	}
	if got := fx.adapter.lastText(t); got != msgNotRecorded {
		t.Fatalf("reply = %q", got)
	}
	if fx.adapter.photoCount() != 0 {
		t.Fatalf("photo was dispatched after audit failure")
	}
}

func TestGuestsAndStats(t *testing.T) {
	fx := newFixture(t, "")
	ctx := context.Background()

	if err := fx.bot.commands["guests"](ctx, textReq(alice, "/guests")); err != nil {
		t.Fatalf("guests: %v", err)
	}
	if got := fx.adapter.lastText(t); got != msgNoGuestsListed {
		t.Fatalf("empty guests reply = %q", got)
	}

	fx.register(t, alice)
	fx.register(t, bob)
	if err := fx.bot.photo(ctx, photoReq(photo, "f1")); err != nil {
		t.Fatalf("photo: %v", err)
	}

	if err := fx.bot.commands["guests"](ctx, textReq(alice, "/guests")); err != nil {
		t.Fatalf("guests: %v", err)
	}
	got := fx.adapter.lastText(t)
	if !strings.Contains(got, "Registered Guests (2)") ||
		!strings.Contains(got, "Alice (@alice) - 1 photos") ||
		!strings.Contains(got, "Bob Stone (no username) - 1 photos") {
		t.Fatalf("guests reply = %q", got)
	}

	if err := fx.bot.commands["stats"](ctx, textReq(alice, "/stats")); err != nil {
		t.Fatalf("stats: %v", err)
	}
	got = fx.adapter.lastText(t)
	if !strings.Contains(got, "Registered Guests: 2") ||
		!strings.Contains(got, "Photos Shared: 1") ||
		!strings.Contains(got, "Average Photos/Guest: 0.5") {
		t.Fatalf("stats reply = %q", got)
	}
}

func TestSetPhotographer(t *testing.T) {
	fx := newFixture(t, "someone")
	fx.register(t, alice)
	fx.bot.SetPhotographer("@SHOOTER")

	if err := fx.bot.photo(context.Background(), photoReq(photo, "f1")); err != nil {
		t.Fatalf("photo: %v", err)
	}
	if fx.adapter.photoCount() != 1 {
		t.Fatalf("photos = %d, want 1", fx.adapter.photoCount())
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{"/start", "start", 0, true},
		{"/Guests@EventBot now", "guests", 1, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
		{"", "", 0, false},
	}
	for _, c := range cases {
		name, args, ok := parseCommand(c.in)
		if name != c.name || len(args) != c.args || ok != c.ok {
			t.Fatalf("parseCommand(%q) = %q %v %v", c.in, name, args, ok)
		}
	}
}

func TestDispatchLoopRoutesUpdates(t *testing.T) {
	fx := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- fx.bot.DispatchLoop(ctx, updates) }()

	updates <- textReq(alice, "/start").Update
	updates <- textReq(alice, "what is this").Update

	deadline := time.After(3 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case <-fx.adapter.textSeen:
			seen++
		case <-deadline:
			t.Fatalf("timed out waiting for replies")
		}
	}

	fx.adapter.mu.Lock()
	var welcomed, hinted bool
	for _, s := range fx.adapter.texts {
		welcomed = welcomed || strings.Contains(s.text, "Welcome")
		hinted = hinted || s.text == msgFallback
	}
	fx.adapter.mu.Unlock()
	if !welcomed || !hinted {
		t.Fatalf("welcomed=%v hinted=%v", welcomed, hinted)
	}

	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("DispatchLoop did not return")
	}
}

func TestPublishMenu(t *testing.T) {
	fx := newFixture(t, "")
	if err := fx.bot.PublishMenu(context.Background()); err != nil {
		t.Fatalf("PublishMenu: %v", err)
	}
	if len(fx.adapter.menu) != 4 || fx.adapter.menu[0].Command != "start" {
		t.Fatalf("menu = %+v", fx.adapter.menu)
	}
	if !strings.Contains(helpText(fx.bot.specs), "/stats - View event statistics") {
		t.Fatalf("help text missing stats entry")
	}
}

func (f *fakeAdapter) hasText(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.texts {
		if strings.Contains(s.text, substr) {
			return true
		}
	}
	return false
}

func waitForText(t *testing.T, f *fakeAdapter, substr string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for !f.hasText(substr) {
		select {
		case <-f.textSeen:
		case <-deadline:
			t.Fatalf("no reply containing %q", substr)
		}
	}
}

func startLoop(t *testing.T, b *Bot) (chan kit.Update, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	updates := make(chan kit.Update, 8)
	done := make(chan error, 1)
	go func() { done <- b.DispatchLoop(ctx, updates) }()
	return updates, cancel, done
}

func waitDone(t *testing.T, done <-chan error, within time.Duration) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(within):
		t.Fatalf("DispatchLoop did not return within %v", within)
	}
}

func TestRegistrationDuringHungFanout(t *testing.T) {
	gate := newGatedDispatcher(t)
	fx := newFixtureWith(t, "", fixtureOptions{dispatcher: gate})
	fx.register(t, alice)
	updates, cancel, done := startLoop(t, fx.bot)

	updates <- photoReq(photo, "f1").Update
	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("fan-out never started")
	}

	updates <- textReq(bob, "/start").Update
	waitForText(t, fx.adapter, "Welcome Bob!", 3*time.Second)
	if fx.adapter.hasText("Sent to:") {
		t.Fatalf("fan-out finished before the gate opened")
	}
	if _, ok, _ := fx.store.Registry().Get(context.Background(), bob.ID); !ok {
		t.Fatalf("bob not registered while fan-out was hung")
	}

	gate.open()
	waitForText(t, fx.adapter, "Sent to: 1 guests", 3*time.Second)
	cancel()
	waitDone(t, done, 5*time.Second)
}

func TestDispatchLoopDrainsInflightFanoutOnCancel(t *testing.T) {
	gate := newGatedDispatcher(t)
	fx := newFixtureWith(t, "", fixtureOptions{dispatcher: gate, drain: 5 * time.Second})
	fx.register(t, alice)
	updates, cancel, done := startLoop(t, fx.bot)

	updates <- photoReq(photo, "f1").Update
	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("fan-out never started")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	gate.open()
	waitDone(t, done, 5*time.Second)

	if !fx.adapter.hasText("Sent to: 1 guests") {
		t.Fatalf("in-flight fan-out was not completed; texts=%+v", fx.adapter.texts)
	}
	g, _, _ := fx.store.Registry().Get(context.Background(), alice.ID)
	if g.Delivered != 1 {
		t.Fatalf("alice delivered = %d, want 1", g.Delivered)
	}
}

func TestDispatchLoopDrainIsBounded(t *testing.T) {
	gate := newGatedDispatcher(t)
	fx := newFixtureWith(t, "", fixtureOptions{dispatcher: gate, drain: 100 * time.Millisecond})
	fx.register(t, alice)
	updates, cancel, done := startLoop(t, fx.bot)

	updates <- photoReq(photo, "f1").Update
	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("fan-out never started")
	}

	start := time.Now()
	cancel()
	waitDone(t, done, 3*time.Second)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("drain took %v", took)
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	fx := newFixture(t, "")
	updates, cancel, done := startLoop(t, fx.bot)

	updates <- textReq(alice, "/nope").Update
	updates <- textReq(alice, "/help").Update
	waitForText(t, fx.adapter, "/stats - View event statistics", 3*time.Second)

	cancel()
	waitDone(t, done, 5*time.Second)

	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.texts) != 1 {
		t.Fatalf("texts = %+v, want only the help reply", fx.adapter.texts)
	}
}

func TestStartAgainLogsReset(t *testing.T) {
	var buf bytes.Buffer
	fx := newFixtureWith(t, "", fixtureOptions{log: logx.NewWriter(&buf, "info")})
	fx.register(t, alice)
	if err := fx.store.Registry().IncrementDelivered(context.Background(), alice.ID); err != nil {
		t.Fatalf("IncrementDelivered: %v", err)
	}
	fx.register(t, alice)

	out := buf.String()
	if !strings.Contains(out, "guest re-registered") || !strings.Contains(out, `"previous_delivered":1`) {
		t.Fatalf("log = %s", out)
	}
	g, _, _ := fx.store.Registry().Get(context.Background(), alice.ID)
	if g.Delivered != 0 {
		t.Fatalf("delivered = %d, want 0 after re-registration", g.Delivered)
	}
}
