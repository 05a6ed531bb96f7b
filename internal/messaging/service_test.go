package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/storage"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []string
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close(reason string) {}

func (f *fakeConn) received(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type recordingPush struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingPush) SendToUser(ctx context.Context, userID string, n models.Notification) (models.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, userID)
	return models.PushResult{Success: true, DeliveredCount: 1}, nil
}

// failingStore wraps the memory store and fails SaveMessage on demand.
type failingStore struct {
	*storage.MemoryStore
	failSave bool
}

func (f *failingStore) SaveMessage(ctx context.Context, m *models.Message) error {
	if f.failSave {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.SaveMessage(ctx, m)
}

type chatRig struct {
	svc      *Service
	registry *dispatch.Registry
	rooms    *dispatch.Rooms
	store    *failingStore
	push     *recordingPush
	dir      *directory.StaticDirectory
	now      time.Time
}

func newChatRig(t *testing.T) *chatRig {
	t.Helper()
	logger := logging.Discard()
	registry := dispatch.NewRegistry(logger)
	rooms := dispatch.NewRooms(logger)
	push := &recordingPush{}
	dir := directory.NewInsecureDirectory()
	notifier := &dispatch.Notifier{
		Registry:  registry,
		Rooms:     rooms,
		Geo:       geo.NewIndex(),
		Directory: dir,
		Push:      push,
		Logger:    logger,
	}
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	rig := &chatRig{registry: registry, rooms: rooms, store: store, push: push, dir: dir, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rig.svc = NewService(ServiceOptions{
		Registry:            registry,
		Rooms:               rooms,
		Notifier:            notifier,
		Directory:           dir,
		Store:               store,
		Logger:              logger,
		ModerationThreshold: 2,
		Now:                 func() time.Time { return rig.now },
	})
	return rig
}

func (r *chatRig) connect(userID string) *fakeConn {
	conn := newFakeConn("conn-" + userID)
	r.registry.Register(userID, models.RolePassenger, conn)
	r.rooms.Join(dispatch.UserRoom(userID), conn)
	return conn
}

func TestSendOfflineThenDelivered(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("alice")

	// bob is offline: the message stays sent and goes out via push
	first, err := rig.svc.Send(context.Background(), "alice", "bob", "on my way", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Status != models.MessageSent {
		t.Fatalf("offline recipient should leave status sent, got %s", first.Status)
	}
	if len(rig.push.sent) != 1 || rig.push.sent[0] != "bob" {
		t.Fatalf("expected offline push to bob, got %v", rig.push.sent)
	}

	// bob connects: the next send is delivered live
	bob := rig.connect("bob")
	second, err := rig.svc.Send(context.Background(), "alice", "bob", "almost there", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if second.Status != models.MessageDelivered || second.DeliveredAt == nil {
		t.Fatalf("online recipient should get delivered, got %+v", second)
	}
	if bob.received(models.EventMessageNew) != 1 {
		t.Fatal("online recipient missed the live event")
	}
	if first.ConversationID != second.ConversationID {
		t.Fatal("pair messages must share one conversation")
	}
}

func TestSendValidatesInput(t *testing.T) {
	rig := newChatRig(t)
	if _, err := rig.svc.Send(context.Background(), "alice", "bob", "   ", models.MessageText, ""); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("blank body must fail validation, got %v", err)
	}
	if _, err := rig.svc.Send(context.Background(), "alice", "alice", "hi", models.MessageText, ""); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("self-send must fail validation, got %v", err)
	}
}

func TestSendFailsWhenPersistFails(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("bob")
	rig.store.failSave = true

	_, err := rig.svc.Send(context.Background(), "alice", "bob", "hello", models.MessageText, "")
	if !models.IsCode(err, models.CodeDependency) {
		t.Fatalf("persist failure must fail the send, got %v", err)
	}
	if len(rig.push.sent) != 0 {
		t.Fatal("nothing should fan out for an unpersisted message")
	}
}

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	rig := newChatRig(t)
	m1, _ := rig.svc.Send(context.Background(), "alice", "bob", "hi", models.MessageText, "")
	m2, _ := rig.svc.Send(context.Background(), "bob", "alice", "hey", models.MessageText, "")
	if m1.ConversationID != m2.ConversationID {
		t.Fatal("direct conversation must be shared in both directions")
	}

	g1, _ := rig.svc.Send(context.Background(), "alice", "bob", "here?", models.MessageText, "trip-1")
	if g1.ConversationID == m1.ConversationID {
		t.Fatal("trip conversation must be distinct from the direct one")
	}
}

func TestMarkReadIsRecipientOnlyAndIdempotent(t *testing.T) {
	rig := newChatRig(t)
	alice := rig.connect("alice")
	rig.connect("bob")
	msg, err := rig.svc.Send(context.Background(), "alice", "bob", "hello", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	conv, _ := rig.svc.Conversation(msg.ConversationID)
	if conv.UnreadCounts["bob"] != 1 {
		t.Fatalf("expected one unread for bob, got %d", conv.UnreadCounts["bob"])
	}

	if _, err := rig.svc.MarkRead(context.Background(), msg.ID, "alice"); !models.IsCode(err, models.CodeUnauthorized) {
		t.Fatalf("sender reading own message must fail, got %v", err)
	}

	read, err := rig.svc.MarkRead(context.Background(), msg.ID, "bob")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if read.Status != models.MessageRead || read.ReadAt == nil {
		t.Fatalf("expected read status with stamp, got %+v", read)
	}
	if alice.received(models.EventMessageRead) != 1 {
		t.Fatal("sender missed the read receipt")
	}

	again, err := rig.svc.MarkRead(context.Background(), msg.ID, "bob")
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if again.Status != models.MessageRead {
		t.Fatalf("status regressed to %s", again.Status)
	}
	conv, _ = rig.svc.Conversation(msg.ConversationID)
	if conv.UnreadCounts["bob"] != 0 {
		t.Fatalf("unread must be decremented exactly once, got %d", conv.UnreadCounts["bob"])
	}
	if alice.received(models.EventMessageRead) != 1 {
		t.Fatal("repeat read must not re-notify the sender")
	}
}

func TestMessageStatusMonotonic(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("bob")
	msg, _ := rig.svc.Send(context.Background(), "alice", "bob", "hello", models.MessageText, "")
	if msg.Status != models.MessageDelivered {
		t.Fatalf("expected delivered, got %s", msg.Status)
	}
	read, _ := rig.svc.MarkRead(context.Background(), msg.ID, "bob")
	if read.Status.Rank() <= msg.Status.Rank() {
		t.Fatalf("status must advance: %s then %s", msg.Status, read.Status)
	}
}

func TestReportDuplicateAndThreshold(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("bob")
	mod := newFakeConn("conn-mod")
	rig.rooms.Join(dispatch.RoomModeration, mod)

	msg, _ := rig.svc.Send(context.Background(), "alice", "bob", "spam", models.MessageText, "")
	if err := rig.svc.Report(context.Background(), msg.ID, "bob", "spam"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := rig.svc.Report(context.Background(), msg.ID, "bob", "spam"); !models.IsCode(err, models.CodeAlreadyReported) {
		t.Fatalf("duplicate report must fail, got %v", err)
	}
	if mod.received(models.EventMessageFlagged) != 0 {
		t.Fatal("flagged below threshold")
	}
	if err := rig.svc.Report(context.Background(), msg.ID, "carol", "abuse"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if mod.received(models.EventMessageFlagged) != 1 {
		t.Fatal("moderation room missed the threshold flag")
	}
}

func TestSoftDeleteAuthorizationAndTombstone(t *testing.T) {
	rig := newChatRig(t)
	bob := rig.connect("bob")
	msg, _ := rig.svc.Send(context.Background(), "alice", "bob", "oops", models.MessageText, "")

	if err := rig.svc.SoftDelete(context.Background(), msg.ID, "bob"); !models.IsCode(err, models.CodeUnauthorized) {
		t.Fatalf("recipient may not delete, got %v", err)
	}
	if err := rig.svc.SoftDelete(context.Background(), msg.ID, "alice"); err != nil {
		t.Fatalf("SoftDelete by sender: %v", err)
	}
	if bob.received(models.EventMessageDeleted) != 1 {
		t.Fatal("participants missed the deletion broadcast")
	}

	// the insecure directory grants moderator role via the mod- prefix
	msg2, _ := rig.svc.Send(context.Background(), "alice", "bob", "hmm", models.MessageText, "")
	if err := rig.svc.SoftDelete(context.Background(), msg2.ID, "mod-1"); err != nil {
		t.Fatalf("SoftDelete by moderator: %v", err)
	}

	history, err := rig.svc.History(context.Background(), msg.ConversationID, "alice", models.Page{Limit: 10})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range history {
		if m.Deleted && m.Body != "" {
			t.Fatalf("tombstoned body leaked: %+v", m)
		}
	}
}

func TestConcurrentSendAndReadShareConversationLock(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("alice")
	rig.connect("bob")
	ctx := context.Background()

	first, err := rig.svc.Send(ctx, "alice", "bob", "hello", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// sends and reads race on the same conversation; the race detector
	// catches any window where they stop excluding each other
	const n = 100
	ids := make(chan string, n)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(ids)
		for i := 0; i < n; i++ {
			msg, err := rig.svc.Send(ctx, "alice", "bob", "ping", models.MessageText, "")
			if err != nil {
				t.Errorf("Send: %v", err)
				return
			}
			ids <- msg.ID
		}
	}()
	go func() {
		defer wg.Done()
		for id := range ids {
			if _, err := rig.svc.MarkRead(ctx, id, "bob"); err != nil {
				t.Errorf("MarkRead: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if _, err := rig.svc.MarkRead(ctx, first.ID, "bob"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	conv, ok := rig.svc.Conversation(first.ConversationID)
	if !ok {
		t.Fatal("conversation missing")
	}
	if conv.UnreadCounts["bob"] != 0 {
		t.Fatalf("unread = %d after reading everything", conv.UnreadCounts["bob"])
	}
}

func TestHistoryRejectsNegativePaging(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("bob")
	msg, _ := rig.svc.Send(context.Background(), "alice", "bob", "hi", models.MessageText, "")

	if _, err := rig.svc.History(context.Background(), msg.ConversationID, "alice", models.Page{Offset: -3, Limit: 10}); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("negative offset must fail validation, got %v", err)
	}
	if _, err := rig.svc.History(context.Background(), msg.ConversationID, "alice", models.Page{Limit: -1}); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("negative limit must fail validation, got %v", err)
	}
}

func TestHistoryRequiresParticipant(t *testing.T) {
	rig := newChatRig(t)
	rig.connect("bob")
	msg, _ := rig.svc.Send(context.Background(), "alice", "bob", "hi", models.MessageText, "")

	if _, err := rig.svc.History(context.Background(), msg.ConversationID, "eve", models.Page{}); !models.IsCode(err, models.CodeUnauthorized) {
		t.Fatalf("outsider history read must fail, got %v", err)
	}
	msgs, err := rig.svc.History(context.Background(), msg.ConversationID, "bob", models.Page{Limit: 10})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if _, err := rig.svc.History(context.Background(), "ghost", "bob", models.Page{}); !models.IsCode(err, models.CodeNotFound) {
		t.Fatalf("unknown conversation must be NOT_FOUND, got %v", err)
	}
}
