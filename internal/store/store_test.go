package store

import (
	"path/filepath"
	"testing"

	"github.com/campusline/chatsync/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "test.db")
	db, _, err := OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + sync_state)", result.Version)
	}
}

func TestUpsertAndListOrder(t *testing.T) {
	db := testDB(t)

	older := &model.Message{ID: "m1", SenderID: "a", ReceiverID: "me", Content: "old", CreatedAt: "2024-01-01T10:00:00Z"}
	newer := &model.Message{ID: "m2", SenderID: "me", ReceiverID: "b", Content: "new", CreatedAt: "2024-01-02T10:00:00Z"}
	for _, c := range []model.Conversation{
		{UserID: "a", ProfileName: "Anon A", LastMessage: older, UnreadCount: 1},
		{UserID: "b", ProfileName: "Anon B", LastMessage: newer},
		{UserID: "c", ProfileName: "Anon C"},
	} {
		if err := db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	if convs[0].UserID != "b" || convs[1].UserID != "a" || convs[2].UserID != "c" {
		t.Errorf("order = %s,%s,%s; want b,a,c", convs[0].UserID, convs[1].UserID, convs[2].UserID)
	}
	if convs[1].LastMessage == nil || convs[1].LastMessage.Content != "old" || convs[1].UnreadCount != 1 {
		t.Errorf("conversation a = %+v", convs[1])
	}
	if convs[2].LastMessage != nil {
		t.Errorf("conversation c has last message %+v", convs[2].LastMessage)
	}
}

func TestGetConversation(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(model.Conversation{UserID: "a", ProfileName: "A"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.ProfileName != "A" {
		t.Errorf("got %v, want A", c)
	}

	c, err = db.GetConversation("missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation")
	}
}

func TestReplaceConversations(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(model.Conversation{UserID: "stale"}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceConversations([]model.Conversation{{UserID: "x"}, {UserID: "y"}}); err != nil {
		t.Fatal(err)
	}
	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	for _, c := range convs {
		if c.UserID == "stale" {
			t.Error("stale conversation survived replace")
		}
	}
}

func TestUnreadCounters(t *testing.T) {
	db := testDB(t)

	// Adjusting an unknown conversation creates it.
	n, err := db.AdjustUnread("a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}
	if n, err = db.AdjustUnread("a", -5); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread = %d, want 0 (clamped)", n)
	}

	if err := db.SetUnread("a", 7); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 7 {
		t.Errorf("unread = %d, want 7", c.UnreadCount)
	}
}

func TestUpdateLastMessageKeepsNewest(t *testing.T) {
	db := testDB(t)

	newer := model.Message{ID: "m2", Content: "newer", CreatedAt: "2024-01-02T00:00:00Z"}
	older := model.Message{ID: "m1", Content: "older", CreatedAt: "2024-01-01T00:00:00Z"}
	if err := db.UpdateLastMessage("a", newer); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateLastMessage("a", older); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation("a")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Errorf("last message = %+v, want m2", c.LastMessage)
	}
}

func TestEnsureOwnerWipesOnUserChange(t *testing.T) {
	db := testDB(t)

	wiped, err := db.EnsureOwner("u1")
	if err != nil {
		t.Fatal(err)
	}
	if wiped {
		t.Error("fresh cache should not be wiped")
	}
	if err := db.UpsertConversation(model.Conversation{UserID: "a"}); err != nil {
		t.Fatal(err)
	}

	if wiped, err = db.EnsureOwner("u1"); err != nil || wiped {
		t.Fatalf("same owner: wiped=%v err=%v", wiped, err)
	}
	if wiped, err = db.EnsureOwner("u2"); err != nil || !wiped {
		t.Fatalf("new owner: wiped=%v err=%v", wiped, err)
	}
	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("got %d conversations after owner change, want 0", len(convs))
	}
	owner, err := db.GetState(StateOwner)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "u2" {
		t.Errorf("owner = %q, want u2", owner)
	}
}
