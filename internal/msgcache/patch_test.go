package msgcache

import (
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id, text string) Message {
	return Message{ID: id, ConversationID: "7", Text: text, Timestamp: t0, Status: StatusDelivered}
}

func conv(pages ...[]Message) Conversation {
	c := Conversation{}
	for _, p := range pages {
		c.Pages = append(c.Pages, Page{Messages: p})
	}
	return c
}

func ids(c Conversation) []string {
	var out []string
	for _, m := range c.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestAppendIfAbsentCreatesFirstPage(t *testing.T) {
	got := AppendIfAbsent(msg("1", "hi"))(Conversation{})
	if len(got.Pages) != 1 || got.Len() != 1 {
		t.Fatalf("pages = %d len = %d, want 1 1", len(got.Pages), got.Len())
	}
}

func TestAppendIfAbsentAddsToNewestPage(t *testing.T) {
	c := conv([]Message{msg("3", "c")}, []Message{msg("1", "a"), msg("2", "b")})
	got := AppendIfAbsent(msg("4", "d"))(c)

	if want := []string{"1", "2", "3", "4"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if c.Len() != 3 {
		t.Fatal("patch mutated its input")
	}
}

func TestAppendIfAbsentDeduplicates(t *testing.T) {
	c := conv([]Message{msg("1", "a")}, []Message{msg("0", "old")})
	once := AppendIfAbsent(msg("0", "old again"))(c)
	if !reflect.DeepEqual(once, c) {
		t.Fatalf("duplicate append changed the cache: %+v", once)
	}
}

func TestEditMessage(t *testing.T) {
	later := t0.Add(time.Minute)
	c := conv([]Message{msg("1", "a"), msg("2", "b")})

	got := EditMessage("2", "b2", later)(c)
	m, ok := got.Find("2")
	if !ok || m.Text != "b2" || !m.Timestamp.Equal(later) {
		t.Fatalf("edited = %+v, want text b2 at %v", m, later)
	}
	if orig, _ := c.Find("2"); orig.Text != "b" {
		t.Fatal("patch mutated its input")
	}

	kept := EditMessage("1", "a2", time.Time{})(c)
	if m, _ := kept.Find("1"); !m.Timestamp.Equal(t0) {
		t.Fatalf("zero time must keep timestamp, got %v", m.Timestamp)
	}
}

func TestEditAndRemoveUnknownIDAreNoOps(t *testing.T) {
	c := conv([]Message{msg("1", "a")})
	if got := EditMessage("42", "x", t0)(c); !reflect.DeepEqual(got, c) {
		t.Fatalf("edit of unknown id changed cache: %+v", got)
	}
	if got := RemoveMessage("42")(c); !reflect.DeepEqual(got, c) {
		t.Fatalf("remove of unknown id changed cache: %+v", got)
	}
}

func TestRemoveMessage(t *testing.T) {
	c := conv([]Message{msg("3", "c")}, []Message{msg("1", "a"), msg("2", "b")})
	got := RemoveMessage("1")(c)
	if want := []string{"2", "3"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if c.Len() != 3 {
		t.Fatal("patch mutated its input")
	}
}

func TestCommitMessageReplacesTempID(t *testing.T) {
	temp := Message{ID: "temp-1", ConversationID: "7", Text: "same", IsOwn: true, Status: StatusSending, Timestamp: t0}
	other := Message{ID: "temp-2", ConversationID: "7", Text: "same", IsOwn: true, Status: StatusSending, Timestamp: t0}
	c := conv([]Message{temp, other})

	at := t0.Add(time.Second)
	got := CommitMessage("temp-2", "srv-9", StatusDelivered, at)(c)

	if want := []string{"temp-1", "srv-9"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	m, _ := got.Find("srv-9")
	if m.Status != StatusDelivered || !m.Timestamp.Equal(at) {
		t.Fatalf("committed = %+v, want delivered at %v", m, at)
	}
	if first, _ := got.Find("temp-1"); first.Status != StatusSending {
		t.Fatal("commit touched the wrong entry")
	}
}

func TestCommitMessageDropsTempWhenServerIDPresent(t *testing.T) {
	c := conv([]Message{msg("srv-9", "hi"), {ID: "temp-1", Text: "hi", Status: StatusSending}})
	got := CommitMessage("temp-1", "srv-9", StatusDelivered, t0)(c)
	if want := []string{"srv-9"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}

func TestCommitMessageWithoutServerID(t *testing.T) {
	c := conv([]Message{{ID: "temp-1", Text: "hi", Status: StatusSending}})
	got := CommitMessage("temp-1", "", StatusDelivered, time.Time{})(c)
	m, ok := got.Find("temp-1")
	if !ok || m.Status != StatusDelivered {
		t.Fatalf("committed = %+v ok=%v, want temp-1 delivered", m, ok)
	}
}

func TestCommitMessageUnknownTemp(t *testing.T) {
	c := conv([]Message{msg("1", "a")})
	if got := CommitMessage("temp-x", "srv", StatusDelivered, t0)(c); !reflect.DeepEqual(got, c) {
		t.Fatalf("commit of unknown temp changed cache: %+v", got)
	}
}

func TestMerge(t *testing.T) {
	c := conv([]Message{msg("1", "a")})
	got := Merge([]Message{msg("1", "a"), msg("2", "b"), msg("2", "b")})(c)
	if want := []string{"1", "2"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
}
