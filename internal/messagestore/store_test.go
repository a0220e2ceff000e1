package messagestore

import (
	"testing"
	"time"
)

func TestStore_PushAndSubscribe(t *testing.T) {
	s := New()
	ch, _, unsub := s.HistoryAndTail(nil)
	defer unsub()

	s.PushStdout("hello")

	select {
	case rec := <-ch:
		if rec.Kind != RecordStdout || rec.Content != "hello" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestStore_HistoryReplay(t *testing.T) {
	s := New()
	s.PushStdout("first")
	s.PushStderr("second")

	ch, _, unsub := s.HistoryAndTail(nil)
	defer unsub()

	var kinds []RecordKind
	for i := 0; i < 2; i++ {
		select {
		case rec := <-ch:
			kinds = append(kinds, rec.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed record")
		}
	}
	if kinds[0] != RecordStdout || kinds[1] != RecordStderr {
		t.Fatalf("unexpected replay order: %v", kinds)
	}
}

func TestStore_SeamlessJoin_NoGapsNoDuplicates(t *testing.T) {
	s := New()
	s.PushStdout("a")

	ch, _, unsub := s.HistoryAndTail(nil)
	defer unsub()

	s.PushStdout("b")
	s.PushFinished()

	var got []string
	for rec := range ch {
		if rec.Kind == RecordFinished {
			break
		}
		got = append(got, rec.Content)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected seamless [a b], got %v", got)
	}
}

func TestStore_FilterStdoutStderr(t *testing.T) {
	s := New()
	ch, _, unsub := s.HistoryAndTail(StdoutStderr)
	defer unsub()

	s.PushStdout("line")
	s.PushJSONPatch(map[string]string{"op": "add"})
	s.PushFinished()

	var kinds []RecordKind
	for rec := range ch {
		kinds = append(kinds, rec.Kind)
	}
	if len(kinds) != 2 || kinds[0] != RecordStdout || kinds[1] != RecordFinished {
		t.Fatalf("filtered subscription = %v, want [stdout finished] (json_patch excluded, finished always passes)", kinds)
	}
}

func TestStore_FilterJSONPatches(t *testing.T) {
	s := New()
	ch, _, unsub := s.HistoryAndTail(JSONPatches)
	defer unsub()

	s.PushStdout("ignored")
	if err := s.PushJSONPatch(map[string]string{"op": "add"}); err != nil {
		t.Fatal(err)
	}
	s.PushFinished()

	var kinds []RecordKind
	for rec := range ch {
		kinds = append(kinds, rec.Kind)
	}
	if len(kinds) != 2 || kinds[0] != RecordJSONPatch || kinds[1] != RecordFinished {
		t.Fatalf("filtered subscription = %v, want [json_patch finished]", kinds)
	}
}

func TestStore_DoneCh_ClosesOnFinished(t *testing.T) {
	s := New()
	_, doneCh, unsub := s.HistoryAndTail(nil)
	defer unsub()

	select {
	case <-doneCh:
		t.Fatal("doneCh closed before Finished pushed")
	default:
	}

	s.PushFinished()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("doneCh not closed after Finished")
	}
}

func TestStore_SlowClientDropDoesNotCloseDoneCh(t *testing.T) {
	s := New()
	ch, doneCh, _ := s.HistoryAndTail(nil)

	for i := 0; i < 256; i++ {
		s.PushStdout("x")
	}
	s.PushStdout("overflow")

	for range ch {
	}

	select {
	case <-doneCh:
		t.Fatal("doneCh closed on slow-client drop")
	default:
	}
}

func TestStore_SubscribeAfterFinished(t *testing.T) {
	s := New()
	s.PushStdout("before_finish")
	s.PushFinished()

	ch, _, _ := s.HistoryAndTail(nil)
	var got []Record
	for rec := range ch {
		got = append(got, rec)
	}
	if len(got) != 2 || got[0].Content != "before_finish" || got[1].Kind != RecordFinished {
		t.Fatalf("unexpected post-finish replay: %+v", got)
	}
}
