package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/audio"
	"github.com/petervdpas/goopcall/internal/audio/host"
	"github.com/petervdpas/goopcall/internal/docstore"
	"github.com/petervdpas/goopcall/internal/signaling"
)

func testOptions() Options {
	return Options{PionLogLevel: "disabled"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasEvent(events []Event, what string) bool {
	for _, e := range events {
		if e.What == what {
			return true
		}
	}
	return false
}

func TestStartJoinHangup(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	caller := New(store, testOptions())
	callee := New(store, testOptions())
	defer caller.Close()
	defer callee.Close()

	sa, err := caller.StartCall(ctx, "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := store.Get(ctx, docstore.Doc(signaling.CallsCollection, "ABC123"))
	if err != nil || doc.String("type") != signaling.TypeOffer {
		t.Fatalf("call record = %+v, %v", doc.Data, err)
	}

	sb, err := callee.JoinCall(ctx, " ABC123 ")
	if err != nil {
		t.Fatal(err)
	}
	if sb.MeetingID() != "ABC123" {
		t.Fatalf("meeting id = %q", sb.MeetingID())
	}

	waitFor(t, "callee to apply the offer", func() bool { return sb.Status().Remote })
	waitFor(t, "caller to apply the answer", func() bool { return sa.Status().Remote })

	if st := sa.Status(); !st.Initiator || st.Role != "answerer" {
		t.Fatalf("caller status %+v", st)
	}
	if !hasEvent(sa.Status().Events, "offer sent") || !hasEvent(sa.Status().Events, "answer received") {
		t.Fatalf("caller events %+v", sa.Status().Events)
	}

	sb.Hangup()
	select {
	case <-sa.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("caller did not see END_CALL")
	}
	waitFor(t, "sessions to be released", func() bool {
		_, a := caller.Session("ABC123")
		_, b := callee.Session("ABC123")
		return !a && !b
	})
	if st := sa.Status(); !st.Ended || st.EndReason != "remote" || sa.EndReason() != EndRemote {
		t.Fatalf("caller status %+v", st)
	}
	if sb.EndReason() != EndLocal {
		t.Fatalf("callee end reason %s", sb.EndReason())
	}

	// hanging up again is harmless
	sb.Hangup()
}

func TestBrokenAnswerFailsSession(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := New(store, testOptions())
	defer m.Close()

	sess, err := m.StartCall(ctx, "M1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndReason() != EndNone {
		t.Fatalf("live session reason %s", sess.EndReason())
	}
	if err := signaling.WriteAnswer(ctx, store, "M1", "not an sdp"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived an unusable answer")
	}
	if sess.EndReason() != EndFailed || sess.Status().EndReason != "failed" {
		t.Fatalf("reason %s, status %+v", sess.EndReason(), sess.Status())
	}
	// the other side is told
	waitFor(t, "END_CALL", func() bool {
		doc, err := store.Get(ctx, docstore.Doc(signaling.CallsCollection, "M1"))
		return err == nil && doc.String("type") == signaling.TypeEndCall
	})
}

func TestStartCallRefusesUsedMeeting(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	if err := signaling.WriteEndCall(ctx, store, "OLD1"); err != nil {
		t.Fatal(err)
	}
	m := New(store, testOptions())
	defer m.Close()

	if _, err := m.StartCall(ctx, "OLD1"); !errors.Is(err, signaling.ErrMeetingInUse) {
		t.Fatalf("err = %v, want ErrMeetingInUse", err)
	}
	if _, err := m.StartCall(ctx, "  "); !errors.Is(err, signaling.ErrEmptyMeetingID) {
		t.Fatalf("err = %v, want ErrEmptyMeetingID", err)
	}
}

func TestStartCallLookupFailure(t *testing.T) {
	store := docstore.NewMemory()
	store.Close()
	m := New(store, testOptions())
	defer m.Close()

	if _, err := m.StartCall(context.Background(), "M1"); !errors.Is(err, signaling.ErrMeetingInUse) {
		t.Fatalf("err = %v, want ErrMeetingInUse", err)
	}
}

func TestSecondSessionForSameMeeting(t *testing.T) {
	ctx := context.Background()
	m := New(docstore.NewMemory(), testOptions())
	defer m.Close()

	if _, err := m.JoinCall(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.JoinCall(ctx, "M1"); !errors.Is(err, signaling.ErrMeetingInUse) {
		t.Fatalf("err = %v", err)
	}
}

func TestClosedManager(t *testing.T) {
	m := New(docstore.NewMemory(), testOptions())
	sess, err := m.JoinCall(context.Background(), "M1")
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not hung up by Close")
	}
	if _, err := m.JoinCall(context.Background(), "M2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSessionRoutesAudio(t *testing.T) {
	changes := make(chan audio.Device, 8)
	opts := testOptions()
	opts.NewAudio = func() (*audio.Manager, error) {
		b, err := host.New(host.Options{Earpiece: true})
		if err != nil {
			return nil, err
		}
		return audio.Create(b, audio.SpeakerphoneFalse)
	}
	opts.OnAudioDeviceChanged = func(_ string, selected audio.Device, _ audio.DeviceSet) {
		changes <- selected
	}

	m := New(docstore.NewMemory(), opts)
	defer m.Close()

	sess, err := m.JoinCall(context.Background(), "M1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-changes:
		if d == audio.None {
			t.Fatal("no device selected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio routing change")
	}
	if st := sess.Status(); st.AudioDevice == "" || len(st.AudioDevices) == 0 {
		t.Fatalf("status %+v", st)
	}
}
