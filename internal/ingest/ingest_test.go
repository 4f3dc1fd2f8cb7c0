package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/haneul/mail-intake/internal/email"
)

type fakeStore struct {
	mu           sync.Mutex
	upserts      []*email.InboundMessage
	dispositions map[string]email.Disposition
	upsertErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{dispositions: make(map[string]email.Disposition)}
}

func (f *fakeStore) UpsertMessage(_ context.Context, msg *email.InboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	f.upserts = append(f.upserts, msg)
	return "row-" + msg.ProviderMessageID, nil
}

func (f *fakeStore) SetDisposition(_ context.Context, id string, d email.Disposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispositions[id] = d
	return nil
}

type fakeClassifier struct {
	label email.Disposition
	err   error
	calls int
}

func (f *fakeClassifier) Classify(context.Context, *email.InboundMessage) (email.Disposition, error) {
	f.calls++
	return f.label, f.err
}

func (f *fakeClassifier) Name() string { return "fake" }

func TestIngestStoresThenClassifies(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	cls := &fakeClassifier{label: email.DispositionSpam}
	p := New(st, cls)

	msg := &email.InboundMessage{ProviderMessageID: "m1", TextBody: "buy now"}
	id, err := p.Ingest(context.Background(), msg)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if id != "row-m1" {
		t.Errorf("id: got %q", id)
	}

	p.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dispositions["row-m1"] != email.DispositionSpam {
		t.Errorf("disposition: got %q, want spam", st.dispositions["row-m1"])
	}
}

func TestIngestClassifierFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	cls := &fakeClassifier{err: errors.New("upstream timeout")}
	p := New(st, cls)

	_, err := p.Ingest(context.Background(), &email.InboundMessage{ProviderMessageID: "m2", TextBody: "hi"})
	if err != nil {
		t.Fatalf("classifier failure must not fail ingestion: %v", err)
	}

	p.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.dispositions) != 0 {
		t.Errorf("no disposition should be recorded, got %v", st.dispositions)
	}
	if len(st.upserts) != 1 {
		t.Errorf("message should still be stored, got %d upserts", len(st.upserts))
	}
}

func TestIngestStorageErrorSurfaces(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.upsertErr = errors.New("disk full")
	cls := &fakeClassifier{label: email.DispositionHam}
	p := New(st, cls)

	_, err := p.Ingest(context.Background(), &email.InboundMessage{ProviderMessageID: "m3"})
	if err == nil {
		t.Fatal("expected storage error")
	}

	p.Wait()
	if cls.calls != 0 {
		t.Errorf("classifier must not run when storage fails, got %d calls", cls.calls)
	}
}

func TestIngestSkipsClassificationWhenAlreadyLabeled(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	cls := &fakeClassifier{label: email.DispositionHam}
	p := New(st, cls)

	msg := &email.InboundMessage{ProviderMessageID: "m4", Disposition: email.DispositionSpam}
	if _, err := p.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	p.Wait()
	if cls.calls != 0 {
		t.Errorf("pre-labeled message should not be reclassified, got %d calls", cls.calls)
	}
}

func TestDeriveMessageIDDeterministic(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{MailFrom: "a@x.com", RcptTo: []string{"b@y.com", "c@z.com"}}
	raw := []byte("Subject: Hi\r\n\r\nHello")

	id1 := DeriveMessageID(env, raw)
	id2 := DeriveMessageID(&email.Envelope{MailFrom: "a@x.com", RcptTo: []string{"c@z.com", "b@y.com"}}, raw)

	if id1 != id2 {
		t.Errorf("recipient order must not change the id: %q vs %q", id1, id2)
	}
	if id1 == DeriveMessageID(env, []byte("different body")) {
		t.Error("different content must produce a different id")
	}
	if id1 == DeriveMessageID(&email.Envelope{MailFrom: "other@x.com", RcptTo: env.RcptTo}, raw) {
		t.Error("different sender must produce a different id")
	}
}
