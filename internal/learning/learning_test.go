package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/voice"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newTestPipeline(t *testing.T) (*Pipeline, *Store, *Refiner) {
	t.Helper()
	store := setupTestStore(t)
	refiner := NewRefiner(store, RefinerConfig{Threshold: 10}, nil)
	return NewPipeline(correction.NewAnalyzer(correction.Thresholds{}), store, refiner, nil), store, refiner
}

func sendEvent(i int) SendEvent {
	return SendEvent{
		BusinessID: "biz",
		ThreadID:   fmt.Sprintf("thread-%d", i),
		MessageID:  fmt.Sprintf("msg-%d", i),
		Category:   "SUPPORT/General",
		DraftText:  "Hello Sam,\n\nWe are sorry for the delay. The technician will arrive Tuesday.\n\nKind regards,\nBluewater",
		FinalText:  fmt.Sprintf("Hey Sam! Tech comes Tuesday. Ticket %d.\n\nCheers", i),
	}
}

func TestPipeline_RefinementBatching(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPipeline(t)

	var refinedEvents int
	p.OnRefined(func(ctx context.Context, prof voice.Profile) { refinedEvents++ })

	for i := 1; i <= 9; i++ {
		out, err := p.HandleSendEvent(ctx, sendEvent(i))
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if out.Record == nil {
			t.Fatalf("event %d produced no record", i)
		}
		if out.Refined != nil {
			t.Fatalf("event %d refined the profile early", i)
		}
	}
	if prof, _ := store.Profile(ctx, "biz"); prof != nil && prof.IterationCount != 0 {
		t.Fatalf("profile changed before threshold: %+v", prof)
	}

	out, err := p.HandleSendEvent(ctx, sendEvent(10))
	if err != nil {
		t.Fatal(err)
	}
	if out.Refined == nil {
		t.Fatal("10th correction should trigger refinement")
	}
	if out.Refined.IterationCount != 1 || out.Refined.SampleCount != 10 {
		t.Errorf("refined = iteration %d, samples %d; want 1, 10", out.Refined.IterationCount, out.Refined.SampleCount)
	}
	if refinedEvents != 1 {
		t.Errorf("observer called %d times, want 1", refinedEvents)
	}

	applied, err := store.Corrections(ctx, "biz", correction.StatusApplied, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 10 {
		t.Errorf("applied = %d, want 10", len(applied))
	}
	if n, _ := store.PendingCount(ctx, "biz"); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	stored, err := store.Profile(ctx, "biz")
	if err != nil || stored == nil {
		t.Fatalf("Profile = %v, %v", stored, err)
	}
	if stored.IterationCount != 1 || stored.Confidence != out.Refined.Confidence {
		t.Errorf("stored profile = %+v", stored)
	}
	// Drafts apologize, finals never do.
	if stored.Empathy.Apology >= 0 {
		t.Errorf("apology signal = %.2f, want negative", stored.Empathy.Apology)
	}

	// The 11th event starts a new batch.
	out, _ = p.HandleSendEvent(ctx, sendEvent(11))
	if out.Refined != nil {
		t.Error("11th event should not refine")
	}
}

func TestPipeline_ZeroEditAndSkips(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPipeline(t)

	out, err := p.HandleSendEvent(ctx, SendEvent{BusinessID: "biz", DraftText: "Thanks, see you Tuesday."})
	if err != nil {
		t.Fatal(err)
	}
	if !out.ZeroEdit || out.Record != nil {
		t.Errorf("outcome = %+v, want zero edit", out)
	}
	if n, _ := store.ZeroEdits(ctx, "biz"); n != 1 {
		t.Errorf("zero edits = %d, want 1", n)
	}

	out, _ = p.HandleSendEvent(ctx, SendEvent{BusinessID: "biz", FinalText: "Hand written reply"})
	if out.Skipped == "" {
		t.Errorf("event without draft should be skipped: %+v", out)
	}

	if _, err := p.HandleSendEvent(ctx, SendEvent{DraftText: "x", FinalText: "y"}); err == nil {
		t.Error("missing business id should fail")
	}
	if n, _ := store.PendingCount(ctx, "biz"); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestPipeline_RawMessage(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	raw := "From: office@bluewater.example\r\n" +
		"To: sam@example.com\r\n" +
		"Subject: Re: Visit\r\n" +
		"Message-ID: <sent-1@bluewater.example>\r\n" +
		"References: <root@example.com> <q@example.com>\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Hi Sam, see you Tuesday.</p>" +
		"<div class=\"gmail_quote\">On Mon, Sam wrote:<blockquote>When?</blockquote></div>\r\n"

	out, err := p.HandleSendEvent(ctx, SendEvent{
		BusinessID: "biz",
		DraftText:  "Hi Sam, see you Tuesday.",
		RawMessage: raw,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Record == nil {
		t.Fatalf("outcome = %+v, want record", out)
	}
	if out.Record.MessageID != "sent-1@bluewater.example" || out.Record.ThreadID != "root@example.com" {
		t.Errorf("ids = %q / %q", out.Record.MessageID, out.Record.ThreadID)
	}
	if out.Record.Type != correction.TypeMinor || out.Record.EditDistance != 0 {
		t.Errorf("record = %s (distance %d), want identical minor", out.Record.Type, out.Record.EditDistance)
	}
}

func TestRefiner_SkipsUnreadableCorrections(t *testing.T) {
	ctx := context.Background()
	p, store, refiner := newTestPipeline(t)

	for i := 1; i <= 3; i++ {
		if _, err := p.HandleSendEvent(ctx, sendEvent(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.db.Exec(`UPDATE draft_corrections SET signals_version = 99`); err != nil {
		t.Fatal(err)
	}

	for i := 4; i <= 13; i++ {
		if _, err := p.HandleSendEvent(ctx, sendEvent(i)); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	prof, err := store.Profile(ctx, "biz")
	if err != nil {
		t.Fatal(err)
	}
	if prof == nil || prof.SampleCount != 10 {
		t.Fatalf("profile = %+v, want refined from the 10 readable corrections", prof)
	}
	if prof, err := refiner.MaybeRefine(ctx, "biz"); err != nil || prof != nil {
		t.Errorf("MaybeRefine after refinement = %v, %v; want nil, nil", prof, err)
	}
}

func TestRefiner_LockContention(t *testing.T) {
	ctx := context.Background()
	p, store, refiner := newTestPipeline(t)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	refiner.now = func() time.Time { return now }

	if err := store.TryBeginLearning(ctx, "biz", now, time.Minute); err != nil {
		t.Fatalf("TryBeginLearning: %v", err)
	}
	if err := store.TryBeginLearning(ctx, "biz", now, time.Minute); !errors.Is(err, ErrLearningInProgress) {
		t.Fatalf("second TryBeginLearning = %v, want ErrLearningInProgress", err)
	}

	for i := 1; i <= 10; i++ {
		if _, err := p.HandleSendEvent(ctx, sendEvent(i)); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := store.PendingCount(ctx, "biz"); n != 10 {
		t.Fatalf("pending = %d, want 10 (refinement should have been a no-op)", n)
	}

	prof, err := refiner.MaybeRefine(ctx, "biz")
	if err != nil || prof != nil {
		t.Fatalf("MaybeRefine under lock = %v, %v; want nil, nil", prof, err)
	}

	// An abandoned lock is taken over once the TTL has passed.
	now = now.Add(DefaultLockTTL + time.Second)
	prof, err = refiner.MaybeRefine(ctx, "biz")
	if err != nil {
		t.Fatal(err)
	}
	if prof == nil || prof.SampleCount != 10 {
		t.Fatalf("refined = %+v, want 10 samples", prof)
	}

	// The flag is released after a successful refinement.
	if err := store.TryBeginLearning(ctx, "biz", now, time.Minute); err != nil {
		t.Errorf("flag not released: %v", err)
	}
}

func TestRefiner_ConcurrentRefinesOnce(t *testing.T) {
	ctx := context.Background()
	p, store, refiner := newTestPipeline(t)
	refiner.threshold = 1000 // record without refining
	for i := 1; i <= 10; i++ {
		if _, err := p.HandleSendEvent(ctx, sendEvent(i)); err != nil {
			t.Fatal(err)
		}
	}
	refiner.threshold = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		refined int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prof, err := refiner.MaybeRefine(ctx, "biz")
			if err != nil {
				t.Errorf("MaybeRefine: %v", err)
				return
			}
			if prof != nil {
				mu.Lock()
				refined++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if refined != 1 {
		t.Errorf("refined %d times, want 1", refined)
	}
	prof, _ := store.Profile(ctx, "biz")
	if prof == nil || prof.IterationCount != 1 || prof.SampleCount != 10 {
		t.Errorf("profile = %+v, want one iteration of 10 samples", prof)
	}
}

func TestStore_Corrections(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	rec, ok := correction.NewAnalyzer(correction.Thresholds{}).Analyze(
		"Sorry for the wait! We will call you.",
		"We will call you tomorrow.",
		correction.Meta{BusinessID: "biz", ThreadID: "t1", Category: "SUPPORT"},
	)
	if !ok {
		t.Fatal("Analyze produced no record")
	}
	if err := s.SaveCorrection(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Corrections(ctx, "biz", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("corrections = %d, want 1", len(got))
	}
	if got[0].Signals != rec.Signals || got[0].Type != rec.Type || got[0].Status != correction.StatusPending {
		t.Errorf("round trip = %+v, want %+v", got[0], rec)
	}
	if !got[0].CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, rec.CreatedAt)
	}

	if _, err := s.db.Exec(`UPDATE draft_corrections SET signals_version = 99`); err != nil {
		t.Fatal(err)
	}
	got, err = s.Corrections(ctx, "biz", "", 0)
	if err != nil || len(got) != 0 {
		t.Errorf("future signals version = %d rows, %v; want skipped", len(got), err)
	}
	if n, _ := s.PendingCount(ctx, "biz"); n != 0 {
		t.Errorf("pending = %d, want unreadable rows not counted", n)
	}
}

func TestStore_ApplyRefinementIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	a := correction.NewAnalyzer(correction.Thresholds{})

	rec, _ := a.Analyze("Hello there.", "Hi there!", correction.Meta{BusinessID: "biz"})
	if err := s.SaveCorrection(ctx, rec); err != nil {
		t.Fatal(err)
	}

	p := voice.Profile{BusinessID: "biz", IterationCount: 7}
	err := s.ApplyRefinement(ctx, p, []string{rec.ID, "missing-id"}, time.Now())
	if err == nil {
		t.Fatal("ApplyRefinement should fail when a correction is not pending")
	}
	if n, _ := s.PendingCount(ctx, "biz"); n != 1 {
		t.Errorf("pending = %d, want 1 after rollback", n)
	}
	if prof, _ := s.Profile(ctx, "biz"); prof != nil {
		t.Errorf("profile = %+v, want none after rollback", prof)
	}
}

func TestStore_ProfileAndErase(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	base := voice.Baseline([]string{"Hi Sam,\n\nThanks for reaching out. We can help.\n\nBest regards,\nJill"})
	p := voice.New("biz").WithBaseline(base)
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Profile(ctx, "biz")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Baseline == nil || got.Baseline.Samples != 1 {
		t.Fatalf("profile = %+v, want baseline with 1 sample", got)
	}

	if _, err := s.IncrementZeroEdit(ctx, "biz"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.IncrementZeroEdit(ctx, "biz"); n != 2 {
		t.Errorf("zero edits = %d, want 2", n)
	}

	if err := s.Erase(ctx, "biz"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Profile(ctx, "biz"); got != nil {
		t.Error("profile survived erase")
	}
	if n, _ := s.ZeroEdits(ctx, "biz"); n != 0 {
		t.Errorf("zero edits after erase = %d", n)
	}
}
