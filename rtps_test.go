// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/channel"
	"github.com/creachadair/rtps/history"
	"github.com/creachadair/rtps/peers"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestHistoryBackpressure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)

		q := qos.DefaultWriter()
		q.History = qos.History{Kind: qos.KeepAll}
		q.Limits.MaxSamples = 5
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{Topic: "T", Type: "X", QoS: &q})

		// With no reader to acknowledge them, the history fills up.
		for i := 1; i <= 5; i++ {
			if err := w.Write(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Write %d: unexpected error: %v", i, err)
			}
		}
		if err := w.Write(ctx, []byte("6")); !errors.Is(err, history.ErrFull) {
			t.Fatalf("Write 6: got %v, want %v", err, history.ErrFull)
		}
		if got := intMetric(loc.At(0), "writes_rejected"); got != 1 {
			t.Errorf("writes_rejected: got %d, want 1", got)
		}

		// A late-joining volatile reader does not hold back the history.
		rq := reliableReader()
		r := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}
		if err := w.Write(ctx, []byte("6")); err != nil {
			t.Fatalf("Write 6 after match: unexpected error: %v", err)
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}
		got := takeN(t, ctx, r, 1)
		if s := got[0]; string(s.Data) != "6" || s.Info.Seq != 6 {
			t.Errorf("Sample: got %q #%d, want %q #6", s.Data, s.Info.Seq, "6")
		}
		if s, ok := r.TakeNextSample(); ok {
			t.Errorf("TakeNextSample: got %q #%d, want none", s.Data, s.Info.Seq)
		}
	})
}

func TestOrderedRepair(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)
		w, r := reliablePair(t, ctx, loc, qos.History{Kind: qos.KeepAll})

		// Lose the first transmission of change 3.
		var dropped sync.Once
		loc.Hub.SetDrop(func(dg *rtps.Datagram) bool {
			for _, seq := range dataSeqs(dg, w.GUID().Entity) {
				if seq == 3 {
					var drop bool
					dropped.Do(func() { drop = true })
					return drop
				}
			}
			return false
		})

		for i := 1; i <= 4; i++ {
			if err := w.Write(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}
		synctest.Wait()

		// Changes 1 and 2 are deliverable, but 4 waits for 3.
		if got := seqs(takeAll(r)); !cmp.Equal(got, []proto.SequenceNumber{1, 2}) {
			t.Errorf("Before repair: got %v, want [1 2]", got)
		}

		// The heartbeat sent with change 4 prompts a request for 3.
		time.Sleep(time.Second)
		if got := seqs(takeAll(r)); !cmp.Equal(got, []proto.SequenceNumber{3, 4}) {
			t.Errorf("After repair: got %v, want [3 4]", got)
		}
		if got := intMetric(loc.At(0), "data_resent"); got < 1 {
			t.Errorf("data_resent: got %d, want ≥ 1", got)
		}
	})
}

func TestLossyDelivery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)
		w, r := reliablePair(t, ctx, loc, qos.History{Kind: qos.KeepAll})

		// Drop every transmission of a change up to twice, for every third
		// change written.
		var μ sync.Mutex
		drops := make(map[proto.SequenceNumber]int)
		loc.Hub.SetDrop(func(dg *rtps.Datagram) bool {
			μ.Lock()
			defer μ.Unlock()
			for _, seq := range dataSeqs(dg, w.GUID().Entity) {
				if seq%3 == 0 && drops[seq] < 2 {
					drops[seq]++
					return true
				}
			}
			return false
		})

		const numWrites = 30
		for i := 1; i <= numWrites; i++ {
			if err := w.Write(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}

		// Every change arrives exactly once, in order.
		got := takeN(t, ctx, r, numWrites)
		for i, s := range got {
			want := proto.SequenceNumber(i + 1)
			if s.Info.Seq != want || string(s.Data) != strconv.Itoa(i+1) {
				t.Errorf("Sample %d: got %q #%d, want %q #%d", i, s.Data, s.Info.Seq, strconv.Itoa(i+1), want)
			}
		}
		if s, ok := r.TakeNextSample(); ok {
			t.Errorf("Extra sample: %q #%d", s.Data, s.Info.Seq)
		}
		if loc.Hub.Dropped() == 0 {
			t.Error("No datagrams were dropped")
		}
	})
}

func TestEvictedChangeGap(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)
		w, r := reliablePair(t, ctx, loc, qos.History{Kind: qos.KeepLast, Depth: 2})

		// Change 1 never arrives, and is evicted before it can be repaired.
		loc.Hub.SetDrop(func(dg *rtps.Datagram) bool {
			for _, seq := range dataSeqs(dg, w.GUID().Entity) {
				if seq == 1 {
					return true
				}
			}
			return false
		})
		for i := 1; i <= 4; i++ {
			if err := w.Write(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}

		// The reader does not wait for the lost change, and delivers the rest
		// of what it received in order.
		got := seqs(takeAll(r))
		if len(got) == 0 || got[0] == 1 || got[len(got)-1] != 4 {
			t.Errorf("Samples: got %v, want a tail ending at 4 without 1", got)
		}
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				t.Errorf("Samples out of order: %v", got)
			}
		}
	})
}

func TestDiscoveryMatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		opts := &rtps.ParticipantOptions{
			LeaseDuration:  time.Second,
			AnnouncePeriod: 100 * time.Millisecond,
		}
		loc := newLocal(t, 3, opts)
		wp, rp, other := loc.At(0), loc.At(1), loc.At(2)

		var wlog, rlog eventLog
		w := mustWriter(t, wp, rtps.WriterOptions{Topic: "T", Type: "X", Listener: &wlog})
		mustWriter(t, other, rtps.WriterOptions{Topic: "T", Type: "X"})
		rq := reliableReader()
		r := mustReader(t, rp, rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq, Listener: &rlog})

		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("Writer WaitMatched: %v", err)
		}
		if err := r.WaitMatched(ctx, 2); err != nil {
			t.Fatalf("Reader WaitMatched: %v", err)
		}
		if diff := cmp.Diff(wlog.matched(), []int{1}); diff != "" {
			t.Errorf("Writer matches (-got, +want):\n%s", diff)
		}
		if err := loc.WaitDiscovered(ctx); err != nil {
			t.Fatalf("WaitDiscovered: %v", err)
		}

		t.Run("Lease", func(t *testing.T) {
			// Silence the third participant until its lease lapses.
			silent := other.GUIDPrefix()
			loc.Hub.SetDrop(func(dg *rtps.Datagram) bool { return sourcePrefix(dg) == silent })
			defer loc.Hub.SetDrop(nil)

			time.Sleep(2 * time.Second)
			for _, p := range []*rtps.Participant{wp, rp} {
				for _, pd := range p.RemoteParticipants() {
					if pd.Prefix == silent {
						t.Errorf("Participant %v still sees %v after its lease", p.GUIDPrefix(), silent)
					}
				}
			}
			if got := intMetric(wp, "participants"); got != 1 {
				t.Errorf("participants: got %d, want 1", got)
			}
			if got := r.MatchedWriters(); got != 1 {
				t.Errorf("MatchedWriters: got %d, want 1", got)
			}
			if diff := cmp.Diff(rlog.matched(), []int{1, 1, -1}); diff != "" {
				t.Errorf("Reader matches (-got, +want):\n%s", diff)
			}
		})

		// Stopping the writer's participant unmatches the reader without
		// waiting for the lease.
		if err := wp.Stop(); err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
		synctest.Wait()
		if got := r.MatchedWriters(); got != 0 {
			t.Errorf("MatchedWriters: got %d, want 0", got)
		}
		if got := rlog.matched(); len(got) == 0 || got[len(got)-1] != -1 {
			t.Errorf("Reader matches: got %v, want a final -1", got)
		}
	})
}

func TestDurability(t *testing.T) {
	tests := []struct {
		name   string
		reader qos.DurabilityKind
		want   []string
	}{
		{"TransientLocal", qos.TransientLocal, []string{"c", "d", "e", "f"}},
		{"Volatile", qos.Volatile, []string{"f"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				ctx := testContext(t)
				loc := newLocal(t, 2, nil)

				wq := qos.DefaultWriter()
				wq.Durability = qos.TransientLocal
				wq.History = qos.History{Kind: qos.KeepLast, Depth: 3}
				w := mustWriter(t, loc.At(0), rtps.WriterOptions{Topic: "T", Type: "X", QoS: &wq})
				for _, v := range []string{"a", "b", "c", "d", "e"} {
					if err := w.Write(ctx, []byte(v)); err != nil {
						t.Fatalf("Write %q: %v", v, err)
					}
				}

				rq := reliableReader()
				rq.Durability = tc.reader
				rq.History = qos.History{Kind: qos.KeepAll}
				r := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
				if err := w.WaitMatched(ctx, 1); err != nil {
					t.Fatalf("WaitMatched: %v", err)
				}
				if err := w.Write(ctx, []byte("f")); err != nil {
					t.Fatalf("Write: %v", err)
				}
				if err := w.WaitForAllAcked(ctx); err != nil {
					t.Fatalf("WaitForAllAcked: %v", err)
				}

				var got []string
				for _, s := range takeN(t, ctx, r, len(tc.want)) {
					got = append(got, string(s.Data))
				}
				if diff := cmp.Diff(got, tc.want); diff != "" {
					t.Errorf("Samples (-got, +want):\n%s", diff)
				}
			})
		})
	}
}

func TestDurableKeepAll(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)

		wq := qos.DefaultWriter()
		wq.Durability = qos.TransientLocal
		wq.History = qos.History{Kind: qos.KeepAll}
		wq.Limits.MaxSamples = 16
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{Topic: "T", Type: "X", QoS: &wq})

		rq := reliableReader()
		rq.Durability = qos.TransientLocal
		rq.History = qos.History{Kind: qos.KeepAll}
		r1 := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}
		for _, v := range []string{"a", "b", "c"} {
			if err := w.Write(ctx, []byte(v)); err != nil {
				t.Fatalf("Write %q: %v", v, err)
			}
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}
		synctest.Wait()
		takeN(t, ctx, r1, 3)

		// Acknowledged changes stay in a durable history for late joiners.
		r2 := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		if err := w.WaitMatched(ctx, 2); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}
		var got []string
		for _, s := range takeN(t, ctx, r2, 3) {
			got = append(got, string(s.Data))
		}
		if diff := cmp.Diff(got, []string{"a", "b", "c"}); diff != "" {
			t.Errorf("Late joiner (-got, +want):\n%s", diff)
		}
	})
}

func TestUnregisterReleasesInstance(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)

		wq := qos.DefaultWriter()
		wq.Durability = qos.TransientLocal
		wq.History = qos.History{Kind: qos.KeepLast, Depth: 1}
		wq.Limits.MaxInstances = 2
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{Topic: "T", Type: "X", Keyed: true, QoS: &wq})

		rq := reliableReader()
		rq.Durability = qos.TransientLocal
		rq.History = qos.History{Kind: qos.KeepAll}
		r1 := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", Keyed: true, QoS: &rq})
		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}

		ha, hb, hc := proto.InstanceHandle{'a'}, proto.InstanceHandle{'b'}, proto.InstanceHandle{'c'}
		write := func(h proto.InstanceHandle, v string) error {
			_, err := w.WriteWithParams(ctx, []byte(v), rtps.WriteParams{Instance: h})
			return err
		}
		if err := write(ha, "a1"); err != nil {
			t.Fatalf("Write a1: %v", err)
		}
		if err := write(hb, "b1"); err != nil {
			t.Fatalf("Write b1: %v", err)
		}
		if err := write(hc, "c1"); !errors.Is(err, history.ErrFull) {
			t.Fatalf("Write c1: got %v, want %v", err, history.ErrFull)
		}

		// Once every reader has acknowledged the unregistration, the instance
		// no longer counts against the limit.
		if err := w.Unregister(ctx, ha); err != nil {
			t.Fatalf("Unregister: %v", err)
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}
		synctest.Wait()
		if err := write(hc, "c1"); err != nil {
			t.Fatalf("Write c1 after unregister: %v", err)
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}
		takeN(t, ctx, r1, 4)

		// A late joiner sees only the instances still registered.
		r2 := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", Keyed: true, QoS: &rq})
		if err := w.WaitMatched(ctx, 2); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}
		var got []string
		for _, s := range takeN(t, ctx, r2, 2) {
			got = append(got, string(s.Data))
		}
		if diff := cmp.Diff(got, []string{"b1", "c1"}); diff != "" {
			t.Errorf("Late joiner (-got, +want):\n%s", diff)
		}
		synctest.Wait()
		if s, ok := r2.TakeNextSample(); ok {
			t.Errorf("TakeNextSample: got %q #%d, want none", s.Data, s.Info.Seq)
		}
	})
}

func TestBoundedReaderRepair(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)

		wq := qos.DefaultWriter()
		wq.History = qos.History{Kind: qos.KeepAll}
		wq.Limits.MaxSamples = 64
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{
			Topic:           "T",
			Type:            "X",
			QoS:             &wq,
			HeartbeatPeriod: 100 * time.Millisecond,
		})
		rq := reliableReader()
		rq.History = qos.History{Kind: qos.KeepAll}
		rq.Limits.MaxSamples = 4
		r := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}

		// Lose the first transmission of change 1, so that the changes after
		// it arrive ahead of it and would fill the reader's history.
		var dropped sync.Once
		loc.Hub.SetDrop(func(dg *rtps.Datagram) bool {
			for _, seq := range dataSeqs(dg, w.GUID().Entity) {
				if seq == 1 {
					var drop bool
					dropped.Do(func() { drop = true })
					return drop
				}
			}
			return false
		})
		for i := 1; i <= 6; i++ {
			if err := w.Write(ctx, []byte(strconv.Itoa(i))); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}

		got := seqs(takeN(t, ctx, r, 6))
		if diff := cmp.Diff(got, []proto.SequenceNumber{1, 2, 3, 4, 5, 6}); diff != "" {
			t.Errorf("Samples (-got, +want):\n%s", diff)
		}
	})
}

func TestRejectedSample(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)

		wq := qos.DefaultWriter()
		wq.History = qos.History{Kind: qos.KeepAll}
		wq.Limits.MaxSamples = 64
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{
			Topic:           "T",
			Type:            "X",
			QoS:             &wq,
			HeartbeatPeriod: 100 * time.Millisecond,
		})
		rq := reliableReader()
		rq.History = qos.History{Kind: qos.KeepAll}
		r := mustReader(t, loc.At(1), rtps.ReaderOptions{
			Topic: "T",
			Type:  "X",
			QoS:   &rq,
			Validate: func(data []byte) error {
				if string(data) == "bad" {
					return errors.New("malformed sample")
				}
				return nil
			},
		})
		if err := w.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}

		for _, v := range []string{"1", "bad", "3"} {
			if err := w.Write(ctx, []byte(v)); err != nil {
				t.Fatalf("Write %q: %v", v, err)
			}
		}

		// The rejected change is acknowledged, so it does not hold back the
		// writer or the changes after it.
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}
		var got []string
		for _, s := range takeN(t, ctx, r, 2) {
			got = append(got, fmt.Sprintf("%d:%s", s.Info.Seq, s.Data))
		}
		if diff := cmp.Diff(got, []string{"1:1", "3:3"}); diff != "" {
			t.Errorf("Samples (-got, +want):\n%s", diff)
		}
		synctest.Wait()
		if s, ok := r.TakeNextSample(); ok {
			t.Errorf("TakeNextSample: got %q #%d, want none", s.Data, s.Info.Seq)
		}
		if got := intMetric(loc.At(1), "samples_rejected"); got != 1 {
			t.Errorf("samples_rejected: got %d, want 1", got)
		}
	})
}

func TestIncompatibleQoS(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loc := newLocal(t, 1, nil)
		p := loc.At(0)

		var wlog, rlog eventLog
		wq := qos.DefaultWriter()
		wq.Reliability = qos.BestEffort
		w := mustWriter(t, p, rtps.WriterOptions{Topic: "T", Type: "X", QoS: &wq, Listener: &wlog})
		rq := reliableReader()
		rq.Durability = qos.TransientLocal
		r := mustReader(t, p, rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq, Listener: &rlog})

		if w.MatchedReaders() != 0 || r.MatchedWriters() != 0 {
			t.Errorf("Matched: writer %d, reader %d; want 0, 0", w.MatchedReaders(), r.MatchedWriters())
		}
		want := [][]string{{"RELIABILITY", "DURABILITY"}}
		if diff := cmp.Diff(wlog.incompatible(), want); diff != "" {
			t.Errorf("Writer events (-got, +want):\n%s", diff)
		}
		if diff := cmp.Diff(rlog.incompatible(), want); diff != "" {
			t.Errorf("Reader events (-got, +want):\n%s", diff)
		}

		// A reader of another type is not a candidate at all.
		var olog eventLog
		mustReader(t, p, rtps.ReaderOptions{Topic: "T", Type: "Y", QoS: &rq, Listener: &olog})
		if got := olog.incompatible(); len(got) != 0 {
			t.Errorf("Other type: got events %v, want none", got)
		}
	})
}

func TestDisposeUnregister(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 1, nil)
		p := loc.At(0)

		w := mustWriter(t, p, rtps.WriterOptions{Topic: "T", Type: "X", Keyed: true})
		rq := reliableReader()
		rq.History = qos.History{Kind: qos.KeepLast, Depth: 10}
		r := mustReader(t, p, rtps.ReaderOptions{Topic: "T", Type: "X", Keyed: true, QoS: &rq})
		if err := r.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}

		h := proto.InstanceHandle{1, 2, 3}
		if _, err := w.WriteWithParams(ctx, []byte("on"), rtps.WriteParams{Instance: h}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Dispose(ctx, h); err != nil {
			t.Fatalf("Dispose: %v", err)
		}
		if err := w.Unregister(ctx, h); err != nil {
			t.Fatalf("Unregister: %v", err)
		}

		type info struct {
			Kind     proto.ChangeKind
			Instance proto.InstanceHandle
			Data     string
		}
		var got []info
		for _, s := range takeN(t, ctx, r, 3) {
			got = append(got, info{s.Info.Kind, s.Info.Instance, string(s.Data)})
		}
		want := []info{
			{proto.Alive, h, "on"},
			{proto.NotAliveDisposed, h, ""},
			{proto.NotAliveUnregistered, h, ""},
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Samples (-got, +want):\n%s", diff)
		}
	})
}

func TestRelatedSample(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 1, nil)
		p := loc.At(0)

		w := mustWriter(t, p, rtps.WriterOptions{Topic: "T", Type: "X"})
		rq := reliableReader()
		r := mustReader(t, p, rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})

		req, err := w.WriteWithParams(ctx, []byte("ping"), rtps.WriteParams{})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		s := takeN(t, ctx, r, 1)[0]
		if got := s.Info.Identity(); got != req {
			t.Errorf("Identity: got %v, want %v", got, req)
		}

		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		if _, err := w.WriteWithParams(ctx, []byte("pong"), rtps.WriteParams{
			Related:       req,
			Timestamp:     ts,
			Encapsulation: proto.EncapsulationCDRLE,
		}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		s = takeN(t, ctx, r, 1)[0]
		if s.Info.Related != req {
			t.Errorf("Related: got %v, want %v", s.Info.Related, req)
		}
		if !s.Info.SourceTimestamp.Equal(ts) {
			t.Errorf("Timestamp: got %v, want %v", s.Info.SourceTimestamp, ts)
		}
		if s.Info.Encapsulation != proto.EncapsulationCDRLE {
			t.Errorf("Encapsulation: got %v, want %v", s.Info.Encapsulation, proto.EncapsulationCDRLE)
		}
	})
}

func TestReadNextSample(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 1, nil)
		p := loc.At(0)

		w := mustWriter(t, p, rtps.WriterOptions{Topic: "T", Type: "X"})
		rq := reliableReader()
		rq.History = qos.History{Kind: qos.KeepAll}
		r := mustReader(t, p, rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		for _, v := range []string{"a", "b"} {
			if err := w.Write(ctx, []byte(v)); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}

		// Reading marks samples without removing them; taking removes them
		// whether or not they were read.
		var got []string
		for {
			s, ok := r.ReadNextSample()
			if !ok {
				break
			}
			got = append(got, string(s.Data))
		}
		for _, s := range takeAll(r) {
			got = append(got, string(s.Data))
		}
		if diff := cmp.Diff(got, []string{"a", "b", "a", "b"}); diff != "" {
			t.Errorf("Samples (-got, +want):\n%s", diff)
		}
	})
}

func TestCloseEndpoints(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := testContext(t)
		loc := newLocal(t, 2, nil)
		w := mustWriter(t, loc.At(0), rtps.WriterOptions{Topic: "T", Type: "X"})
		rq := reliableReader()
		r := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
		if err := r.WaitMatched(ctx, 1); err != nil {
			t.Fatalf("WaitMatched: %v", err)
		}

		if err := w.Write(ctx, []byte("last")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.WaitForAllAcked(ctx); err != nil {
			t.Fatalf("WaitForAllAcked: %v", err)
		}

		// Closing the writer withdraws it from the remote reader.
		if err := w.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Errorf("Close again: %v", err)
		}
		if err := w.Write(ctx, []byte("x")); !errors.Is(err, rtps.ErrClosed) {
			t.Errorf("Write after close: got %v, want %v", err, rtps.ErrClosed)
		}
		time.Sleep(time.Second)
		if got := r.MatchedWriters(); got != 0 {
			t.Errorf("MatchedWriters: got %d, want 0", got)
		}

		// A sample delivered before the writer left can still be taken.
		if s, ok := r.TakeNextSample(); !ok || string(s.Data) != "last" {
			t.Errorf("TakeNextSample: got %q, %v; want %q, true", s.Data, ok, "last")
		}

		r.Close()
		if err := r.Wait(ctx); !errors.Is(err, rtps.ErrClosed) {
			t.Errorf("Wait after close: got %v, want %v", err, rtps.ErrClosed)
		}

		// A stopped participant creates no endpoints.
		loc.At(1).Stop()
		if _, err := loc.At(1).NewWriter(rtps.WriterOptions{Topic: "T", Type: "X"}); !errors.Is(err, rtps.ErrClosed) {
			t.Errorf("NewWriter after stop: got %v, want %v", err, rtps.ErrClosed)
		}
	})
}

func TestMalformedInput(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		hub := channel.NewHub(nil)
		reg := rtps.NewRegistry(0)
		port := hub.Join()
		p := reg.Create(rtps.ParticipantOptions{}).Start(port)
		defer p.Stop()
		mtest.MustPanic(t, func() { p.Start(port) })

		var μ sync.Mutex
		var recv int
		p.LogMessages(func(m rtps.MessageInfo) {
			μ.Lock()
			defer μ.Unlock()
			if !m.Sent {
				recv++
			}
		})

		src := hub.Join()
		defer src.Close()
		for _, data := range [][]byte{
			[]byte("nonsense"),
			[]byte("RTPS\x02\x05\x01\x7f"), // short header
			proto.NewMessage(proto.NewGUIDPrefix()).Add(rawSubmessage{Kind: 0x7e, Body: []byte{1}}).Encode(),
		} {
			if err := src.Send(data, port.Locator()); err != nil {
				t.Fatalf("Send: %v", err)
			}
		}
		synctest.Wait()
		if got := intMetric(p, "datagrams_dropped"); got != 3 {
			t.Errorf("datagrams_dropped: got %d, want 3", got)
		}
		if got := intMetric(p, "datagrams_received"); got != 3 {
			t.Errorf("datagrams_received: got %d, want 3", got)
		}
		μ.Lock()
		defer μ.Unlock()
		if recv != 1 {
			t.Errorf("Logged %d received messages, want 1", recv)
		}
	})
}

func TestOnExit(t *testing.T) {
	defer leaktest.Check(t)()

	hub := channel.NewHub(nil)
	port := hub.Join()
	reg := rtps.NewRegistry(0)

	exited := make(chan error, 1)
	p := reg.Create(rtps.ParticipantOptions{}).OnExit(func(err error) { exited <- err }).Start(port)

	time.AfterFunc(5*time.Millisecond, func() { port.Close() })
	if err := p.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil", err)
	}
	if err := <-exited; err != nil {
		t.Errorf("OnExit got an unexpected error: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop: got %v, want nil", err)
	}
	if _, ok := reg.Lookup(p.GUIDPrefix()); ok {
		t.Error("Participant is still registered after Stop")
	}
}

func TestRegistry(t *testing.T) {
	reg := rtps.NewRegistry(1)
	if got := reg.Domain(); got != 1 {
		t.Errorf("Domain: got %d, want 1", got)
	}
	a := reg.Create(rtps.ParticipantOptions{Name: "a"})
	b := reg.Create(rtps.ParticipantOptions{Name: "b"})
	if a.ID() != 0 || b.ID() != 1 {
		t.Errorf("IDs: got %d, %d; want 0, 1", a.ID(), b.ID())
	}
	if p, ok := reg.Lookup(b.GUIDPrefix()); !ok || p != b {
		t.Errorf("Lookup(%v): got %v, %v; want %v", b.GUIDPrefix(), p, ok, b)
	}
	if !reg.Remove(a) {
		t.Error("Remove(a): got false, want true")
	}
	if reg.Remove(a) {
		t.Error("Remove(a) again: got true, want false")
	}
	if c := reg.Create(rtps.ParticipantOptions{}); c.ID() != 0 {
		t.Errorf("Reused ID: got %d, want 0", c.ID())
	}
	if got := len(reg.Participants()); got != 2 {
		t.Errorf("Participants: got %d, want 2", got)
	}

	want := rtps.Ports{
		MetatrafficMulticast: 7650,
		MetatrafficUnicast:   7664,
		UserMulticast:        7651,
		UserUnicast:          7665,
	}
	if diff := cmp.Diff(reg.Ports(2), want); diff != "" {
		t.Errorf("Ports(2) (-got, +want):\n%s", diff)
	}
}

func TestMetrics(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loc := newLocal(t, 2, nil)
		ctx := testContext(t)
		if err := loc.WaitDiscovered(ctx); err != nil {
			t.Fatalf("WaitDiscovered: %v", err)
		}
		m := loc.At(0).Metrics()
		for _, name := range []string{"datagrams_sent", "datagrams_received", "data_sent"} {
			if v := m.Get(name).(*expvar.Int).Value(); v == 0 {
				t.Errorf("Metric %q is zero", name)
			}
		}
		for _, name := range rtps.GaugeMetrics {
			if m.Get(name) == nil {
				t.Errorf("Gauge %q is missing", name)
			}
		}
		if got := intMetric(loc.At(0), "participants"); got != 1 {
			t.Errorf("participants: got %d, want 1", got)
		}
		t.Logf("Metrics: %v", m)
	})
}

// newLocal returns a group of n participants that is stopped when the test
// ends.
func newLocal(t *testing.T, n int, opts *rtps.ParticipantOptions) *peers.Local {
	t.Helper()
	loc := peers.NewLocal(n, opts)
	t.Cleanup(func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping participants: %v", err)
		}
	})
	return loc
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func reliableReader() qos.Endpoint {
	q := qos.DefaultReader()
	q.Reliability = qos.Reliable
	return q
}

// reliablePair returns a matched reliable writer and reader with the given
// writer history, on the first two participants of loc.
func reliablePair(t *testing.T, ctx context.Context, loc *peers.Local, h qos.History) (*rtps.Writer, *rtps.Reader) {
	t.Helper()
	wq := qos.DefaultWriter()
	wq.History = h
	wq.Limits.MaxSamples = 64
	w := mustWriter(t, loc.At(0), rtps.WriterOptions{
		Topic:           "T",
		Type:            "X",
		QoS:             &wq,
		HeartbeatPeriod: 100 * time.Millisecond,
	})
	rq := reliableReader()
	rq.History = qos.History{Kind: qos.KeepAll}
	r := mustReader(t, loc.At(1), rtps.ReaderOptions{Topic: "T", Type: "X", QoS: &rq})
	if err := w.WaitMatched(ctx, 1); err != nil {
		t.Fatalf("Writer WaitMatched: %v", err)
	}
	if err := r.WaitMatched(ctx, 1); err != nil {
		t.Fatalf("Reader WaitMatched: %v", err)
	}
	return w, r
}

func mustWriter(t *testing.T, p *rtps.Participant, opts rtps.WriterOptions) *rtps.Writer {
	t.Helper()
	w, err := p.NewWriter(opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w
}

func mustReader(t *testing.T, p *rtps.Participant, opts rtps.ReaderOptions) *rtps.Reader {
	t.Helper()
	r, err := p.NewReader(opts)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

// takeN takes n samples from r, waiting for them as needed.
func takeN(t *testing.T, ctx context.Context, r *rtps.Reader, n int) []rtps.Sample {
	t.Helper()
	var out []rtps.Sample
	for len(out) < n {
		if s, ok := r.TakeNextSample(); ok {
			out = append(out, s)
			continue
		}
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("Wait after %d samples: %v", len(out), err)
		}
	}
	return out
}

// takeAll takes the samples r can deliver now.
func takeAll(r *rtps.Reader) []rtps.Sample {
	var out []rtps.Sample
	for {
		s, ok := r.TakeNextSample()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func seqs(ss []rtps.Sample) []proto.SequenceNumber {
	var out []proto.SequenceNumber
	for _, s := range ss {
		out = append(out, s.Info.Seq)
	}
	return out
}

func intMetric(p *rtps.Participant, name string) int64 {
	return p.Metrics().Get(name).(*expvar.Int).Value()
}

// dataSeqs returns the sequence numbers of the DATA submessages from the
// given writer in dg.
func dataSeqs(dg *rtps.Datagram, writer proto.EntityID) []proto.SequenceNumber {
	var msg proto.Message
	if msg.UnmarshalBinary(dg.Data) != nil {
		return nil
	}
	var out []proto.SequenceNumber
	for _, sm := range msg.Submessages {
		if sm.Kind != proto.KindData {
			continue
		}
		var d proto.Data
		if d.Decode(sm) == nil && d.Writer == writer {
			out = append(out, d.Seq)
		}
	}
	return out
}

func sourcePrefix(dg *rtps.Datagram) proto.GUIDPrefix {
	var msg proto.Message
	if msg.UnmarshalBinary(dg.Data) != nil {
		return proto.GUIDPrefix{}
	}
	return msg.Prefix
}

// rawSubmessage is a submessage with an arbitrary body.
type rawSubmessage proto.Submessage

func (r rawSubmessage) Submessage() proto.Submessage { return proto.Submessage(r) }

// eventLog is a [rtps.Listener] that records events.
type eventLog struct {
	μ   sync.Mutex
	evs []rtps.Event
}

func (e *eventLog) OnEvent(ev rtps.Event) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.evs = append(e.evs, ev)
}

// matched returns the changes reported by match events.
func (e *eventLog) matched() []int {
	e.μ.Lock()
	defer e.μ.Unlock()
	var out []int
	for _, ev := range e.evs {
		if m, ok := ev.(rtps.MatchedEvent); ok {
			out = append(out, m.Change)
		}
	}
	return out
}

// incompatible returns the policies reported by incompatible QoS events.
func (e *eventLog) incompatible() [][]string {
	e.μ.Lock()
	defer e.μ.Unlock()
	var out [][]string
	for _, ev := range e.evs {
		if m, ok := ev.(rtps.IncompatibleQoSEvent); ok {
			out = append(out, m.Policies)
		}
	}
	return out
}

func (e *eventLog) String() string {
	e.μ.Lock()
	defer e.μ.Unlock()
	return fmt.Sprint(e.evs)
}
